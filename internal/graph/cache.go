package graph

import "sync"

// ResourceCache memoizes provisioned workbook ids by drive path and the
// (item, table) pairs whose worksheet and table are known to exist. Entries
// are never invalidated within a process.
type ResourceCache struct {
	mu        sync.RWMutex
	workbooks map[string]string
	tables    map[string]struct{}
}

// NewResourceCache creates an empty cache.
func NewResourceCache() *ResourceCache {
	return &ResourceCache{
		workbooks: make(map[string]string),
		tables:    make(map[string]struct{}),
	}
}

// Workbook returns the cached item id of a drive path.
func (c *ResourceCache) Workbook(drivePath string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.workbooks[drivePath]
	return id, ok
}

// SetWorkbook records the item id of a drive path.
func (c *ResourceCache) SetWorkbook(drivePath, itemID string) {
	c.mu.Lock()
	c.workbooks[drivePath] = itemID
	c.mu.Unlock()
}

func tableKey(itemID, table string) string {
	return itemID + ":" + table
}

// TableEnsured reports whether the table was already ensured.
func (c *ResourceCache) TableEnsured(itemID, table string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[tableKey(itemID, table)]
	return ok
}

// MarkTableEnsured records that the table exists.
func (c *ResourceCache) MarkTableEnsured(itemID, table string) {
	c.mu.Lock()
	c.tables[tableKey(itemID, table)] = struct{}{}
	c.mu.Unlock()
}
