package core

import (
	"encoding/json"
	"fmt"
)

// Collections holding the sync pipeline's own documents.
const (
	SchemasCollection  = "parametros_schemas"
	DatasetsCollection = "parametros_datasets"
	ExcelsCollection   = "parametros_excels"

	// RowsSubcollection holds the child row documents of a sharded dataset.
	RowsSubcollection = "rows"
)

// SchemaPath returns the path of the schema document with the given key.
func SchemaPath(key string) string {
	return JoinPath(SchemasCollection, key)
}

// DatasetPath returns the path of the dataset document with the given key.
func DatasetPath(key string) string {
	return JoinPath(DatasetsCollection, key)
}

// DatasetRowsCollection returns the collection of child rows of a dataset.
func DatasetRowsCollection(key string) string {
	return JoinPath(DatasetsCollection, key, RowsSubcollection)
}

// DatasetRowPath returns the path of one child row of a dataset.
func DatasetRowPath(key, rowID string) string {
	return JoinPath(DatasetsCollection, key, RowsSubcollection, rowID)
}

// ExcelStatusPath returns the path of the sync status document of a template.
func ExcelStatusPath(key string) string {
	return JoinPath(ExcelsCollection, key)
}

// Convert copies a decoded document value into a typed destination through
// its JSON form.
func Convert(src any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}
