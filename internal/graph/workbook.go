package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
)

// XLSXContentType is the media type of uploaded workbooks.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// DrivePath joins a drive folder and a file name.
func DrivePath(folder, filename string) string {
	return path.Join(strings.TrimSuffix(folder, "/"), filename)
}

func escapeDrivePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

type driveItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ResolveWorkbook returns the item id of the workbook at drivePath, creating
// it from seed when the path does not exist. Results are cached per path and
// concurrent calls for the same path share one provisioning attempt. Only a
// not-found lookup leads to creation; any other failure is returned.
func (c *Client) ResolveWorkbook(ctx context.Context, drivePath string, seed WorkbookSeed) (string, error) {
	if id, ok := c.cache.Workbook(drivePath); ok {
		return id, nil
	}

	// The shared attempt outlives the caller that started it.
	callerCtx := ctx
	ctx = context.WithoutCancel(ctx)
	ch := c.provision.DoChan(drivePath, func() (any, error) {
		if id, ok := c.cache.Workbook(drivePath); ok {
			return id, nil
		}

		root := c.userPath() + "/drive/root:" + escapeDrivePath(drivePath)
		var item driveItem
		err := c.doJSON(ctx, http.MethodGet, root, nil, &item)
		switch {
		case err == nil:
			c.cache.SetWorkbook(drivePath, item.ID)
			return item.ID, nil
		case !IsNotFound(err):
			return "", err
		}

		if seed == nil {
			seed = DefaultWorkbook(c.cfg.DefaultWorksheet)
		}
		content, err := seed(ctx)
		if err != nil {
			return "", err
		}
		data, err := c.do(ctx, request{
			Method:      http.MethodPut,
			Path:        root + ":/content",
			Body:        content,
			ContentType: XLSXContentType,
		})
		if err != nil {
			return "", fmt.Errorf("failed to create workbook %s: %w", drivePath, err)
		}
		if err := decodeJSON(data, &item); err != nil {
			return "", err
		}
		c.logger.Info().Str("path", drivePath).Str("item_id", item.ID).Msg("workbook created")
		c.cache.SetWorkbook(drivePath, item.ID)
		return item.ID, nil
	})

	select {
	case <-callerCtx.Done():
		return "", callerCtx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type listResponse[T any] struct {
	Value []T `json:"value"`
}

type worksheet struct {
	Name string `json:"name"`
}

type table struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorksheetNames lists the worksheet names of a workbook in order.
func (c *Client) WorksheetNames(ctx context.Context, itemID string) ([]string, error) {
	var resp listResponse[worksheet]
	if err := c.doJSON(ctx, http.MethodGet, c.itemPath(itemID)+"/workbook/worksheets", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, len(resp.Value))
	for i, ws := range resp.Value {
		names[i] = ws.Name
	}
	return names, nil
}

// EnsureTable makes sure the worksheet exists and holds a table named
// tableName. When the table is missing the headers are written to row 1, a
// table is created over them and renamed. The sequence runs at most once per
// (itemID, tableName) in a process.
func (c *Client) EnsureTable(ctx context.Context, itemID, worksheetName, tableName string, headers []string) error {
	if c.cache.TableEnsured(itemID, tableName) {
		return nil
	}
	if len(headers) == 0 {
		return fmt.Errorf("table %s needs at least one header", tableName)
	}

	sheets, err := c.WorksheetNames(ctx, itemID)
	if err != nil {
		return err
	}
	if !slices.Contains(sheets, worksheetName) {
		if err := c.doJSON(ctx, http.MethodPost, c.itemPath(itemID)+"/workbook/worksheets/add",
			map[string]string{"name": worksheetName}, nil); err != nil {
			return fmt.Errorf("failed to add worksheet %s: %w", worksheetName, err)
		}
	}

	var tables listResponse[table]
	if err := c.doJSON(ctx, http.MethodGet, c.itemPath(itemID)+"/workbook/tables", nil, &tables); err != nil {
		return err
	}
	exists := false
	for _, t := range tables.Value {
		if t.Name == tableName {
			exists = true
			break
		}
	}

	if !exists {
		lastColumn := ColumnLetter(len(headers) - 1)
		rangePath := fmt.Sprintf("%s/workbook/worksheets/%s/range(address='A1:%s1')",
			c.itemPath(itemID), url.PathEscape(worksheetName), lastColumn)
		if err := c.doJSON(ctx, http.MethodPatch, rangePath,
			map[string]any{"values": [][]string{headers}}, nil); err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}

		var created table
		if err := c.doJSON(ctx, http.MethodPost, c.itemPath(itemID)+"/workbook/tables/add", map[string]any{
			"address":    fmt.Sprintf("%s!A1:%s1", worksheetName, lastColumn),
			"hasHeaders": true,
		}, &created); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}

		if err := c.doJSON(ctx, http.MethodPatch, c.tablePath(itemID, created.ID),
			map[string]string{"name": tableName}, nil); err != nil {
			return fmt.Errorf("failed to rename table %s: %w", created.ID, err)
		}
		c.logger.Info().Str("item_id", itemID).Str("table", tableName).Int("columns", len(headers)).Msg("table created")
	}

	c.cache.MarkTableEnsured(itemID, tableName)
	return nil
}

// ColumnLetter converts a zero-based column index to its spreadsheet letters
// (0 is A, 25 is Z, 26 is AA).
func ColumnLetter(index int) string {
	var letters []byte
	for n := index + 1; n > 0; {
		mod := (n - 1) % 26
		letters = append([]byte{byte('A' + mod)}, letters...)
		n = (n - mod - 1) / 26
	}
	return string(letters)
}
