package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// TableRow is one data row of a remote table.
type TableRow struct {
	Index  int     `json:"index"`
	Values [][]any `json:"values"`
}

// FirstCell returns the first cell of the row, or nil.
func (r TableRow) FirstCell() any {
	if len(r.Values) == 0 || len(r.Values[0]) == 0 {
		return nil
	}
	return r.Values[0][0]
}

// ListRows reads every data row of a table.
func (c *Client) ListRows(ctx context.Context, itemID, tableName string) ([]TableRow, error) {
	var resp listResponse[TableRow]
	if err := c.doJSON(ctx, http.MethodGet, c.tablePath(itemID, tableName)+"/rows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// AddRow appends a row to a table.
func (c *Client) AddRow(ctx context.Context, itemID, tableName string, values []string) error {
	return c.doJSON(ctx, http.MethodPost, c.tablePath(itemID, tableName)+"/rows/add",
		map[string]any{"values": [][]string{values}}, nil)
}

// UpdateRow overwrites the row at index.
func (c *Client) UpdateRow(ctx context.Context, itemID, tableName string, index int, values []string) error {
	return c.doJSON(ctx, http.MethodPatch, c.tablePath(itemID, tableName)+"/rows/"+strconv.Itoa(index),
		map[string]any{"values": [][]string{values}}, nil)
}

// DeleteRow removes the row at index.
func (c *Client) DeleteRow(ctx context.Context, itemID, tableName string, index int) error {
	return c.doJSON(ctx, http.MethodPost, c.tablePath(itemID, tableName)+"/rows/"+strconv.Itoa(index)+"/delete", nil, nil)
}

func decodeJSON(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
