package schema

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// HeaderSource reads the column headers of a workbook template.
type HeaderSource interface {
	Headers(ctx context.Context, template core.TemplateDefinition) ([]string, error)
}

// ExcelHeaderSource reads headers from .xlsx template files in a directory.
// The header row is the first row of the first worksheet with any non-blank
// cell; blank cells are dropped.
type ExcelHeaderSource struct {
	Dir string
}

// Headers implements HeaderSource.
func (s ExcelHeaderSource) Headers(ctx context.Context, template core.TemplateDefinition) ([]string, error) {
	path := filepath.Join(s.Dir, template.Filename)
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows of %s: %w", path, err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		headers := make([]string, 0, len(row))
		for _, cell := range row {
			if v := strings.TrimSpace(cell); v != "" {
				headers = append(headers, v)
			}
		}
		if len(headers) > 0 {
			return headers, nil
		}
	}
	return nil, nil
}

// StaticHeaderSource serves fixed headers per template filename.
type StaticHeaderSource map[string][]string

// Headers implements HeaderSource.
func (s StaticHeaderSource) Headers(_ context.Context, template core.TemplateDefinition) ([]string, error) {
	headers, ok := s[template.Filename]
	if !ok {
		return nil, fmt.Errorf("no headers for template %s", template.Filename)
	}
	return headers, nil
}
