package graph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

// WorkbookSeed produces the content of a workbook created at a missing path.
type WorkbookSeed func(ctx context.Context) ([]byte, error)

// DefaultWorkbook seeds an empty workbook with a single named sheet.
func DefaultWorkbook(sheet string) WorkbookSeed {
	return func(context.Context) ([]byte, error) {
		f := excelize.NewFile()
		defer f.Close()

		if sheet != "" {
			if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
				return nil, fmt.Errorf("failed to name sheet %q: %w", sheet, err)
			}
		}
		buf, err := f.WriteToBuffer()
		if err != nil {
			return nil, fmt.Errorf("failed to build workbook: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// TemplateWorkbook seeds from a template file, falling back to a default
// workbook when the file does not exist.
func TemplateWorkbook(dir, filename, fallbackSheet string) WorkbookSeed {
	return func(ctx context.Context) ([]byte, error) {
		if filename != "" {
			data, err := os.ReadFile(filepath.Join(dir, filename))
			if err == nil {
				return data, nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read template %s: %w", filename, err)
			}
		}
		return DefaultWorkbook(fallbackSheet)(ctx)
	}
}
