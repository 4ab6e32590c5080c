package schema

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// DefaultAliases maps legacy field names to canonical column keys for every
// bootstrapped schema.
func DefaultAliases() map[string]string {
	return map[string]string{core.FieldLevel: core.FieldFloor}
}

// DatasetInitializer creates an empty dataset document when none exists.
type DatasetInitializer interface {
	EnsureDataset(ctx context.Context, template core.TemplateDefinition, columns []core.Column) error
}

// BootstrapResult summarizes the schema written for one template.
type BootstrapResult struct {
	Key     string
	Columns int
}

// Bootstrapper seeds schema documents from workbook template headers.
type Bootstrapper struct {
	store     core.DocumentStore
	headers   HeaderSource
	datasets  DatasetInitializer
	aliases   map[string]string
	assetsDir string
	now       func() time.Time
	logger    zerolog.Logger
}

// NewBootstrapper creates a bootstrapper. datasets may be nil to skip dataset
// creation.
func NewBootstrapper(store core.DocumentStore, headers HeaderSource, datasets DatasetInitializer, assetsDir string, logger zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		store:     store,
		headers:   headers,
		datasets:  datasets,
		aliases:   DefaultAliases(),
		assetsDir: assetsDir,
		now:       time.Now,
		logger:    logger.With().Str("component", "bootstrap").Logger(),
	}
}

// Run writes one schema document per template and the template status
// document. Templates whose headers cannot be read are reported in the
// returned error; the remaining templates are still processed.
func (b *Bootstrapper) Run(ctx context.Context, templates core.TemplateCatalog) ([]BootstrapResult, error) {
	var (
		results []BootstrapResult
		errs    []error
	)

	for _, t := range templates {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		key := t.Key()
		now := b.now().UTC().Format(time.RFC3339Nano)

		if err := core.MergeDocument(ctx, b.store, core.ExcelStatusPath(key), core.Document{
			"key":          key,
			"disciplina":   t.Disciplina,
			"templateType": string(t.Tipo),
			"fileName":     t.Filename,
			"path":         path.Join(b.assetsDir, t.Filename),
			"updatedAt":    now,
		}); err != nil {
			errs = append(errs, fmt.Errorf("template %s: failed to write status: %w", key, err))
			continue
		}

		headers, err := b.headers.Headers(ctx, t)
		if err != nil {
			b.logger.Warn().Err(err).Str("template", key).Msg("failed to read template headers")
			errs = append(errs, fmt.Errorf("template %s: %w", key, err))
			continue
		}

		columns := BuildColumns(headers)
		schema := &core.Schema{CategoryID: t.Disciplina, Columns: columns, Aliases: b.aliases}
		if err := schema.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", key, err))
			continue
		}

		if err := core.MergeDocument(ctx, b.store, core.SchemaPath(key), core.Document{
			"disciplina":      t.Disciplina,
			"tipo":            string(t.Tipo),
			"filenameDefault": t.Filename,
			"columns":         columns,
			"aliases":         b.aliases,
			"updatedAt":       now,
		}); err != nil {
			errs = append(errs, fmt.Errorf("template %s: failed to write schema: %w", key, err))
			continue
		}

		if b.datasets != nil {
			if err := b.datasets.EnsureDataset(ctx, t, columns); err != nil {
				errs = append(errs, fmt.Errorf("template %s: failed to create dataset: %w", key, err))
				continue
			}
		}

		b.logger.Info().Str("template", key).Int("columns", len(columns)).Msg("schema bootstrapped")
		results = append(results, BootstrapResult{Key: key, Columns: len(columns)})
	}

	return results, errors.Join(errs...)
}
