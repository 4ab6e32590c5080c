// Package migrate rewrites stored records that still carry the legacy
// "nivel" floor key.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/mapper"
)

// DefaultBatchSize is the page size used when walking the record collection.
const DefaultBatchSize = 300

// Options configures a Runner.
type Options struct {
	BatchSize int

	// RemoveLegacy drops the "nivel" key from migrated records.
	RemoveLegacy bool

	// DryRun counts the records that would change without writing them.
	DryRun bool
}

// Runner pages through a record collection in id order and rewrites every
// record that has a legacy level but no floor.
type Runner struct {
	store      core.DocumentStore
	collection string
	opts       Options
	now        func() time.Time
	logger     zerolog.Logger
}

// NewRunner creates a migration runner over collection.
func NewRunner(store core.DocumentStore, collection string, opts Options, logger zerolog.Logger) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Runner{
		store:      store,
		collection: collection,
		opts:       opts,
		now:        time.Now,
		logger:     logger.With().Str("component", "floor_migration").Logger(),
	}
}

// Run migrates the collection and returns the number of records rewritten
// (or that would be, in dry-run mode). Each page is written as one batch
// before the next page is read.
func (r *Runner) Run(ctx context.Context) (int, error) {
	var (
		after    string
		scanned  int
		migrated int
	)

	for {
		if err := ctx.Err(); err != nil {
			return migrated, err
		}

		page, err := r.store.List(ctx, r.collection, after, r.opts.BatchSize)
		if err != nil {
			return migrated, fmt.Errorf("failed to list %s after %q: %w", r.collection, after, err)
		}
		if len(page) == 0 {
			break
		}

		now := r.now()
		batch := make(map[string]core.Document)
		for _, snap := range page {
			rec := core.DecodeRecord(snap.ID, snap.Data)
			plan, ok := mapper.PlanFloorMigration(rec, r.opts.RemoveLegacy, now)
			if !ok {
				continue
			}
			batch[core.JoinPath(r.collection, snap.ID)] = plan.Record.Document()
			r.logger.Debug().Str("record_id", snap.ID).Interface("piso", plan.Floor).Msg("record planned")
		}

		if len(batch) > 0 && !r.opts.DryRun {
			if err := r.store.BatchSet(ctx, batch); err != nil {
				return migrated, fmt.Errorf("failed to write migrated records: %w", err)
			}
		}
		scanned += len(page)
		migrated += len(batch)
		after = page[len(page)-1].ID

		if len(page) < r.opts.BatchSize {
			break
		}
	}

	r.logger.Info().
		Str("collection", r.collection).
		Int("scanned", scanned).
		Int("migrated", migrated).
		Bool("dry_run", r.opts.DryRun).
		Msg("floor migration finished")
	return migrated, nil
}
