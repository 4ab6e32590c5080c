package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/changefeed"
	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
	_ "github.com/rzpsarthak13/sheetsync/internal/database" // registers the SQL stores
	"github.com/rzpsarthak13/sheetsync/internal/graph"
	"github.com/rzpsarthak13/sheetsync/internal/kvstore"
	"github.com/rzpsarthak13/sheetsync/internal/logging"
	"github.com/rzpsarthak13/sheetsync/internal/migrate"
	"github.com/rzpsarthak13/sheetsync/internal/orchestrator"
	"github.com/rzpsarthak13/sheetsync/internal/registry"
	"github.com/rzpsarthak13/sheetsync/internal/rowsync"
	"github.com/rzpsarthak13/sheetsync/internal/schema"
	"github.com/rzpsarthak13/sheetsync/internal/storage"
)

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("client is closed")

// ClientImpl wires the document store, the change feed, the schema registry,
// the remote workbook client and the dataset manager into one orchestrator.
type ClientImpl struct {
	mu           sync.RWMutex
	cfg          *config.Config
	store        core.DocumentStore
	feed         core.ChangeFeed
	schemas      *registry.SchemaRegistry
	remote       *graph.Client
	datasets     *storage.Manager
	orchestrator *orchestrator.Orchestrator
	now          func() time.Time
	logger       zerolog.Logger
	closed       bool
}

// Option customizes the wiring, mostly for tests.
type Option func(*options)

type options struct {
	store        core.DocumentStore
	feed         core.ChangeFeed
	schemaSource registry.SchemaSource
	graphOptions []graph.Option
	now          func() time.Time
}

// WithStore uses an existing document store instead of creating one.
func WithStore(store core.DocumentStore) Option {
	return func(o *options) { o.store = store }
}

// WithFeed uses an existing change feed instead of creating one.
func WithFeed(feed core.ChangeFeed) Option {
	return func(o *options) { o.feed = feed }
}

// WithSchemaSource overrides the configured schema source.
func WithSchemaSource(source registry.SchemaSource) Option {
	return func(o *options) { o.schemaSource = source }
}

// WithGraphOptions passes options to the remote workbook client.
func WithGraphOptions(opts ...graph.Option) Option {
	return func(o *options) { o.graphOptions = append(o.graphOptions, opts...) }
}

// WithClock overrides the clock used for fallback timestamps and status
// documents.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewClientImpl validates cfg and builds every component it enables.
func NewClientImpl(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*ClientImpl, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	c := &ClientImpl{cfg: cfg, now: o.now, logger: logging.Component(logger, "client")}
	if err := c.initialize(ctx, o); err != nil {
		if c.store != nil && o.store == nil {
			_ = c.store.Close()
		}
		return nil, err
	}
	return c, nil
}

func (c *ClientImpl) initialize(ctx context.Context, o *options) error {
	cfg := c.cfg

	c.store = o.store
	if c.store == nil {
		store, err := kvstore.Create(ctx, cfg.Store, logging.Component(c.logger, "store"))
		if err != nil {
			return fmt.Errorf("failed to create document store: %w", err)
		}
		c.store = store
	}

	c.feed = o.feed
	if c.feed == nil {
		feed, err := changefeed.New(cfg.Feed, c.store, logging.Component(c.logger, "feed"))
		if err != nil {
			return fmt.Errorf("failed to create change feed: %w", err)
		}
		c.feed = feed
	}

	source := o.schemaSource
	if source == nil {
		var err error
		if source, err = c.schemaSource(); err != nil {
			return err
		}
	}
	c.schemas = registry.NewSchemaRegistry(source)

	orchOpts := []orchestrator.Option{
		orchestrator.WithStatusStore(c.store),
		orchestrator.WithClock(c.now),
		orchestrator.WithLogger(c.logger),
	}

	if cfg.Dataset.Enabled {
		c.datasets = storage.NewManager(c.store, storage.Options{
			Threshold: cfg.Dataset.Threshold,
			BatchSize: cfg.Dataset.BatchSize,
			Now:       c.now,
		}, logging.Component(c.logger, "datasets"))
		orchOpts = append(orchOpts, orchestrator.WithDatasets(c.datasets))
	}

	if cfg.Remote.Enabled {
		graphOpts := append([]graph.Option{graph.WithLogger(logging.Component(c.logger, "graph"))}, o.graphOptions...)
		remote, err := graph.New(cfg.Graph, graphOpts...)
		if err != nil {
			return fmt.Errorf("failed to create remote client: %w", err)
		}
		c.remote = remote
		orchOpts = append(orchOpts, orchestrator.WithRemote(remote, rowsync.New(remote, logging.Component(c.logger, "rowsync"))))
	}

	c.orchestrator = orchestrator.New(c.schemas, cfg.Templates.Definitions, orchestrator.Options{
		ParametrosFolder: cfg.Graph.ParametrosFolder,
		TemplateDir:      cfg.Templates.Dir,
		DefaultWorksheet: cfg.Graph.DefaultWorksheet,
	}, orchOpts...)

	c.logger.Info().
		Str("store", cfg.Store.Type).
		Str("feed", cfg.Feed.Type).
		Bool("remote", cfg.Remote.Enabled).
		Bool("datasets", cfg.Dataset.Enabled).
		Msg("client initialized")
	return nil
}

func (c *ClientImpl) schemaSource() (registry.SchemaSource, error) {
	switch c.cfg.Schemas.Source {
	case "file":
		source, err := registry.LoadStaticSource(c.cfg.Schemas.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
		return source, nil
	default:
		return registry.NewStoreSource(c.store), nil
	}
}

// Config returns the configuration the client was built from.
func (c *ClientImpl) Config() *config.Config {
	return c.cfg
}

// Store returns the document store.
func (c *ClientImpl) Store() core.DocumentStore {
	return c.store
}

// Feed returns the change feed.
func (c *ClientImpl) Feed() core.ChangeFeed {
	return c.feed
}

// Publish assigns an id and an observation time to the event when missing
// and appends it to the change feed.
func (c *ClientImpl) Publish(ctx context.Context, event *core.ChangeEvent) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if event == nil {
		return changefeed.ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = c.now().UTC()
	}
	return c.feed.Publish(ctx, event)
}

// Handle runs one change event through the orchestrator.
func (c *ClientImpl) Handle(ctx context.Context, event *core.ChangeEvent) (orchestrator.Result, error) {
	if err := c.checkOpen(); err != nil {
		return orchestrator.Result{}, err
	}
	return c.orchestrator.Handle(ctx, event)
}

// Bootstrap seeds schema documents, template status documents and empty
// datasets from the workbook templates in the configured directory.
func (c *ClientImpl) Bootstrap(ctx context.Context) ([]schema.BootstrapResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	var datasets schema.DatasetInitializer
	if c.datasets != nil {
		datasets = c.datasets
	}
	b := schema.NewBootstrapper(c.store, schema.ExcelHeaderSource{Dir: c.cfg.Templates.Dir}, datasets, c.cfg.Templates.Dir, c.logger)
	return b.Run(ctx, c.cfg.Templates.Definitions)
}

// MigrateFloors rewrites legacy floor fields of the source collection. A zero
// batch size falls back to the configured one.
func (c *ClientImpl) MigrateFloors(ctx context.Context, opts migrate.Options) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = c.cfg.Source.MigrationBatchSize
	}
	runner := migrate.NewRunner(c.store, c.cfg.Source.Collection, opts, c.logger)
	return runner.Run(ctx)
}

// DatasetInfo describes the dataset of a template.
func (c *ClientImpl) DatasetInfo(ctx context.Context, template core.TemplateDefinition) (storage.Info, error) {
	if err := c.checkOpen(); err != nil {
		return storage.Info{}, err
	}
	if c.datasets == nil {
		return storage.Info{}, fmt.Errorf("datasets are disabled")
	}
	return c.datasets.Info(ctx, template.Key())
}

func (c *ClientImpl) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// Close closes the change feed and the document store. It is safe to call
// more than once.
func (c *ClientImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if err := c.feed.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close change feed: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close document store: %w", err))
	}
	return errors.Join(errs...)
}
