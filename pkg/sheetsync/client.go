package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/client"
	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/logging"
)

// Client is the main interface of the sync worker. It accepts change events,
// drains them into the remote workbook tables and the mirrored datasets, and
// exposes the maintenance jobs.
//
// Typical usage:
//
//	client, _ := sheetsync.NewClient(ctx, config)
//	defer client.Close()
//
//	client.Start(ctx) // start the background drainer
//	defer client.Stop()
//
//	client.Publish(ctx, &sheetsync.ChangeEvent{RecordID: "p1", After: record})
type Client interface {
	// Publish appends a change event to the feed. A missing event id is
	// generated.
	Publish(ctx context.Context, event *ChangeEvent) error

	// Handle processes one change event synchronously, bypassing the feed.
	Handle(ctx context.Context, event *ChangeEvent) (Result, error)

	// Bootstrap seeds schemas, template status documents and empty datasets
	// from the workbook templates.
	Bootstrap(ctx context.Context) ([]BootstrapResult, error)

	// MigrateFloors rewrites legacy floor fields of the source collection and
	// returns the number of records changed.
	MigrateFloors(ctx context.Context, opts MigrateOptions) (int, error)

	// DatasetInfo describes the mirrored dataset of a template.
	DatasetInfo(ctx context.Context, template Template) (DatasetInfo, error)

	// Start starts the background drainer. It is non-blocking.
	Start(ctx context.Context) error

	// Stop stops the drainer and waits for the event in flight.
	Stop() error

	// IsRunning returns whether the drainer is running.
	IsRunning() bool

	// Stats returns the drainer counters.
	Stats() DrainerStats

	// Close stops the drainer and releases every connection.
	Close() error
}

// Option customizes NewClient.
type Option func(*clientOptions)

type clientOptions struct {
	logger   *zerolog.Logger
	internal []client.Option
}

// WithLogger uses logger instead of building one from the log section of the
// configuration.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *clientOptions) { o.logger = &logger }
}

// WithStore uses an existing document store instead of the configured one.
func WithStore(store core.DocumentStore) Option {
	return func(o *clientOptions) { o.internal = append(o.internal, client.WithStore(store)) }
}

// WithFeed uses an existing change feed instead of the configured one.
func WithFeed(feed core.ChangeFeed) Option {
	return func(o *clientOptions) { o.internal = append(o.internal, client.WithFeed(feed)) }
}

type clientWrapper struct {
	mu        sync.Mutex
	impl      *client.ClientImpl
	drainer   *Drainer
	logCloser io.Closer
}

// NewClient builds a client from config.
func NewClient(ctx context.Context, config *Config, opts ...Option) (Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var (
		logger    zerolog.Logger
		logCloser io.Closer
	)
	if o.logger != nil {
		logger = *o.logger
	} else {
		var err error
		logger, logCloser, err = logging.New(config.Log, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	impl, err := client.NewClientImpl(ctx, config, logger, o.internal...)
	if err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &clientWrapper{
		impl:      impl,
		drainer:   NewDrainer(impl.Feed(), impl, DrainerConfigFrom(config.Worker), logger),
		logCloser: logCloser,
	}, nil
}

func (cw *clientWrapper) Publish(ctx context.Context, event *ChangeEvent) error {
	return cw.impl.Publish(ctx, event)
}

func (cw *clientWrapper) Handle(ctx context.Context, event *ChangeEvent) (Result, error) {
	return cw.impl.Handle(ctx, event)
}

func (cw *clientWrapper) Bootstrap(ctx context.Context) ([]BootstrapResult, error) {
	return cw.impl.Bootstrap(ctx)
}

func (cw *clientWrapper) MigrateFloors(ctx context.Context, opts MigrateOptions) (int, error) {
	return cw.impl.MigrateFloors(ctx, opts)
}

func (cw *clientWrapper) DatasetInfo(ctx context.Context, template Template) (DatasetInfo, error) {
	return cw.impl.DatasetInfo(ctx, template)
}

func (cw *clientWrapper) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.drainer == nil {
		return client.ErrClientClosed
	}
	return cw.drainer.Start(ctx)
}

func (cw *clientWrapper) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.drainer == nil {
		return nil
	}
	return cw.drainer.Stop()
}

func (cw *clientWrapper) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.drainer != nil && cw.drainer.IsRunning()
}

func (cw *clientWrapper) Stats() DrainerStats {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.drainer == nil {
		return DrainerStats{}
	}
	return cw.drainer.Stats()
}

func (cw *clientWrapper) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.drainer == nil {
		return nil
	}
	var errs []error
	if err := cw.drainer.Stop(); err != nil {
		errs = append(errs, err)
	}
	cw.drainer = nil
	if err := cw.impl.Close(); err != nil {
		errs = append(errs, err)
	}
	if cw.logCloser != nil {
		if err := cw.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
