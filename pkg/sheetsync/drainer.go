package sheetsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/orchestrator"
)

// Handler processes one change event.
type Handler interface {
	Handle(ctx context.Context, event *core.ChangeEvent) (orchestrator.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *core.ChangeEvent) (orchestrator.Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event *core.ChangeEvent) (orchestrator.Result, error) {
	return f(ctx, event)
}

// Drainer reads change events from the feed and hands them to a Handler at a
// controlled rate, protecting the remote workbook API from bursts. A failed
// event is handled again in place, with growing waits, before any later event
// is looked at, so events of one record are applied in feed order. After
// MaxRetries further attempts the event is dropped.
type Drainer struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	feed    core.ChangeFeed
	handler Handler
	config  DrainerConfig
	logger  zerolog.Logger

	processed atomic.Int64
	skipped   atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
}

// DrainerConfig contains configuration for the drainer.
type DrainerConfig struct {
	// DrainRate is the maximum number of events handled per second.
	DrainRate int

	// BatchSize is how many events to dequeue at once.
	BatchSize int

	// PollInterval is how long to wait when the feed is empty.
	PollInterval time.Duration

	// MaxRetries is how many times a failed event is handled again.
	MaxRetries int

	// RetryDelay is the wait before the first retry. Later waits double up
	// to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DrainerStats counts handled events since the drainer was created.
type DrainerStats struct {
	Processed int64
	Skipped   int64
	Retried   int64
	Dropped   int64
}

// DefaultDrainerConfig returns sensible defaults for the drainer.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		DrainRate:     50,
		BatchSize:     10,
		PollInterval:  100 * time.Millisecond,
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// DrainerConfigFrom converts the worker section of the configuration.
func DrainerConfigFrom(cfg WorkerConfig) DrainerConfig {
	return DrainerConfig{
		DrainRate:     cfg.DrainRate,
		BatchSize:     cfg.BatchSize,
		PollInterval:  cfg.PollInterval,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
	}
}

// NewDrainer creates a drainer. A MaxRetries of zero or less disables
// retries.
func NewDrainer(feed core.ChangeFeed, handler Handler, config DrainerConfig, logger zerolog.Logger) *Drainer {
	defaults := DefaultDrainerConfig()
	if config.DrainRate <= 0 {
		config.DrainRate = defaults.DrainRate
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxRetryDelay < config.RetryDelay {
		config.MaxRetryDelay = max(defaults.MaxRetryDelay, config.RetryDelay)
	}

	return &Drainer{
		feed:    feed,
		handler: handler,
		config:  config,
		logger:  logger.With().Str("component", "drainer").Logger(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the drainer goroutine. It is non-blocking; call Stop to shut
// the drainer down.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Debug().Msg("already running")
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	go d.run(ctx, stopCh, doneCh)
	d.logger.Info().Int("drain_rate", d.config.DrainRate).Int("batch_size", d.config.BatchSize).Msg("drainer started")
	return nil
}

// Stop gracefully stops the drainer. It waits for the dequeued events,
// including their retries, to complete before returning.
func (d *Drainer) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
	d.logger.Info().Msg("drainer stopped")
	return nil
}

// IsRunning returns whether the drainer is currently running.
func (d *Drainer) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// QueueSize returns the number of pending events in the feed.
func (d *Drainer) QueueSize() int {
	if d.feed == nil {
		return 0
	}
	return d.feed.Size()
}

// GetConfig returns the drainer configuration.
func (d *Drainer) GetConfig() DrainerConfig {
	return d.config
}

// Stats returns the event counters.
func (d *Drainer) Stats() DrainerStats {
	return DrainerStats{
		Processed: d.processed.Load(),
		Skipped:   d.skipped.Load(),
		Retried:   d.retried.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *Drainer) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	limiter := rate.NewLimiter(rate.Limit(d.config.DrainRate), 1)
	started := time.Now()

	wait := func() bool {
		timer := time.NewTimer(d.config.PollInterval)
		defer timer.Stop()
		select {
		case <-stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		}
	}

	for {
		select {
		case <-stopCh:
			d.logger.Info().Int64("processed", d.processed.Load()).Dur("uptime", time.Since(started)).Msg("received stop signal")
			return
		case <-ctx.Done():
			d.logger.Info().Int64("processed", d.processed.Load()).Dur("uptime", time.Since(started)).Msg("context cancelled")
			return
		default:
		}

		events, err := d.feed.Dequeue(ctx, d.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error().Err(err).Msg("dequeue failed")
			if !wait() {
				return
			}
			continue
		}
		if len(events) == 0 {
			if !wait() {
				return
			}
			continue
		}

		for _, event := range events {
			if event == nil {
				continue
			}
			// Dequeued events are handled even after a stop signal.
			if err := limiter.Wait(ctx); err != nil {
				d.requeue(event, err)
				continue
			}
			d.handle(ctx, event)
		}
	}
}

func (d *Drainer) handle(ctx context.Context, event *core.ChangeEvent) {
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     d.config.RetryDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.config.MaxRetryDelay,
	}
	schedule.Reset()

	for {
		start := time.Now()
		log := d.logger.With().
			Str("event_id", event.ID).
			Str("record_id", event.RecordID).
			Int("attempt", event.Attempt).
			Logger()

		res, err := d.handler.Handle(ctx, event)
		if err == nil {
			d.processed.Add(1)
			if res.Status == orchestrator.StatusSkipped {
				d.skipped.Add(1)
			}
			log.Debug().
				Str("status", string(res.Status)).
				Str("reason", res.Reason).
				Dur("duration", time.Since(start)).
				Msg("event handled")
			return
		}

		if event.Attempt >= d.config.MaxRetries {
			d.dropped.Add(1)
			log.Error().Err(err).Int("attempts", event.Attempt+1).Msg("event dropped after max retries")
			return
		}
		wait := schedule.NextBackOff()
		log.Warn().Err(err).Dur("duration", time.Since(start)).Dur("wait", wait).Msg("event failed, retrying")
		if !sleep(ctx, wait) {
			d.requeue(event, err)
			return
		}

		next := *event
		next.Attempt++
		event = &next
		d.retried.Add(1)
	}
}

// requeue hands an event that could not be handled because the drainer's
// context ended back to the feed.
func (d *Drainer) requeue(event *core.ChangeEvent, cause error) {
	log := d.logger.With().Str("event_id", event.ID).Str("record_id", event.RecordID).Logger()
	if err := d.feed.Publish(context.Background(), event); err != nil {
		d.dropped.Add(1)
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to re-publish event")
		return
	}
	log.Info().AnErr("cause", cause).Msg("event re-published")
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
