package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/telemetry"
)

// Handler applies one metric event after the write that produced it has
// committed. Returned events are dispatched once the handler succeeded.
type Handler interface {
	Handle(ctx context.Context, e domain.MetricEvent) ([]domain.MetricEvent, error)
}

type HandlerFunc func(ctx context.Context, e domain.MetricEvent) ([]domain.MetricEvent, error)

func (f HandlerFunc) Handle(ctx context.Context, e domain.MetricEvent) ([]domain.MetricEvent, error) {
	return f(ctx, e)
}

type Config struct {
	Metrics      PoolConfig
	Backfill     PoolConfig
	MaxRetries   uint64
	RetryBackoff time.Duration
}

// Dispatcher routes metric events to the metrics or the backfill pool and
// retries transient handler failures. Permanent failures are dropped with a
// log line.
type Dispatcher struct {
	metrics  *Pool
	backfill *Pool
	handler  Handler
	cfg      Config
	logger   *logger.Logger
}

func New(cfg Config, handler Handler, logger *logger.Logger) (*Dispatcher, error) {
	if cfg.RetryBackoff <= 0 {
		return nil, fmt.Errorf("retry backoff must be positive, got %s", cfg.RetryBackoff)
	}

	metrics, err := NewPool(cfg.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("metrics pool: %w", err)
	}
	backfill, err := NewPool(cfg.Backfill, logger)
	if err != nil {
		return nil, fmt.Errorf("backfill pool: %w", err)
	}

	return &Dispatcher{
		metrics:  metrics,
		backfill: backfill,
		handler:  handler,
		cfg:      cfg,
		logger:   logger.Component("dispatch"),
	}, nil
}

func (d *Dispatcher) Start() {
	d.metrics.Start()
	d.backfill.Start()
}

// Dispatch hands events to their pools. It must be called only after the
// transaction that produced the events has committed.
func (d *Dispatcher) Dispatch(ctx context.Context, events ...domain.MetricEvent) error {
	var errs []error
	for _, e := range events {
		pool := d.poolFor(e.Kind)
		err := pool.Submit(ctx, e.PartitionKey(), func(ctx context.Context) {
			d.process(ctx, pool.Name(), e)
		})
		if err != nil {
			d.logger.Error("failed to dispatch metric event",
				"kind", e.Kind,
				"delivery_key", e.DeliveryKey,
				"pool", pool.Name(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("dispatch %s: %w", e.DeliveryKey, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) poolFor(kind domain.MetricKind) *Pool {
	if kind.IsBulk() {
		return d.backfill
	}
	return d.metrics
}

func (d *Dispatcher) process(ctx context.Context, pool string, e domain.MetricEvent) {
	var followUps []domain.MetricEvent
	attempts := 0

	backoff := retry.WithMaxRetries(d.cfg.MaxRetries, retry.NewExponential(d.cfg.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		out, err := d.handler.Handle(ctx, e)
		if err == nil {
			followUps = out
			return nil
		}
		if domain.IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		d.logger.Warn("metric event failed, retrying",
			"kind", e.Kind,
			"delivery_key", e.DeliveryKey,
			"attempt", attempts,
			"error", err,
		)
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
	case domain.IsPermanent(err):
		telemetry.IncFailure(pool, "permanent")
		d.logger.Warn("dropping metric event",
			"kind", e.Kind,
			"delivery_key", e.DeliveryKey,
			"pull_request_id", e.PullRequestID,
			"error", err,
		)
		return
	default:
		telemetry.IncFailure(pool, "exhausted")
		d.logger.Error("metric event abandoned",
			"kind", e.Kind,
			"delivery_key", e.DeliveryKey,
			"pull_request_id", e.PullRequestID,
			"attempts", attempts,
			"error", err,
		)
		return
	}

	if len(followUps) > 0 {
		// failures are logged by Dispatch
		_ = d.Dispatch(ctx, followUps...)
	}
}

// Shutdown drains the backfill pool first, since backfill hands follow-up
// work to the metrics pool, then the metrics pool. Both share ctx's deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return errors.Join(
		d.backfill.Shutdown(ctx),
		d.metrics.Shutdown(ctx),
	)
}
