package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

func testConfig() Config {
	return Config{
		Metrics:      PoolConfig{Name: "metrics", Shards: 2, QueueSize: 8, Policy: PolicyBlock},
		Backfill:     PoolConfig{Name: "backfill", Shards: 1, QueueSize: 4, Policy: PolicyCallerRuns},
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	order  []string
	handle func(e domain.MetricEvent, attempt int) ([]domain.MetricEvent, error)
}

func newRecorder(handle func(e domain.MetricEvent, attempt int) ([]domain.MetricEvent, error)) *recorder {
	return &recorder{calls: map[string]int{}, handle: handle}
}

func (r *recorder) Handle(_ context.Context, e domain.MetricEvent) ([]domain.MetricEvent, error) {
	r.mu.Lock()
	r.calls[e.DeliveryKey]++
	attempt := r.calls[e.DeliveryKey]
	r.order = append(r.order, e.DeliveryKey)
	r.mu.Unlock()
	return r.handle(e, attempt)
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func event(kind domain.MetricKind, externalPullRequestID int64, parts ...any) domain.MetricEvent {
	pr := &domain.PullRequest{ID: externalPullRequestID * 10, ExternalID: externalPullRequestID, ProjectID: 1}
	return domain.NewMetricEvent(kind, pr, time.Now(), parts...)
}

func startDispatcher(t *testing.T, h Handler) *Dispatcher {
	t.Helper()
	d, err := New(testConfig(), h, logger.Nop())
	require.NoError(t, err)
	d.Start()
	return d
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	rec := newRecorder(func(_ domain.MetricEvent, attempt int) ([]domain.MetricEvent, error) {
		if attempt < 3 {
			return nil, errors.New("connection refused")
		}
		return nil, nil
	})
	d := startDispatcher(t, rec)

	e := event(domain.MetricKindOpened, 42)
	require.NoError(t, d.Dispatch(context.Background(), e))
	require.NoError(t, d.Shutdown(context.Background()))

	require.Equal(t, 3, rec.count(e.DeliveryKey))
}

func TestDispatcherGivesUpAfterMaxRetries(t *testing.T) {
	rec := newRecorder(func(domain.MetricEvent, int) ([]domain.MetricEvent, error) {
		return nil, errors.New("connection refused")
	})
	d := startDispatcher(t, rec)

	e := event(domain.MetricKindSynchronized, 42, "abc")
	require.NoError(t, d.Dispatch(context.Background(), e))
	require.NoError(t, d.Shutdown(context.Background()))

	require.Equal(t, 4, rec.count(e.DeliveryKey))
}

func TestDispatcherDropsPermanentFailures(t *testing.T) {
	rec := newRecorder(func(domain.MetricEvent, int) ([]domain.MetricEvent, error) {
		return nil, fmt.Errorf("review wait: %w", domain.ErrNegativeDuration)
	})
	d := startDispatcher(t, rec)

	e := event(domain.MetricKindReviewSubmitted, 42, int64(900))
	require.NoError(t, d.Dispatch(context.Background(), e))
	require.NoError(t, d.Shutdown(context.Background()))

	require.Equal(t, 1, rec.count(e.DeliveryKey))
}

func TestDispatcherRunsFollowUpsAfterBackfill(t *testing.T) {
	review1 := event(domain.MetricKindReviewSubmitted, 42, int64(1))
	review2 := event(domain.MetricKindReviewSubmitted, 42, int64(2))
	backfill := event(domain.MetricKindBackfill, 42)

	done := make(chan struct{})
	rec := newRecorder(func(e domain.MetricEvent, _ int) ([]domain.MetricEvent, error) {
		switch e.DeliveryKey {
		case backfill.DeliveryKey:
			return []domain.MetricEvent{review1, review2}, nil
		case review2.DeliveryKey:
			close(done)
		}
		return nil, nil
	})
	d := startDispatcher(t, rec)

	require.NoError(t, d.Dispatch(context.Background(), backfill))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follow-up events were not handled")
	}
	require.NoError(t, d.Shutdown(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{backfill.DeliveryKey, review1.DeliveryKey, review2.DeliveryKey}, rec.order)
}

func TestDispatcherKeepsPerPullRequestOrder(t *testing.T) {
	var events []domain.MetricEvent
	for i := range 20 {
		events = append(events, event(domain.MetricKindReviewSubmitted, 42, int64(i)))
	}

	rec := newRecorder(func(domain.MetricEvent, int) ([]domain.MetricEvent, error) { return nil, nil })
	d := startDispatcher(t, rec)

	require.NoError(t, d.Dispatch(context.Background(), events...))
	require.NoError(t, d.Shutdown(context.Background()))

	want := make([]string, 0, len(events))
	for _, e := range events {
		want = append(want, e.DeliveryKey)
	}
	require.Equal(t, want, rec.order)
}

func TestDispatchAfterShutdownFails(t *testing.T) {
	d := startDispatcher(t, HandlerFunc(func(context.Context, domain.MetricEvent) ([]domain.MetricEvent, error) {
		return nil, nil
	}))
	require.NoError(t, d.Shutdown(context.Background()))

	err := d.Dispatch(context.Background(), event(domain.MetricKindOpened, 1))
	require.ErrorIs(t, err, domain.ErrPoolClosed)
}

func TestNewDispatcherRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Backfill.Policy = "drop"

	_, err := New(cfg, HandlerFunc(nil), logger.Nop())
	require.Error(t, err)
}
