package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

func newTestPool(t *testing.T, shards, queueSize int, policy FullPolicy) *Pool {
	t.Helper()
	p, err := NewPool(PoolConfig{Name: "test", Shards: shards, QueueSize: queueSize, Policy: policy}, logger.Nop())
	require.NoError(t, err)
	return p
}

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PoolConfig
		wantErr bool
	}{
		{name: "valid", cfg: PoolConfig{Name: "metrics", Shards: 4, QueueSize: 16, Policy: PolicyBlock}},
		{name: "no shards", cfg: PoolConfig{Name: "metrics", QueueSize: 16, Policy: PolicyBlock}, wantErr: true},
		{name: "no queue", cfg: PoolConfig{Name: "metrics", Shards: 1, Policy: PolicyReject}, wantErr: true},
		{name: "drop is not a policy", cfg: PoolConfig{Name: "metrics", Shards: 1, QueueSize: 1, Policy: "drop"}, wantErr: true},
		{name: "no name", cfg: PoolConfig{Shards: 1, QueueSize: 1, Policy: PolicyCallerRuns}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPoolPreservesOrderPerKey(t *testing.T) {
	p := newTestPool(t, 4, 8, PolicyBlock)
	p.Start()

	var (
		mu   sync.Mutex
		seen = map[int64][]int{}
	)
	for i := range 200 {
		key := int64(i % 5)
		require.NoError(t, p.Submit(context.Background(), key, func(context.Context) {
			mu.Lock()
			seen[key] = append(seen[key], i)
			mu.Unlock()
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))

	for key, order := range seen {
		require.Len(t, order, 40, "key %d", key)
		for j := 1; j < len(order); j++ {
			require.Less(t, order[j-1], order[j], "key %d", key)
		}
	}
}

func TestPoolShardIsStable(t *testing.T) {
	p := newTestPool(t, 8, 1, PolicyReject)
	for key := int64(-3); key < 100; key++ {
		s := p.shard(key)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, 8)
		require.Equal(t, s, p.shard(key))
	}
}

func TestPoolRejectWhenFull(t *testing.T) {
	p := newTestPool(t, 1, 1, PolicyReject)

	require.NoError(t, p.Submit(context.Background(), 1, func(context.Context) {}))
	err := p.Submit(context.Background(), 1, func(context.Context) {})
	require.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestPoolCallerRunsWhenFull(t *testing.T) {
	p := newTestPool(t, 1, 1, PolicyCallerRuns)

	require.NoError(t, p.Submit(context.Background(), 1, func(context.Context) {}))

	ran := false
	require.NoError(t, p.Submit(context.Background(), 1, func(context.Context) { ran = true }))
	require.True(t, ran)
}

func TestPoolBlockHonoursContext(t *testing.T) {
	p := newTestPool(t, 1, 1, PolicyBlock)
	require.NoError(t, p.Submit(context.Background(), 1, func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Submit(ctx, 1, func(context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolBlockWaitsForRoom(t *testing.T) {
	p := newTestPool(t, 1, 1, PolicyBlock)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Start()

	require.NoError(t, p.Submit(context.Background(), 1, func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), 1, func(context.Context) {}))

	done := make(chan error, 1)
	go func() {
		done <- p.Submit(context.Background(), 1, func(context.Context) {})
	}()

	select {
	case <-done:
		t.Fatal("submit returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	p := newTestPool(t, 2, 2, PolicyBlock)
	p.Start()
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(context.Background(), 1, func(context.Context) {})
	require.ErrorIs(t, err, domain.ErrPoolClosed)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolShutdownAbandonsAfterGrace(t *testing.T) {
	p := newTestPool(t, 1, 4, PolicyBlock)
	p.Start()

	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), 1, func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}
