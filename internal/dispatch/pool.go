package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	. "github.com/go-ozzo/ozzo-validation"
	"golang.org/x/sync/errgroup"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/telemetry"
)

// FullPolicy decides what Submit does when the target shard queue is full.
type FullPolicy string

const (
	PolicyBlock      FullPolicy = "block"
	PolicyReject     FullPolicy = "reject"
	PolicyCallerRuns FullPolicy = "caller_runs"
)

type PoolConfig struct {
	Name      string
	Shards    int
	QueueSize int
	Policy    FullPolicy
}

func (c PoolConfig) Validate() error {
	return ValidateStruct(&c,
		Field(&c.Name, Required),
		Field(&c.Shards, Required, Min(1)),
		Field(&c.QueueSize, Required, Min(1)),
		Field(&c.Policy, Required, In(PolicyBlock, PolicyReject, PolicyCallerRuns)),
	)
}

type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of shards. Each shard is one goroutine
// reading a bounded queue, so tasks submitted with the same key run one at a
// time in submission order.
type Pool struct {
	cfg    PoolConfig
	queues []chan Task
	group  errgroup.Group

	runCtx context.Context
	abort  context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64

	logger *logger.Logger
}

func NewPool(cfg PoolConfig, logger *logger.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	runCtx, abort := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		queues: make([]chan Task, cfg.Shards),
		runCtx: runCtx,
		abort:  abort,
		logger: logger.Component("dispatch/" + cfg.Name),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, cfg.QueueSize)
	}
	return p, nil
}

func (p *Pool) Name() string {
	return p.cfg.Name
}

// Start launches one worker per shard.
func (p *Pool) Start() {
	for i, q := range p.queues {
		p.group.Go(func() error {
			for task := range q {
				p.setPending(p.pending.Add(-1))
				task(p.runCtx)
			}
			p.logger.Debug("shard stopped", "shard", i)
			return nil
		})
	}
	p.logger.Info("pool started",
		"shards", p.cfg.Shards,
		"queue_size", p.cfg.QueueSize,
		"policy", p.cfg.Policy,
	)
}

// Submit queues task on the shard owning key. When the queue is full it
// applies the configured policy. Work is never silently dropped: the caller
// either waits, gets ErrQueueFull, or runs the task itself.
func (p *Pool) Submit(ctx context.Context, key int64, task Task) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		telemetry.IncRejected(p.cfg.Name)
		return domain.ErrPoolClosed
	}

	q := p.queues[p.shard(key)]
	p.setPending(p.pending.Add(1))

	select {
	case q <- task:
		p.mu.RUnlock()
		telemetry.IncDispatched(p.cfg.Name)
		return nil
	default:
	}

	switch p.cfg.Policy {
	case PolicyBlock:
		defer p.mu.RUnlock()
		select {
		case q <- task:
			telemetry.IncDispatched(p.cfg.Name)
			return nil
		case <-ctx.Done():
			p.setPending(p.pending.Add(-1))
			telemetry.IncRejected(p.cfg.Name)
			return fmt.Errorf("submit to %s: %w", p.cfg.Name, ctx.Err())
		}

	case PolicyCallerRuns:
		p.mu.RUnlock()
		p.setPending(p.pending.Add(-1))
		telemetry.IncCallerRuns(p.cfg.Name)
		p.logger.Warn("queue full, running on caller", "key", key)
		task(p.runCtx)
		return nil

	default:
		p.mu.RUnlock()
		p.setPending(p.pending.Add(-1))
		telemetry.IncRejected(p.cfg.Name)
		return fmt.Errorf("submit to %s: %w", p.cfg.Name, domain.ErrQueueFull)
	}
}

// Shutdown stops intake and waits for queued tasks until ctx expires. On
// expiry the context handed to running tasks is cancelled and the remaining
// work is abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.abort()
		p.logger.Info("pool drained")
		return nil
	case <-ctx.Done():
		p.abort()
		p.logger.Warn("shutdown grace expired, abandoning work", "pending", p.pending.Load())
		return fmt.Errorf("shutdown %s: %w", p.cfg.Name, ctx.Err())
	}
}

func (p *Pool) shard(key int64) int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(key))

	h := fnv.New32a()
	_, _ = h.Write(buf[:])
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) setPending(n int64) {
	telemetry.SetQueueDepth(p.cfg.Name, int(n))
}
