// Package capacity implements the runtime's three independent bounded
// admission pools (turn, subagent, python). Ported from
// original_source/backend/chat/runtime/capacity.py's two-phase acquire: a
// waiter-count check under a mutex (fail fast when the queue is already
// full), then a block on a counting semaphore for the actual slot.
package capacity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ssh-vom/analysisd/internal/errs"
)

// slowWaitThreshold marks a lease acquisition as queue-starved for telemetry
// purposes; it does not affect admission itself.
const slowWaitThreshold = 250 * time.Millisecond

// Lease is a scoped admission token. Release must be called exactly once,
// typically via defer immediately after Acquire succeeds.
type Lease struct {
	pool    *Pool
	WaitFor time.Duration
}

// Release returns the lease's slot to the pool.
func (l *Lease) Release() {
	l.pool.release()
}

// Pool is one bounded, queue-limited admission pool.
type Pool struct {
	name        string
	maxConcurrency int
	maxQueue    int

	mu      sync.Mutex
	waiters int
	active  int
	sem     chan struct{}

	// slowWaitSamples counts lease acquisitions that waited past
	// slowWaitThreshold, sampled at most once per second via sometimes so a
	// thundering herd of slow acquisitions doesn't itself become a hot path.
	slowWaitSamples int64
	sometimes       rate.Sometimes
}

// NewPool constructs a pool with the given concurrency and queue limits.
func NewPool(name string, maxConcurrency, maxQueue int) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &Pool{
		name:           name,
		maxConcurrency: maxConcurrency,
		maxQueue:       maxQueue,
		sem:            make(chan struct{}, maxConcurrency),
		sometimes:      rate.Sometimes{Interval: time.Second},
	}
}

// Acquire blocks until a slot is free, or returns *errs.CapacityLimitError
// immediately if the queue is already at max_queue waiters. ctx cancellation
// while waiting for a slot returns ctx.Err().
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.waiters >= p.maxQueue {
		p.mu.Unlock()
		return nil, &errs.CapacityLimitError{Pool: p.name, MaxQueue: p.maxQueue}
	}
	p.waiters++
	p.mu.Unlock()

	started := time.Now()
	defer func() {
		p.mu.Lock()
		p.waiters--
		p.mu.Unlock()
	}()

	select {
	case p.sem <- struct{}{}:
		p.mu.Lock()
		p.active++
		p.mu.Unlock()
		waitFor := time.Since(started)
		if waitFor >= slowWaitThreshold {
			p.sometimes.Do(func() { atomic.AddInt64(&p.slowWaitSamples, 1) })
		}
		return &Lease{pool: p, WaitFor: waitFor}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	<-p.sem
}

// Snapshot reports the pool's current admission state for observability.
type Snapshot struct {
	Name            string
	Max             int
	Active          int
	Queued          int
	Available       int
	SlowWaitSamples int64
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Name:            p.name,
		Max:             p.maxConcurrency,
		Active:          p.active,
		Queued:          p.waiters,
		Available:       p.maxConcurrency - p.active,
		SlowWaitSamples: atomic.LoadInt64(&p.slowWaitSamples),
	}
}

// Controller is the process-wide singleton bundling the turn/subagent/python
// pools, the one justified process-global per spec's design notes (every
// other coordinator is passed explicitly as a value handle).
type Controller struct {
	Turn     *Pool
	Subagent *Pool
	Python   *Pool
}

// NewController builds the three pools from the given sizes.
func NewController(turnMax, turnQueue, subagentMax, subagentQueue, pythonMax, pythonQueue int) *Controller {
	return &Controller{
		Turn:     NewPool("turn", turnMax, turnQueue),
		Subagent: NewPool("subagent", subagentMax, subagentQueue),
		Python:   NewPool("python", pythonMax, pythonQueue),
	}
}

var (
	globalOnce       sync.Once
	globalController *Controller
	globalInit       func() *Controller
)

// SetFactory installs the constructor used to lazily build the global
// Controller on first Global() call, typically reading env-driven sizing
// from internal/config.
func SetFactory(factory func() *Controller) {
	globalInit = factory
}

// Global returns the lazily-initialized process-wide Controller.
func Global() *Controller {
	globalOnce.Do(func() {
		if globalInit != nil {
			globalController = globalInit()
			return
		}
		globalController = NewController(64, 512, 12, 256, 16, 256)
	})
	return globalController
}
