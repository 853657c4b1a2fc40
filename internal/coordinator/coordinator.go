// Package coordinator serializes turn execution per worldline while letting
// distinct worldlines run fully in parallel: one FIFO queue and one worker
// goroutine per worldline, created lazily and torn down once drained. Ported
// from original_source/backend/chat/jobs.py::WorldlineTurnCoordinator.
package coordinator

import (
	"context"
	"sync"

	"github.com/ssh-vom/analysisd/internal/errs"
)

type task struct {
	factory func(ctx context.Context) (any, error)
	done    chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type worldlineQueue struct {
	items  chan *task
	closed chan struct{}
}

// Coordinator is the process-wide per-worldline serialization point.
type Coordinator struct {
	mu      sync.Mutex
	queues  map[string]*worldlineQueue
	workers map[string]bool
}

// New constructs an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		queues:  make(map[string]*worldlineQueue),
		workers: make(map[string]bool),
	}
}

// Run enqueues factory onto worldlineID's serial queue and blocks until it
// has executed (or the coordinator shuts down first). Distinct worldlines
// proceed concurrently; calls against the same worldline never overlap.
func Run[T any](ctx context.Context, c *Coordinator, worldlineID string, factory func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	t := &task{
		factory: func(ctx context.Context) (any, error) { return factory(ctx) },
		done:    make(chan taskResult, 1),
	}

	c.mu.Lock()
	queue, ok := c.queues[worldlineID]
	if !ok {
		queue = &worldlineQueue{items: make(chan *task, 256), closed: make(chan struct{})}
		c.queues[worldlineID] = queue
	}
	select {
	case queue.items <- t:
	case <-queue.closed:
		c.mu.Unlock()
		return zero, &errs.ShutdownError{Component: "worldline turn coordinator"}
	}
	if !c.workers[worldlineID] {
		c.workers[worldlineID] = true
		go c.workerLoop(worldlineID, queue)
	}
	c.mu.Unlock()

	select {
	case result := <-t.done:
		if result.err != nil {
			return zero, result.err
		}
		return result.value.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Coordinator) workerLoop(worldlineID string, queue *worldlineQueue) {
	for {
		select {
		case queued, ok := <-queue.items:
			if !ok {
				return
			}
			value, err := queued.factory(context.Background())
			queued.done <- taskResult{value: value, err: err}

			c.mu.Lock()
			current, stillCurrent := c.queues[worldlineID]
			if stillCurrent && current == queue && len(queue.items) == 0 {
				delete(c.queues, worldlineID)
				delete(c.workers, worldlineID)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		case <-queue.closed:
			return
		}
	}
}

// Shutdown stops every worker and fails every queued-but-not-yet-started
// task with an error.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	queues := make([]*worldlineQueue, 0, len(c.queues))
	for id, q := range c.queues {
		queues = append(queues, q)
		delete(c.queues, id)
	}
	for id := range c.workers {
		delete(c.workers, id)
	}
	c.mu.Unlock()

	for _, q := range queues {
		close(q.closed)
		for {
			select {
			case t := <-q.items:
				t.done <- taskResult{err: &errs.ShutdownError{Component: "worldline turn coordinator"}}
			default:
				goto next
			}
		}
	next:
	}
}
