// Package sandbox manages a bounded pool of sandboxed Python execution
// environments, one sandbox per worldline, reused across a worldline's
// executions and reaped after a period of inactivity. Ported from
// original_source/backend/sandbox/manager.py.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ssh-vom/analysisd/internal/errs"
)

// DefaultMaxSandboxes and DefaultMaxQueue are conservative demo defaults
// preventing resource exhaustion.
const (
	DefaultMaxSandboxes = 3
	DefaultMaxQueue     = 16
)

// Runner is the collaborator that actually starts, executes in, and stops a
// sandbox. ProcessRunner (processrunner.go) is the subprocess-backed
// implementation in this package; any other backing plugs in through this
// interface.
type Runner interface {
	Start(ctx context.Context, worldlineID string) (sandboxID string, err error)
	Execute(ctx context.Context, sandboxID, worldlineID, code string, timeoutS int) (map[string]any, error)
	Stop(ctx context.Context, sandboxID string) error
}

// handle is one worldline's sandbox: a dedicated execution lock (so
// concurrent calls against the same worldline serialize instead of racing
// inside the same container) and a last-used timestamp for idle reaping.
type handle struct {
	worldlineID string
	sandboxID   string
	execMu      sync.Mutex
	lastUsed    time.Time
}

func (h *handle) tryLock() bool {
	return h.execMu.TryLock()
}

// creation tracks an in-flight sandbox creation so concurrent callers for the
// same worldline wait on the same result instead of racing to create two
// sandboxes.
type creation struct {
	done   chan struct{}
	handle *handle
	err    error
}

// Manager is a pool of sandboxes with global capacity limiting.
type Manager struct {
	runner Runner
	log    *slog.Logger

	mu        sync.Mutex
	handles   map[string]*handle
	creating  map[string]*creation

	maxSandboxes int
	maxQueue     int
	sem          chan struct{}

	queueMu     sync.Mutex
	queuedCount int
}

// New constructs a Manager bounded to maxSandboxes concurrent containers and
// maxQueue waiting creators.
func New(runner Runner, maxSandboxes, maxQueue int, log *slog.Logger) *Manager {
	if maxSandboxes < 1 {
		maxSandboxes = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		runner:       runner,
		log:          log,
		handles:      make(map[string]*handle),
		creating:     make(map[string]*creation),
		maxSandboxes: maxSandboxes,
		maxQueue:     maxQueue,
		sem:          make(chan struct{}, maxSandboxes),
	}
}

// getOrCreate returns the worldline's existing sandbox handle, or creates one
// if none exists. Returns *errs.SandboxCapacityError if the pool is at
// capacity and the queue is already full.
func (m *Manager) getOrCreate(ctx context.Context, worldlineID string) (*handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[worldlineID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	if c, ok := m.creating[worldlineID]; ok {
		m.mu.Unlock()
		<-c.done
		return c.handle, c.err
	}

	c := &creation{done: make(chan struct{})}
	m.creating[worldlineID] = c
	m.mu.Unlock()

	h, err := m.create(ctx, worldlineID)
	c.handle, c.err = h, err
	close(c.done)

	m.mu.Lock()
	if err == nil {
		m.handles[worldlineID] = h
	}
	delete(m.creating, worldlineID)
	m.mu.Unlock()

	return h, err
}

func (m *Manager) create(ctx context.Context, worldlineID string) (*handle, error) {
	m.queueMu.Lock()
	if m.queuedCount >= m.maxQueue {
		m.queueMu.Unlock()
		return nil, &errs.SandboxCapacityError{MaxQueue: m.maxQueue}
	}
	m.queuedCount++
	m.queueMu.Unlock()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.queueMu.Lock()
		m.queuedCount--
		m.queueMu.Unlock()
		return nil, ctx.Err()
	}
	m.queueMu.Lock()
	m.queuedCount--
	m.queueMu.Unlock()

	sandboxID, err := m.runner.Start(ctx, worldlineID)
	if err != nil {
		<-m.sem
		return nil, fmt.Errorf("start sandbox: %w", err)
	}

	h := &handle{worldlineID: worldlineID, sandboxID: sandboxID, lastUsed: time.Now()}
	m.log.Info("created sandbox", "sandbox_id", truncate(sandboxID, 16), "worldline_id", truncate(worldlineID, 8),
		"pool_size", len(m.handles)+1, "max_sandboxes", m.maxSandboxes)
	return h, nil
}

// Execute runs code inside worldlineID's sandbox, creating it if necessary,
// and invalidates the sandbox afterward if the result looks like it came
// from a broken container.
func (m *Manager) Execute(ctx context.Context, worldlineID, code string, timeoutS int) (map[string]any, error) {
	h, err := m.getOrCreate(ctx, worldlineID)
	if err != nil {
		return nil, err
	}

	h.execMu.Lock()
	defer h.execMu.Unlock()

	result, err := m.runner.Execute(ctx, h.sandboxID, worldlineID, code, timeoutS)
	h.lastUsed = time.Now()
	if err != nil {
		return nil, err
	}

	if errMsg, ok := result["error"].(string); ok && shouldInvalidateSandbox(errMsg) {
		m.log.Warn("invalidating sandbox", "worldline_id", worldlineID, "error", truncate(errMsg, 200))
		m.invalidateHandle(ctx, worldlineID, h.sandboxID)
	}
	return result, nil
}

var invalidationIndicators = []string{
	"timed out", "timeout", "container", "docker", "resource", "memory", "killed", "signal",
}

func shouldInvalidateSandbox(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	lower := strings.ToLower(errMsg)
	for _, ind := range invalidationIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func (m *Manager) invalidateHandle(ctx context.Context, worldlineID, sandboxID string) {
	m.mu.Lock()
	_, removed := m.handles[worldlineID]
	delete(m.handles, worldlineID)
	m.mu.Unlock()

	_ = m.runner.Stop(ctx, sandboxID)

	if removed {
		<-m.sem
		m.log.Info("invalidated sandbox", "sandbox_id", truncate(sandboxID, 16),
			"pool_size", len(m.handles), "max_sandboxes", m.maxSandboxes)
	}
}

// ReapIdle stops every sandbox that has been idle for at least ttl and is
// not currently executing, releasing its pool slot. Handles whose execution
// lock is held are skipped even if idle, avoiding a race with an in-flight
// Execute call.
func (m *Manager) ReapIdle(ctx context.Context, ttl time.Duration) []string {
	now := time.Now()
	type target struct {
		worldlineID, sandboxID string
	}
	var toStop []target

	m.mu.Lock()
	for worldlineID, h := range m.handles {
		if now.Sub(h.lastUsed) < ttl {
			continue
		}
		if !h.tryLock() {
			continue
		}
		// Held just to prove the sandbox is idle; release immediately since
		// the handle is being removed from the map under m.mu regardless.
		h.execMu.Unlock()
		delete(m.handles, worldlineID)
		toStop = append(toStop, target{worldlineID, h.sandboxID})
	}
	m.mu.Unlock()

	evicted := make([]string, 0, len(toStop))
	for _, t := range toStop {
		_ = m.runner.Stop(ctx, t.sandboxID)
		<-m.sem
		evicted = append(evicted, t.worldlineID)
		m.log.Info("reaped idle sandbox", "worldline_id", truncate(t.worldlineID, 8),
			"pool_size", len(m.handles), "max_sandboxes", m.maxSandboxes)
	}
	return evicted
}

// ShutdownAll stops every active sandbox, releasing all pool slots.
func (m *Manager) ShutdownAll(ctx context.Context) []string {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*handle)
	m.creating = make(map[string]*creation)
	m.mu.Unlock()

	worldlineIDs := make([]string, 0, len(handles))
	for _, h := range handles {
		_ = m.runner.Stop(ctx, h.sandboxID)
		<-m.sem
		worldlineIDs = append(worldlineIDs, h.worldlineID)
	}
	m.log.Info("shutdown sandboxes", "count", len(handles))
	return worldlineIDs
}

// ActiveWorldlines lists worldlines currently holding a sandbox.
func (m *Manager) ActiveWorldlines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	return out
}

// Status is the pool's observability snapshot.
type Status struct {
	Active   int
	Max      int
	Available int
	Queued   int
	MaxQueue int
}

func (m *Manager) PoolStatus() Status {
	m.mu.Lock()
	active := len(m.handles)
	m.mu.Unlock()

	m.queueMu.Lock()
	queued := m.queuedCount
	m.queueMu.Unlock()

	return Status{
		Active:    active,
		Max:       m.maxSandboxes,
		Available: m.maxSandboxes - len(m.sem),
		Queued:    queued,
		MaxQueue:  m.maxQueue,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
