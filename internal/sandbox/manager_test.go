package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssh-vom/analysisd/internal/errs"
)

type fakeRunner struct {
	mu       sync.Mutex
	started  int
	stopped  int
	nextID   int
	execFunc func(sandboxID, worldlineID, code string) (map[string]any, error)
}

func (f *fakeRunner) Start(ctx context.Context, worldlineID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.nextID++
	return fmt.Sprintf("%s-sandbox-%d", worldlineID, f.nextID), nil
}

func (f *fakeRunner) Execute(ctx context.Context, sandboxID, worldlineID, code string, timeoutS int) (map[string]any, error) {
	if f.execFunc != nil {
		return f.execFunc(sandboxID, worldlineID, code)
	}
	return map[string]any{"stdout": "ok"}, nil
}

func (f *fakeRunner) Stop(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func TestManagerReusesSandboxPerWorldline(t *testing.T) {
	runner := &fakeRunner{}
	mgr := New(runner, 3, 16, nil)

	_, err := mgr.Execute(context.Background(), "wl_1", "print(1)", 30)
	require.NoError(t, err)
	_, err = mgr.Execute(context.Background(), "wl_1", "print(2)", 30)
	require.NoError(t, err)

	runner.mu.Lock()
	started := runner.started
	runner.mu.Unlock()
	assert.Equal(t, 1, started)
}

func TestManagerRejectsWhenQueueFull(t *testing.T) {
	runner := &fakeRunner{}
	mgr := New(runner, 1, 1, nil)

	// Occupy the only slot.
	_, err := mgr.getOrCreate(context.Background(), "wl_1")
	require.NoError(t, err)

	// Fill the only queue place with a creator waiting for a slot.
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = mgr.getOrCreate(waitCtx, "wl_2") }()
	require.Eventually(t, func() bool { return mgr.PoolStatus().Queued == 1 }, time.Second, time.Millisecond)

	_, err = mgr.getOrCreate(context.Background(), "wl_3")
	var capErr *errs.SandboxCapacityError
	require.ErrorAs(t, err, &capErr)
}

func TestManagerInvalidatesSandboxOnTimeoutError(t *testing.T) {
	runner := &fakeRunner{
		execFunc: func(sandboxID, worldlineID, code string) (map[string]any, error) {
			return map[string]any{"error": "execution timed out after 30s"}, nil
		},
	}
	mgr := New(runner, 3, 16, nil)

	_, err := mgr.Execute(context.Background(), "wl_1", "while True: pass", 30)
	require.NoError(t, err)

	assert.Empty(t, mgr.ActiveWorldlines())
	runner.mu.Lock()
	stopped := runner.stopped
	runner.mu.Unlock()
	assert.Equal(t, 1, stopped)
}

func TestManagerReapIdleEvictsIdleHandle(t *testing.T) {
	runner := &fakeRunner{}
	mgr := New(runner, 3, 16, nil)

	_, err := mgr.getOrCreate(context.Background(), "wl_1")
	require.NoError(t, err)

	evicted := mgr.ReapIdle(context.Background(), 0)
	assert.Equal(t, []string{"wl_1"}, evicted)
	assert.Empty(t, mgr.ActiveWorldlines())
}

func TestManagerShutdownAllReleasesSlots(t *testing.T) {
	runner := &fakeRunner{}
	mgr := New(runner, 2, 16, nil)

	_, err := mgr.getOrCreate(context.Background(), "wl_1")
	require.NoError(t, err)
	_, err = mgr.getOrCreate(context.Background(), "wl_2")
	require.NoError(t, err)

	worldlines := mgr.ShutdownAll(context.Background())
	assert.ElementsMatch(t, []string{"wl_1", "wl_2"}, worldlines)
	assert.Empty(t, mgr.ActiveWorldlines())

	status := mgr.PoolStatus()
	assert.Equal(t, 2, status.Available)
}
