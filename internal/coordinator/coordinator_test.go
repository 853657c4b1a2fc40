package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSerializesSameWorldline(t *testing.T) {
	c := New()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	var active, overlapped int32

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), c, "wl-1", func(ctx context.Context) (int, error) {
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.StoreInt32(&overlapped, 1)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return i, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, order, 5)
	assert.Zero(t, atomic.LoadInt32(&overlapped))
}

func TestRunParallelizesAcrossWorldlines(t *testing.T) {
	c := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		id := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Run(context.Background(), c, worldlineName(id), func(ctx context.Context) (int, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return 0, nil
			})
		}()
	}
	wg.Wait()
	assert.Greater(t, int(atomic.LoadInt32(&maxActive)), 1)
}

func TestRunReturnsFactoryResultAndError(t *testing.T) {
	c := New()
	val, err := Run(context.Background(), c, "wl-1", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestShutdownFailsPendingQueuedTasks(t *testing.T) {
	c := New()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = Run(context.Background(), c, "wl-1", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), c, "wl-1", func(ctx context.Context) (int, error) {
			return 0, nil
		})
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	c.Shutdown()
	close(release)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued task never resolved after shutdown")
	}
}

func worldlineName(i int) string {
	return "wl-" + string(rune('a'+i))
}
