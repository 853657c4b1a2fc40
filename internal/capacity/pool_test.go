package capacity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssh-vom/analysisd/internal/errs"
)

func TestPoolNeverExceedsMaxConcurrency(t *testing.T) {
	pool := NewPool("test", 3, 50)
	var active int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			defer lease.Release()

			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(maxObserved), 3)
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	pool := NewPool("test", 1, 1)

	// Occupy the only slot.
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	// One waiter is allowed to queue.
	releaseWaiter := make(chan struct{})
	waiterStarted := make(chan struct{})
	go func() {
		close(waiterStarted)
		lease, err := pool.Acquire(context.Background())
		if err == nil {
			<-releaseWaiter
			lease.Release()
		}
	}()
	<-waiterStarted
	time.Sleep(20 * time.Millisecond) // let the waiter register itself

	// A second concurrent caller must be rejected without ever touching the pool.
	_, err = pool.Acquire(context.Background())
	var capErr *errs.CapacityLimitError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "test", capErr.Pool)

	close(releaseWaiter)
}

func TestPoolSnapshotReportsActiveAndAvailable(t *testing.T) {
	pool := NewPool("test", 2, 5)
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	snap := pool.Snapshot()
	assert.Equal(t, 1, snap.Active)
	assert.Equal(t, 1, snap.Available)

	lease.Release()
	snap = pool.Snapshot()
	assert.Equal(t, 0, snap.Active)
	assert.Equal(t, 2, snap.Available)
}
