package render

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePage is a pool inhabitant with scriptable render behavior.
type fakePage struct {
	id       string
	unusable atomic.Bool
	closed   atomic.Bool
	renderFn func(ctx context.Context, req Request) (*Artifact, error)
}

func (f *fakePage) Render(ctx context.Context, req Request) (*Artifact, error) {
	if f.renderFn != nil {
		return f.renderFn(ctx, req)
	}
	return newArtifact(req.Format, []byte("rendered")), nil
}

func (f *fakePage) Usable() bool { return !f.unusable.Load() }
func (f *fakePage) Close()       { f.closed.Store(true) }
func (f *fakePage) ID() string   { return f.id }

func countingFactory(created *atomic.Int64) Factory {
	return func(ctx context.Context) (Page, error) {
		n := created.Add(1)
		return &fakePage{id: fmt.Sprintf("page-%d", n)}, nil
	}
}

func TestPoolCreatesUpToCapacity(t *testing.T) {
	var created atomic.Int64
	pool := NewPool(3, countingFactory(&created), logging.NewNop())
	defer pool.Close()

	var pages []Page
	for i := 0; i < 3; i++ {
		page, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		pages = append(pages, page)
	}
	assert.EqualValues(t, 3, created.Load())

	// Saturated: the next acquire must queue and time out.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, KindPool, KindOf(err))
	assert.EqualValues(t, 3, created.Load(), "capacity overshoot")

	for _, page := range pages {
		pool.Release(page, true)
	}
}

func TestPoolReusesIdlePages(t *testing.T) {
	var created atomic.Int64
	pool := NewPool(2, countingFactory(&created), logging.NewNop())
	defer pool.Close()

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(page, true)

	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, page, again)
	assert.EqualValues(t, 1, created.Load())
	pool.Release(again, true)
}

func TestPoolDestroysUnhealthyRelease(t *testing.T) {
	var created atomic.Int64
	pool := NewPool(1, countingFactory(&created), logging.NewNop())
	defer pool.Close()

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(page, false)

	assert.Eventually(t, func() bool {
		return page.(*fakePage).closed.Load()
	}, time.Second, 5*time.Millisecond)

	replacement, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, page, replacement)
	assert.EqualValues(t, 2, created.Load())
	pool.Release(replacement, true)
}

func TestPoolDestroysWornOutPageOnRelease(t *testing.T) {
	// A page that used up its iterations is healthy but no longer usable;
	// a healthy release must still destroy it.
	var created atomic.Int64
	pool := NewPool(1, countingFactory(&created), logging.NewNop())
	defer pool.Close()

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	page.(*fakePage).unusable.Store(true)
	pool.Release(page, true)

	assert.Eventually(t, func() bool {
		return page.(*fakePage).closed.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestPoolWaitlistIsFIFO(t *testing.T) {
	const capacity = 2
	const waiters = 2 * capacity

	var created atomic.Int64
	pool := NewPool(capacity, countingFactory(&created), logging.NewNop())
	defer pool.Close()

	var held []Page
	for i := 0; i < capacity; i++ {
		page, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, page)
	}

	served := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			page, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			served <- i
			pool.Release(page, true)
		}(i)
		// Fix the enqueue order before starting the next waiter.
		require.Eventually(t, func() bool {
			return pool.Stats()["waiters"].(int) == i+1
		}, time.Second, time.Millisecond)
	}

	for _, page := range held {
		pool.Release(page, true)
	}
	wg.Wait()
	close(served)

	var order []int
	for i := range served {
		order = append(order, i)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestPoolWaiterGetsReplacementAfterUnhealthyRelease(t *testing.T) {
	var created atomic.Int64
	pool := NewPool(1, countingFactory(&created), logging.NewNop())
	defer pool.Close()

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan Page, 1)
	go func() {
		replacement, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		got <- replacement
	}()
	require.Eventually(t, func() bool {
		return pool.Stats()["waiters"].(int) == 1
	}, time.Second, time.Millisecond)

	pool.Release(page, false)

	select {
	case replacement := <-got:
		assert.NotSame(t, page, replacement)
		assert.EqualValues(t, 2, created.Load())
		pool.Release(replacement, true)
	case <-time.After(time.Second):
		t.Fatal("waiter never received a replacement page")
	}
}

func TestPoolAcquireCancellation(t *testing.T) {
	var created atomic.Int64
	pool := NewPool(1, countingFactory(&created), logging.NewNop())
	defer pool.Close()

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return pool.Stats()["waiters"].(int) == 1
	}, time.Second, time.Millisecond)

	cancel()
	err = <-errCh
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, 0, pool.Stats()["waiters"].(int))

	pool.Release(page, true)
}

func TestPoolCloseFailsWaiters(t *testing.T) {
	var created atomic.Int64
	pool := NewPool(1, countingFactory(&created), logging.NewNop())

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return pool.Stats()["waiters"].(int) == 1
	}, time.Second, time.Millisecond)

	pool.Close()
	assert.ErrorIs(t, <-errCh, ErrPoolClosed)

	pool.Release(page, true)
	assert.Eventually(t, func() bool {
		return page.(*fakePage).closed.Load()
	}, time.Second, 5*time.Millisecond)
}
