package render

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/monitoring"
)

// ErrPoolClosed is returned for acquisitions on a closed pool.
var ErrPoolClosed = errors.New("page pool is closed")

// replacementTimeout bounds construction of a session built to satisfy a
// waiter after an unhealthy release; such builds run off the waiter's
// context, which belongs to a request that may be about to give up.
const replacementTimeout = 30 * time.Second

// Page is one pooled browser page. *Session is the production
// implementation.
type Page interface {
	Render(ctx context.Context, req Request) (*Artifact, error)
	Usable() bool
	Close()
	ID() string
}

// Factory constructs a fresh page session.
type Factory func(ctx context.Context) (Page, error)

type waiter struct {
	ch chan acquireResult // buffered 1
}

type acquireResult struct {
	page Page
	err  error
}

// Pool is a bounded set of page sessions. Idle pages are handed out first;
// below capacity a fresh page is built on demand; at capacity callers
// queue FIFO. Construction counts against capacity from the moment it is
// decided, so a burst of acquires cannot overshoot.
type Pool struct {
	capacity int
	factory  Factory
	logger   *logging.Logger
	metrics  *monitoring.Metrics

	mu        sync.Mutex
	idle      []Page
	busy      map[Page]struct{}
	allocated int // |idle| + |busy| + in-flight constructions
	waiters   []*waiter
	closed    bool
}

// NewPool creates a page pool. Pages are built lazily; nothing is dialed
// until the first acquire.
func NewPool(capacity int, factory Factory, logger *logging.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		capacity: capacity,
		factory:  factory,
		logger:   logger.Named("pool"),
		busy:     make(map[Page]struct{}),
	}
}

// WithMetrics attaches gauges for idle/busy/waiter counts.
func (p *Pool) WithMetrics(m *monitoring.Metrics) *Pool {
	p.metrics = m
	return p
}

// Acquire returns a usable page, honoring ctx for queue waits and
// construction. The caller owns the page until Release.
func (p *Pool) Acquire(ctx context.Context) (Page, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Prefer an idle page, discarding any that went stale on the shelf.
	for len(p.idle) > 0 {
		page := p.idle[0]
		p.idle = p.idle[1:]
		if page.Usable() {
			p.busy[page] = struct{}{}
			p.publishStats()
			p.mu.Unlock()
			return page, nil
		}
		p.allocated--
		p.retire(page)
	}

	if p.allocated < p.capacity {
		p.allocated++
		p.publishStats()
		p.mu.Unlock()
		return p.construct(ctx)
	}

	w := &waiter{ch: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.publishStats()
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.page, res.err
	case <-ctx.Done():
		p.mu.Lock()
		for i, queued := range p.waiters {
			if queued == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.publishStats()
				p.mu.Unlock()
				if ctx.Err() == context.DeadlineExceeded {
					return nil, newError(KindPool, "acquire", ctx.Err())
				}
				return nil, newError(KindCancelled, "acquire", ctx.Err())
			}
		}
		p.mu.Unlock()
		// Lost the race: a page was delivered while we were giving up.
		res := <-w.ch
		if res.page != nil {
			p.Release(res.page, true)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newError(KindPool, "acquire", ctx.Err())
		}
		return nil, newError(KindCancelled, "acquire", ctx.Err())
	}
}

// construct builds a new page against an allocation already counted.
func (p *Pool) construct(ctx context.Context) (Page, error) {
	page, err := p.factory(ctx)

	p.mu.Lock()
	if err != nil {
		p.allocated--
		p.publishStats()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.allocated--
		p.mu.Unlock()
		go page.Close()
		return nil, ErrPoolClosed
	}
	p.busy[page] = struct{}{}
	p.publishStats()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PagesCreated.Inc()
	}
	return page, nil
}

// Release returns a loaned page. Healthy, still-usable pages go to the
// next waiter or the idle shelf; everything else is destroyed, freeing a
// slot for a fresh construction.
func (p *Pool) Release(page Page, healthy bool) {
	p.mu.Lock()
	if _, loaned := p.busy[page]; !loaned {
		p.mu.Unlock()
		p.logger.Warn("release of unknown page", zap.String("id", page.ID()))
		return
	}
	delete(p.busy, page)

	if p.closed {
		p.allocated--
		p.retire(page)
		p.mu.Unlock()
		return
	}

	if healthy && page.Usable() {
		if w := p.popWaiter(); w != nil {
			p.busy[page] = struct{}{}
			p.publishStats()
			p.mu.Unlock()
			w.ch <- acquireResult{page: page}
			return
		}
		p.idle = append(p.idle, page)
		p.publishStats()
		p.mu.Unlock()
		return
	}

	p.allocated--
	p.retire(page)

	// A retired page may strand a waiter: build a replacement into the
	// freed slot.
	if len(p.waiters) > 0 && p.allocated < p.capacity {
		p.allocated++
		w := p.popWaiter()
		p.publishStats()
		p.mu.Unlock()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), replacementTimeout)
			defer cancel()
			replacement, err := p.construct(ctx)
			w.ch <- acquireResult{page: replacement, err: err}
		}()
		return
	}
	p.publishStats()
	p.mu.Unlock()
}

// popWaiter removes and returns the oldest waiter. Callers hold p.mu.
func (p *Pool) popWaiter() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// retire destroys a page off the lock. Callers hold p.mu.
func (p *Pool) retire(page Page) {
	if p.metrics != nil {
		p.metrics.PagesRetired.Inc()
	}
	go page.Close()
}

// Stats reports pool occupancy.
func (p *Pool) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"capacity": p.capacity,
		"idle":     len(p.idle),
		"busy":     len(p.busy),
		"waiters":  len(p.waiters),
	}
}

// Close destroys all idle pages and fails queued waiters. Busy pages are
// destroyed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.allocated -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, page := range idle {
		page.Close()
	}
	for _, w := range waiters {
		w.ch <- acquireResult{err: ErrPoolClosed}
	}
}

// publishStats pushes occupancy gauges. Callers hold p.mu.
func (p *Pool) publishStats() {
	if p.metrics == nil {
		return
	}
	p.metrics.PagesIdle.Set(float64(len(p.idle)))
	p.metrics.PagesBusy.Set(float64(len(p.busy)))
	p.metrics.PoolWaiters.Set(float64(len(p.waiters)))
}
