package render

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/prerender/internal/cache"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/config"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/resilience"
)

// errRenderingDisabled is surfaced as KindUpstreamOpen: the operator turned
// rendering off, misses must fail fast.
var errRenderingDisabled = errors.New("rendering is disabled")

// retryPause is the delay before the single retry after a transport-class
// failure.
const retryPause = time.Second

// Coordinator is the single render entry point: cache lookup, breaker
// gate, pool acquire, session drive, cache store. It owns the clock; page
// sessions only ever see the absolute deadline it sets.
type Coordinator struct {
	pool    *Pool
	cache   *cache.Cache
	breaker *resilience.Breaker // nil when disabled
	cfg     config.RenderConfig
	ttl     time.Duration
	policy  Policy
	logger  *logging.Logger
	metrics *monitoring.Metrics

	group   singleflight.Group
	enabled atomic.Bool
}

// NewCoordinator wires the render path. breaker may be nil.
func NewCoordinator(
	pool *Pool,
	artifacts *cache.Cache,
	breaker *resilience.Breaker,
	cfg config.RenderConfig,
	ttl time.Duration,
	policy Policy,
	logger *logging.Logger,
) *Coordinator {
	c := &Coordinator{
		pool:    pool,
		cache:   artifacts,
		breaker: breaker,
		cfg:     cfg,
		ttl:     ttl,
		policy:  policy,
		logger:  logger.Named("coordinator"),
	}
	c.enabled.Store(true)
	return c
}

// WithMetrics attaches render and cache metrics.
func (c *Coordinator) WithMetrics(m *monitoring.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Enable resumes rendering of cache misses.
func (c *Coordinator) Enable() { c.enabled.Store(true) }

// Disable turns the service cache-only: hits keep being served, misses
// fail with KindUpstreamOpen.
func (c *Coordinator) Disable() { c.enabled.Store(false) }

// Enabled reports whether misses are rendered.
func (c *Coordinator) Enabled() bool { return c.enabled.Load() }

// Render serves one request. The returned bool reports a cache hit.
func (c *Coordinator) Render(ctx context.Context, req Request, skipCache bool) (*Artifact, bool, error) {
	canonical, err := Canonicalize(req.URL)
	if err != nil {
		return nil, false, &Error{Kind: KindNavigate, Op: "canonicalize", Err: err}
	}
	req.URL = canonical

	if !c.policy.HostAllowed(hostOf(req.URL)) {
		return nil, false, newError(KindPolicy, "authorize",
			fmt.Errorf("host %q not in allowed domains", hostOf(req.URL)))
	}

	key := CacheKey(req)
	if !skipCache {
		if data := c.cache.Get(ctx, key); data != nil {
			if c.metrics != nil {
				c.metrics.RecordCacheLookup(true)
			}
			return &Artifact{
				Format:      req.Format,
				Bytes:       data,
				ContentType: req.Format.ContentType(),
			}, true, nil
		}
		if c.metrics != nil {
			c.metrics.RecordCacheLookup(false)
		}
	}

	// Identical misses in flight share one render.
	result, err, _ := c.group.Do(key.Digest, func() (any, error) {
		return c.renderOnce(ctx, req, key)
	})
	if err != nil {
		return nil, false, err
	}
	return result.(*Artifact), false, nil
}

func (c *Coordinator) renderOnce(ctx context.Context, req Request, key cache.Key) (*Artifact, error) {
	if !c.enabled.Load() {
		return nil, newError(KindUpstreamOpen, "render", errRenderingDisabled)
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, newError(KindUpstreamOpen, "render", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	artifact, err := c.renderWithRetry(ctx, req)

	status := "ok"
	if err != nil {
		status = KindOf(err).String()
		if c.metrics != nil {
			c.metrics.RenderErrors.WithLabelValues(status).Inc()
		}
	}
	if c.metrics != nil {
		c.metrics.RecordRender(string(req.Format), status, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	c.storeAsync(key, artifact)
	return artifact, nil
}

// renderWithRetry drives one render, retrying once after a transport-class
// failure: a died socket usually means one bad page, not a bad browser.
func (c *Coordinator) renderWithRetry(ctx context.Context, req Request) (*Artifact, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		artifact, err := c.renderOnSession(ctx, req)
		if err == nil {
			return artifact, nil
		}
		lastErr = err

		if KindOf(err) != KindTransport || attempt > 0 {
			break
		}
		deadline, _ := ctx.Deadline()
		if time.Until(deadline) < 2*retryPause {
			break
		}
		c.logger.Warn("transport failure, retrying render",
			zap.String("url", req.URL), zap.Error(err))
		select {
		case <-time.After(retryPause):
		case <-ctx.Done():
			return nil, classify("retry", ctx.Err(), KindTimeout)
		}
	}
	return nil, lastErr
}

func (c *Coordinator) renderOnSession(ctx context.Context, req Request) (*Artifact, error) {
	page, err := c.pool.Acquire(ctx)
	if err != nil {
		err = classify("acquire", err, KindPool)
		c.recordOutcome(err)
		return nil, err
	}

	artifact, err := page.Render(ctx, req)

	// Timeout, transport loss and cancellation all leave the page in an
	// unknown state; only those condemn it.
	c.pool.Release(page, err == nil || !condemns(err))
	c.recordOutcome(err)
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

func (c *Coordinator) recordOutcome(err error) {
	if c.breaker == nil {
		return
	}
	switch {
	case err == nil:
		c.breaker.Record(true)
	case countsTowardBreaker(err):
		c.breaker.Record(false)
	default:
		// Pool timeouts, extract refusals and the like say nothing about
		// the browser, but an admitted half-open probe must still be
		// resolved or the breaker would reject everything forever.
		c.breaker.Neutral()
	}
}

// storeAsync populates the cache off the request path. Cache failures are
// already swallowed by the facade.
func (c *Coordinator) storeAsync(key cache.Key, artifact *Artifact) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.cache.Set(ctx, key, artifact.Bytes, c.ttl)
	}()
}
