package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prerender/internal/cdp"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
	"github.com/GriffinCanCode/prerender/internal/render"
)

// Renderer is the front door's view of the render coordinator.
type Renderer interface {
	Render(ctx context.Context, req render.Request, skipCache bool) (*render.Artifact, bool, error)
	Enabled() bool
	Enable()
	Disable()
}

// BrowserInfo exposes the browser admin endpoints' upstream calls.
type BrowserInfo interface {
	Version(ctx context.Context) (*cdp.VersionInfo, error)
	ListPages(ctx context.Context) ([]cdp.TargetInfo, error)
}

// StatsSource reports pool occupancy for the health endpoint.
type StatsSource interface {
	Stats() map[string]any
}

// Handlers contains all HTTP handlers
type Handlers struct {
	renderer Renderer
	browser  BrowserInfo
	pool     StatsSource
	logger   *logging.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(renderer Renderer, browser BrowserInfo, pool StatsSource, logger *logging.Logger) *Handlers {
	return &Handlers{
		renderer: renderer,
		browser:  browser,
		pool:     pool,
		logger:   logger.Named("http"),
	}
}

// Health reports service health and pool occupancy.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"rendering": h.renderer.Enabled(),
		"pool":      h.pool.Stats(),
	})
}

// BrowserVersion proxies the browser's version info.
func (h *Handlers) BrowserVersion(c *gin.Context) {
	version, err := h.browser.Version(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, version)
}

// BrowserList proxies the browser's page target list.
func (h *Handlers) BrowserList(c *gin.Context) {
	pages, err := h.browser.ListPages(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pages)
}

// BrowserEnable resumes rendering of cache misses.
func (h *Handlers) BrowserEnable(c *gin.Context) {
	h.renderer.Enable()
	c.JSON(http.StatusOK, gin.H{"message": "success"})
}

// BrowserDisable turns the service cache-only.
func (h *Handlers) BrowserDisable(c *gin.Context) {
	h.renderer.Disable()
	c.JSON(http.StatusOK, gin.H{"message": "success"})
}

// RenderFormat serves the /{format}/*url routes.
func (h *Handlers) RenderFormat(format render.Format) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := strings.TrimPrefix(c.Param("url"), "/")
		h.render(c, format, target)
	}
}

// RenderCatchAll serves GET /{url} for bare prerender requests. Anything
// that does not look like an absolute URL stays a 404.
func (h *Handlers) RenderCatchAll(c *gin.Context) {
	path := strings.TrimPrefix(c.Request.URL.Path, "/")
	if !strings.HasPrefix(path, "http") {
		c.String(http.StatusNotFound, "Not Found")
		return
	}
	h.render(c, render.FormatHTML, path)
}

func (h *Handlers) render(c *gin.Context, format render.Format, target string) {
	start := time.Now()
	c.Set("render_format", string(format))

	if raw := c.Request.URL.RawQuery; raw != "" {
		target = target + "?" + raw
	}
	if target == "" {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}

	// Rendering on POST bypasses the cache lookup so clients can force a
	// fresh artifact.
	skipCache := c.Request.Method == http.MethodPost

	artifact, hit, err := h.renderer.Render(c.Request.Context(), render.Request{
		URL:    target,
		Format: format,
	}, skipCache)

	elapsed := time.Since(start)
	if err != nil {
		status := statusFor(err)
		h.logger.Warn("render failed",
			zap.String("url", target),
			zap.String("format", string(format)),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		c.String(status, http.StatusText(status))
		return
	}

	h.logger.Info("rendered",
		zap.String("url", target),
		zap.String("format", string(format)),
		zap.Bool("cache_hit", hit),
		zap.Duration("elapsed", elapsed))

	if hit {
		c.Header("X-Prerender-Cache", "hit")
	} else {
		c.Header("X-Prerender-Cache", "miss")
	}
	c.Data(http.StatusOK, artifact.ContentType, artifact.Bytes)
}

// statusFor maps render error kinds to HTTP statuses.
func statusFor(err error) int {
	switch render.KindOf(err) {
	case render.KindPolicy:
		return http.StatusForbidden
	case render.KindNavigate:
		if render.IsUpstreamFault(err) {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	case render.KindTransport, render.KindUpstreamOpen:
		return http.StatusBadGateway
	case render.KindTimeout, render.KindPool, render.KindCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
