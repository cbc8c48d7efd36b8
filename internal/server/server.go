package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	httpapi "github.com/GriffinCanCode/prerender/internal/api/http"
	"github.com/GriffinCanCode/prerender/internal/api/middleware"
	"github.com/GriffinCanCode/prerender/internal/cache"
	"github.com/GriffinCanCode/prerender/internal/cdp"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/config"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/prerender/internal/render"
)

// Server wraps the HTTP server and the rendering engine.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	browser     *cdp.Browser
	pool        *render.Pool
	coordinator *render.Coordinator
	logger      *logging.Logger
	config      *config.Config
}

// New builds the full service. It fails when the browser endpoint is
// unreachable; callers treat that as fatal.
func New(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Info("initializing prerender gateway",
		zap.String("listen", net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)),
		zap.String("chrome", cfg.Chrome.Endpoint()),
		zap.Int("concurrency", cfg.Render.Concurrency),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	metrics := monitoring.NewMetrics(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	browser, err := cdp.ConnectBrowser(ctx, cfg.Chrome.Endpoint(), logger)
	if err != nil {
		return nil, fmt.Errorf("cannot reach browser at %s: %w", cfg.Chrome.Endpoint(), err)
	}

	artifacts, err := cache.New(cfg.Cache, logger)
	if err != nil {
		browser.Close()
		return nil, err
	}

	policy := render.NewPolicy(cfg.Render.AllowedDomains, cfg.Render.BlockFonts)

	pool := render.NewPool(cfg.Render.Concurrency, func(ctx context.Context) (render.Page, error) {
		session, err := render.NewSession(ctx, browser, cfg.Render, policy, logger)
		if err != nil {
			return nil, err
		}
		return session, nil
	}, logger).WithMetrics(metrics)

	var breaker *resilience.Breaker
	if cfg.Breaker.Enabled {
		breaker = resilience.New("chrome", resilience.Settings{
			FailMax:      cfg.Breaker.FailMax,
			ResetTimeout: cfg.Breaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				metrics.BreakerState.Set(float64(to))
			},
		})
	}

	coordinator := render.NewCoordinator(
		pool, artifacts, breaker,
		cfg.Render, cfg.Cache.TTL, policy, logger,
	).WithMetrics(metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	if cfg.Rate.Enabled {
		router.Use(middleware.RateLimit(cfg.Rate))
	}
	router.Use(monitoring.Middleware(metrics))

	handlers := httpapi.NewHandlers(coordinator, browser, pool, logger)
	registerRoutes(router, handlers)

	return &Server{
		router:      router,
		browser:     browser,
		pool:        pool,
		coordinator: coordinator,
		logger:      logger,
		config:      cfg,
	}, nil
}

func registerRoutes(router *gin.Engine, handlers *httpapi.Handlers) {
	router.GET("/healthz", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/browser/version", handlers.BrowserVersion)
	router.GET("/browser/list", handlers.BrowserList)
	router.PUT("/browser/enable", handlers.BrowserEnable)
	router.PUT("/browser/disable", handlers.BrowserDisable)

	for _, format := range []render.Format{
		render.FormatHTML,
		render.FormatMHTML,
		render.FormatPDF,
		render.FormatPNG,
		render.FormatJPEG,
	} {
		path := "/" + string(format) + "/*url"
		router.GET(path, handlers.RenderFormat(format))
		router.POST(path, handlers.RenderFormat(format))
	}

	// Bare /{url} renders are not a registrable route shape; they land in
	// NoRoute with the full path intact.
	router.NoRoute(func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodPost:
			handlers.RenderCatchAll(c)
		default:
			c.String(http.StatusNotFound, "Not Found")
		}
	})
}

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains HTTP, destroys the page pool and drops the browser
// control connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	s.pool.Close()
	if err := s.browser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Sync()
	return firstErr
}
