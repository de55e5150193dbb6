package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/api/middleware"
	"github.com/GriffinCanCode/modbridge/internal/bridge/proxy"
	"github.com/GriffinCanCode/modbridge/internal/bridge/runner"
	apihttp "github.com/GriffinCanCode/modbridge/internal/http"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/logging"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/modbridge/internal/modules"
	"github.com/GriffinCanCode/modbridge/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	gatherer prometheus.Gatherer
	tracer   *tracing.Tracer
	proxy    *proxy.Proxy
	modules  *modules.Registry
	runner   *runner.Runner
	router   *gin.Engine
	http     *http.Server
}

// NewServer creates a new server instance
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development)
	logger.Info("Initializing modbridge server",
		zap.String("port", cfg.Server.Port),
		zap.String("modules_dir", cfg.Modules.Dir),
	)

	// Initialize metrics first (needed by other components)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	tracer := tracing.New("modbridge", logger.Component("trace"))

	registry := modules.NewRegistry(cfg.Modules, logger.Component("modules"))
	if _, err := registry.Reload(ctx); err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to load modules: %w", err)
	}

	jar := proxy.NewJar()
	px := proxy.New(jar, proxy.OptionsFromConfig(cfg.Proxy), logger.Component("proxy"), metrics)
	run := runner.New(registry, px, jar, runner.OptionsFromConfig(cfg), logger, metrics)

	s := &Server{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		gatherer: reg,
		tracer:   tracer,
		proxy:    px,
		modules:  registry,
		runner:   run,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.CORSConfigFrom(s.config.Server)))
	if s.config.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", s.config.RateLimit.RequestsPerSecond),
			zap.Int("burst", s.config.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(s.config.RateLimit))
	}

	handlers := apihttp.NewHandlers(s.runner, s.modules, s.proxy, s.tracer, s.metrics, s.logger.Component("api"))
	wsHandler := ws.NewHandler(s.runner.Hub(), s.config.Server.CORSOrigins, s.metrics, s.logger.Component("ws"))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Modules
	router.GET("/modules", handlers.ListModules)
	router.POST("/modules/reload", handlers.ReloadModules)
	router.POST("/modules/:id/run", handlers.RunModule)
	router.GET("/sessions", handlers.ListSessions)

	// Challenges
	router.GET("/challenges", handlers.ListChallenges)
	router.GET("/challenges/:id", handlers.GetChallenge)
	router.POST("/challenges/:id/resolve", handlers.ResolveChallenge)
	router.POST("/challenges/:id/dismiss", handlers.DismissChallenge)

	// Event stream
	router.GET("/stream", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	return router
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels running modules and releases
// outbound connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	// Running sessions hold their HTTP requests open; close them first.
	s.runner.Shutdown()
	err := s.http.Shutdown(ctx)
	if err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
	}

	s.proxy.Close()
	s.tracer.Close()
	_ = s.logger.Sync()

	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
