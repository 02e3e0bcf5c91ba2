package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/circuitbreaker"
	"github.com/aman-churiwal/cathedral-tour/internal/config"
	"github.com/aman-churiwal/cathedral-tour/internal/handler"
	"github.com/aman-churiwal/cathedral-tour/internal/metrics"
	"github.com/aman-churiwal/cathedral-tour/internal/middleware"
	"github.com/aman-churiwal/cathedral-tour/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthService is implemented by service.AuthService
type AuthService interface {
	middleware.TokenValidator
	handler.Authenticator
}

// Deps are the components the HTTP layer is built from. RequestLogs,
// Health and Breaker are optional.
type Deps struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Limiter     *ratelimit.SlidingWindowLimiter
	Breaker     *circuitbreaker.CircuitBreaker
	Auth        AuthService
	Reports     handler.ReportGenerator
	RequestLogs middleware.LogEnqueuer
	Health      handler.HealthReporter
}

type Server struct {
	router        *gin.Engine
	config        *config.Config
	log           *zap.Logger
	deps          Deps
	authHandler   *handler.AuthHandler
	reportHandler *handler.ReportHandler
	systemHandler *handler.SystemHandler
	reportLimiter *ratelimit.SlidingWindowLimiter
	httpServer    *http.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Limiter == nil || deps.Auth == nil || deps.Reports == nil {
		return nil, errors.New("server requires config, limiter, auth and report services")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	// ratelimit.routes.report tightens or relaxes the base limits for the
	// report route; both limiters share one store
	route := deps.Config.RateLimit.Routes.Report
	reportLimiter, err := deps.Limiter.WithConfig(ratelimit.Config{
		MaxRequests:   route.MaxRequests,
		Window:        route.Window,
		BlockDuration: route.BlockDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("report route rate limit: %w", err)
	}

	if deps.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:        gin.New(),
		config:        deps.Config,
		log:           deps.Logger,
		deps:          deps,
		authHandler:   handler.NewAuthHandler(deps.Auth, deps.Logger),
		reportHandler: handler.NewReportHandler(deps.Reports, deps.Config.Report.DefaultDays, deps.Logger),
		reportLimiter: reportLimiter,
		systemHandler: handler.NewSystemHandler(handler.SystemHandlerConfig{
			Limiter:   reportLimiter,
			Breaker:   deps.Breaker,
			Health:    deps.Health,
			StoreKind: deps.Config.RateLimit.Store,
			Logger:    deps.Logger,
		}),
	}

	// Setup middleware
	s.setupMiddleware()

	// Setup routes
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.log))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.log))
	s.router.Use(s.deps.Metrics.Middleware())
	if s.deps.RequestLogs != nil {
		s.router.Use(middleware.RequestLogger(s.deps.RequestLogs))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.systemHandler.Health)
	s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	requireAuth := middleware.RequireAuth(s.deps.Auth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.authHandler.Login)

		reports := v1.Group("/reports", requireAuth, middleware.RateLimit(s.reportLimiter, s.log))
		reports.POST("/generate", s.reportHandler.Generate)
	}

	admin := s.router.Group("/admin", requireAuth)
	{
		admin.GET("/status", s.systemHandler.Status)
		admin.GET("/ratelimit/:identifier", s.systemHandler.RateLimitStatus)
		admin.POST("/circuit-breaker/reset", s.systemHandler.ResetCircuitBreaker)
	}
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("server_starting",
		zap.String("addr", addr),
		zap.String("environment", s.config.Server.Environment),
		zap.String("ratelimit_store", s.config.RateLimit.Store),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server_shutting_down")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
