package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/circuitbreaker"
	"github.com/aman-churiwal/cathedral-tour/internal/config"
	"github.com/aman-churiwal/cathedral-tour/internal/healthcheck"
	"github.com/aman-churiwal/cathedral-tour/internal/logger"
	"github.com/aman-churiwal/cathedral-tour/internal/metrics"
	"github.com/aman-churiwal/cathedral-tour/internal/ratelimit"
	"github.com/aman-churiwal/cathedral-tour/internal/repository"
	"github.com/aman-churiwal/cathedral-tour/internal/requestlog"
	"github.com/aman-churiwal/cathedral-tour/internal/server"
	"github.com/aman-churiwal/cathedral-tour/internal/service"
	"github.com/aman-churiwal/cathedral-tour/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const retentionInterval = 24 * time.Hour

// NewServeCmd starts the HTTP server
func NewServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log, err := logger.New(cfg.Server.Environment, cfg.Server.Debug)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync(log) }()

			return serve(cfg, log)
		},
	}
}

func serve(cfg *config.Config, log *zap.Logger) error {
	postgres, err := storage.NewPostgres(cfg.Database.DSN, cfg.Server.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = postgres.Close() }()

	if err := postgres.AutoMigrate(); err != nil {
		return err
	}
	log.Info("connected_to_postgres")

	var redis *storage.RedisClient
	if cfg.RateLimit.Store == ratelimit.StoreRedis {
		redis, err = storage.NewRedis(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = redis.Close() }()
		log.Info("connected_to_redis", zap.String("addr", cfg.GetRedisAddr()))
	}

	m := metrics.New()

	store, err := ratelimit.NewStore(cfg.RateLimit.Store, ratelimit.StoreDeps{
		Redis:     redis,
		Postgres:  postgres,
		Retention: cfg.RateLimit.Window,
	})
	if err != nil {
		return err
	}

	memStore, _ := store.(*ratelimit.MemoryStore)

	// the in-process store cannot fail, so only remote stores get a breaker
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.RateLimit.Store != ratelimit.StoreMemory {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:        "ratelimit-" + cfg.RateLimit.Store,
			MaxFailures: cfg.RateLimit.Breaker.MaxFailures,
			Timeout:     cfg.RateLimit.Breaker.Timeout,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				log.Warn("circuit_breaker_state_changed",
					zap.String("name", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
				m.BreakerStateChanged(name, from, to)
			},
		})
		store = ratelimit.NewGuardedStore(store, breaker)
	}

	limiter, err := ratelimit.NewSlidingWindowLimiter(store, ratelimit.Config{
		MaxRequests:   cfg.RateLimit.MaxRequests,
		Window:        cfg.RateLimit.Window,
		BlockDuration: cfg.RateLimit.BlockDuration,
	}, ratelimit.WithLogger(log), ratelimit.WithRecorder(m))
	if err != nil {
		return err
	}

	userRepo := repository.NewUserRepository(postgres)
	logRepo := repository.NewRequestLogRepository(postgres)

	authService := service.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.JWTExpiry())
	reportService := service.NewReportService(logRepo, cfg.Report.TopEndpoints)

	writer := requestlog.NewWriter(logRepo, requestlog.Config{
		BufferSize:    cfg.RequestLog.BufferSize,
		BatchSize:     cfg.RequestLog.BatchSize,
		FlushInterval: cfg.RequestLog.FlushInterval,
	}, log, m)

	checker := healthcheck.NewChecker(healthcheck.Config{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
		Logger:   log,
	})
	checker.Register("postgres", postgres.Ping)
	if redis != nil {
		checker.Register("redis", redis.Ping)
	}

	srv, err := server.New(server.Deps{
		Config:      cfg,
		Logger:      log,
		Metrics:     m,
		Limiter:     limiter,
		Breaker:     breaker,
		Auth:        authService,
		Reports:     reportService,
		RequestLogs: writer,
		Health:      checker,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		writer.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		checker.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		runRetention(ctx, reportService, cfg.RequestLog.RetentionDays, log)
	}()
	if memStore != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			memStore.RunCleanup(ctx, ratelimit.DefaultMemorySweepInterval, log)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(":" + cfg.Server.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown_signal_received", zap.Stringer("signal", sig))
	case err := <-serverErr:
		if err != nil {
			log.Error("server_failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server_forced_to_shutdown", zap.Error(err))
	}

	// stops background workers; the request log writer flushes what is left
	cancel()
	workers.Wait()

	log.Info("server_exited")
	return nil
}

// Deletes request logs older than retentionDays once a day
func runRetention(ctx context.Context, reports *service.ReportService, retentionDays int, log *zap.Logger) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := reports.CleanupOldLogs(ctx, retentionDays)
			if err != nil {
				log.Error("request_log_cleanup_failed", zap.Error(err))
				continue
			}
			log.Info("request_log_cleanup", zap.Int64("deleted", deleted))
		case <-ctx.Done():
			return
		}
	}
}
