package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/circuitbreaker"
	"github.com/aman-churiwal/cathedral-tour/internal/healthcheck"
	"github.com/aman-churiwal/cathedral-tour/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LimiterInspector is implemented by ratelimit.SlidingWindowLimiter
type LimiterInspector interface {
	Status(ctx context.Context, identifier string) (ratelimit.Status, error)
	Config() ratelimit.Config
}

// HealthReporter is implemented by healthcheck.Checker
type HealthReporter interface {
	OverallHealth() healthcheck.HealthStatus
	GetAllStatus() []healthcheck.Status
}

// Handles system-related endpoints
type SystemHandler struct {
	limiter   LimiterInspector
	breaker   *circuitbreaker.CircuitBreaker // nil when the store is in-process
	health    HealthReporter
	storeKind string
	log       *zap.Logger
	startedAt time.Time
	now       func() time.Time
}

type SystemHandlerConfig struct {
	Limiter   LimiterInspector
	Breaker   *circuitbreaker.CircuitBreaker
	Health    HealthReporter
	StoreKind string
	Logger    *zap.Logger
}

func NewSystemHandler(cfg SystemHandlerConfig) *SystemHandler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SystemHandler{
		limiter:   cfg.Limiter,
		breaker:   cfg.Breaker,
		health:    cfg.Health,
		storeKind: cfg.StoreKind,
		log:       log,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handles GET /health. Degraded still answers 200 since the limiter
// fails open when its store is down.
func (h *SystemHandler) Health(c *gin.Context) {
	overall := healthcheck.Healthy
	var targets []healthcheck.Status
	if h.health != nil {
		overall = h.health.OverallHealth()
		targets = h.health.GetAllStatus()
	}

	code := http.StatusOK
	if overall == healthcheck.Unhealthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       overall,
		"dependencies": targets,
		"timestamp":    h.now().UTC(),
	})
}

// Handles GET /admin/status
func (h *SystemHandler) Status(c *gin.Context) {
	cfg := h.limiter.Config()

	resp := gin.H{
		"uptime_seconds": int64(h.now().Sub(h.startedAt).Seconds()),
		"rate_limit": gin.H{
			"store":                  h.storeKind,
			"max_requests":           cfg.MaxRequests,
			"window_seconds":         cfg.Window.Seconds(),
			"block_duration_seconds": cfg.BlockDuration.Seconds(),
		},
	}
	if h.breaker != nil {
		resp["circuit_breaker"] = h.breaker.Metrics()
	}

	c.JSON(http.StatusOK, resp)
}

// Handles GET /admin/ratelimit/:identifier
func (h *SystemHandler) RateLimitStatus(c *gin.Context) {
	identifier := c.Param("identifier")

	status, err := h.limiter.Status(c.Request.Context(), identifier)
	if err != nil {
		h.log.Error("ratelimit_status_failed",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Rate limit store unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// Manually resets the store circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "No circuit breaker configured for this store",
		})
		return
	}

	h.breaker.Reset()
	h.log.Info("circuit_breaker_reset",
		zap.String("name", h.breaker.Metrics().Name),
		zap.String("user_id", c.GetString("user_id")),
	)

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"state":   h.breaker.State(),
	})
}
