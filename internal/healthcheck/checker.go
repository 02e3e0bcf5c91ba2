package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe reports whether a dependency is reachable
type Probe func(ctx context.Context) error

// Periodically probes the service's dependencies (redis, postgres)
type Checker struct {
	mu          sync.RWMutex
	probes      map[string]Probe
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	log         *zap.Logger
	now         func() time.Time
}

// Holds health checker configuration
type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Per-probe timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 3)
	Logger      *zap.Logger
}

func NewChecker(cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Checker{
		probes:      make(map[string]Probe),
		status:      make(map[string]*Status),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		log:         cfg.Logger,
		now:         time.Now,
	}
}

// Register adds a named probe. Dependencies start out healthy.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.probes[name] = probe
	c.status[name] = &Status{
		Target:    name,
		IsHealthy: true, // Assume healthy initially
		LastCheck: c.now(),
	}
}

// Run checks immediately, then on every interval until ctx is cancelled
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("health_checker_started",
		zap.Int("targets", len(c.probes)),
		zap.Duration("interval", c.interval),
	)

	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			c.log.Info("health_checker_stopped")
			return
		}
	}
}

// Performs health check on all targets concurrently
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			c.check(ctx, name, probe)
		}(name, probe)
	}
	wg.Wait()
}

func (c *Checker) check(ctx context.Context, name string, probe Probe) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := probe(ctx); err != nil {
		c.recordFailure(name, err)
		return
	}
	c.recordSuccess(name)
}

// Records a successful health check
func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.status[name]
	status.LastCheck = now
	status.LastSuccess = now
	status.FailureCount = 0
	status.LastError = ""

	if !status.IsHealthy {
		c.log.Info("dependency_healthy", zap.String("target", name))
		status.IsHealthy = true
	}
}

// Records a failed health check
func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.status[name]
	status.LastCheck = now
	status.LastFailure = now
	status.FailureCount++
	status.LastError = err.Error()

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.log.Warn("dependency_unhealthy",
			zap.String("target", name),
			zap.Int("failures", status.FailureCount),
			zap.Error(err),
		)
		status.IsHealthy = false
	}
}

// Returns a copy of every target's status, sorted by name
func (c *Checker) GetAllStatus() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]Status, 0, len(c.status))
	for _, status := range c.status {
		statuses = append(statuses, *status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Target < statuses[j].Target })

	return statuses
}

// Returns the overall health status
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := len(c.status)
	healthy := 0
	for _, status := range c.status {
		if status.IsHealthy {
			healthy++
		}
	}

	switch {
	case total == 0 || healthy == total:
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}
