package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UnknownIdentifier is used for callers whose address cannot be determined
const UnknownIdentifier = "unknown"

// Decision outcomes reported to the Recorder
const (
	OutcomeAdmitted   = "admitted"
	OutcomeLimited    = "limited"
	OutcomeBlocked    = "blocked"
	OutcomeFailedOpen = "failed_open"
)

// SlidingWindowLimiter admits at most MaxRequests per trailing Window for
// each identifier. A client that goes over is blocked for BlockDuration.
// All state lives in the Store, so instances sharing a store share limits.
type SlidingWindowLimiter struct {
	store    Store
	cfg      Config
	log      *zap.Logger
	recorder Recorder
	now      func() time.Time
}

type Option func(*SlidingWindowLimiter)

func WithLogger(log *zap.Logger) Option {
	return func(l *SlidingWindowLimiter) {
		if log != nil {
			l.log = log
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(l *SlidingWindowLimiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithClock overrides time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindowLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

func NewSlidingWindowLimiter(store Store, cfg Config, opts ...Option) (*SlidingWindowLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &SlidingWindowLimiter{
		store:    store,
		cfg:      cfg.withDefaults(),
		log:      zap.NewNop(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// WithConfig returns a limiter with override applied on top of the current
// config, sharing store, logger, recorder and clock.
func (l *SlidingWindowLimiter) WithConfig(override Config) (*SlidingWindowLimiter, error) {
	merged := l.cfg.Merge(override)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	clone := *l
	clone.cfg = merged.withDefaults()
	return &clone, nil
}

// IsRateLimited records a request from identifier and reports whether it
// must be rejected. Store failures are logged and the request is admitted.
func (l *SlidingWindowLimiter) IsRateLimited(ctx context.Context, identifier string) (limited bool) {
	identifier = normalizeIdentifier(identifier)
	now := l.now().UnixMilli()

	defer func() {
		if r := recover(); r != nil {
			l.log.Error("rate_limiter_panic_failed_open",
				zap.String("identifier", identifier),
				zap.Any("panic", r),
			)
			l.recorder.StoreError()
			l.recorder.Decision(OutcomeFailedOpen)
			limited = false
		}
	}()

	var outcome string
	err := l.store.Update(ctx, identifier, func(rec Record, exists bool) (Record, bool, error) {
		if !exists {
			rec = Record{Identifier: identifier}
		}
		next, isLimited, write := Evaluate(rec, now, l.cfg)
		next.Identifier = identifier

		switch {
		case !isLimited:
			outcome = OutcomeAdmitted
		case write:
			outcome = OutcomeLimited
		default:
			outcome = OutcomeBlocked
		}
		return next, write, nil
	})

	if err != nil {
		l.log.Warn("rate_limiter_store_failed_open",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		l.recorder.StoreError()
		l.recorder.Decision(OutcomeFailedOpen)
		return false
	}

	l.recorder.Decision(outcome)

	switch outcome {
	case OutcomeLimited:
		l.log.Info("rate_limit_exceeded",
			zap.String("identifier", identifier),
			zap.Int("max_requests", l.cfg.MaxRequests),
			zap.Duration("window", l.cfg.Window),
			zap.Time("blocked_until", time.UnixMilli(now+l.cfg.BlockDuration.Milliseconds())),
		)
		return true
	case OutcomeBlocked:
		l.log.Debug("rate_limit_blocked_request", zap.String("identifier", identifier))
		return true
	default:
		return false
	}
}

// Status is a read-only view of an identifier's limiter state
type Status struct {
	Identifier   string     `json:"identifier"`
	Limit        int        `json:"limit"`
	Remaining    int        `json:"remaining"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	ResetAt      time.Time  `json:"reset_at"`
}

// Status reports the identifier's current quota without recording a request
func (l *SlidingWindowLimiter) Status(ctx context.Context, identifier string) (Status, error) {
	identifier = normalizeIdentifier(identifier)
	now := l.now()
	nowMs := now.UnixMilli()

	status := Status{
		Identifier: identifier,
		Limit:      l.cfg.MaxRequests,
		Remaining:  l.cfg.MaxRequests,
		ResetAt:    now,
	}

	rec, exists, err := l.store.Get(ctx, identifier)
	if err != nil {
		return Status{}, fmt.Errorf("load rate limit record: %w", err)
	}
	if !exists {
		return status, nil
	}

	if rec.ActiveBlock(nowMs) {
		until := time.UnixMilli(rec.BlockedUntil)
		status.Blocked = true
		status.BlockedUntil = &until
		status.Remaining = 0
		status.ResetAt = until
		return status, nil
	}

	recent := prune(rec.Requests, nowMs-l.cfg.Window.Milliseconds())
	status.Remaining = max(0, l.cfg.MaxRequests-len(recent))
	if len(recent) > 0 {
		// the oldest request leaves the window first
		status.ResetAt = time.UnixMilli(recent[0]).Add(l.cfg.Window)
	}
	return status, nil
}

func (l *SlidingWindowLimiter) Config() Config {
	return l.cfg
}

func (l *SlidingWindowLimiter) Limit() int {
	return l.cfg.MaxRequests
}

func (l *SlidingWindowLimiter) Window() time.Duration {
	return l.cfg.Window
}

// RetryAfterSeconds is the block duration rounded up to whole seconds
func (l *SlidingWindowLimiter) RetryAfterSeconds() int {
	return int(math.Ceil(l.cfg.BlockDuration.Seconds()))
}

func normalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return UnknownIdentifier
	}
	return identifier
}
