package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Guards calls to a backing store. After MaxFailures consecutive failures
// calls are rejected with ErrCircuitOpen until Timeout has passed, then a
// trial call is let through (half-open).
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	// Configuration
	maxFailures     int           // Number of failures before opening
	timeout         time.Duration // How long to stay open
	halfOpenSuccess int           // Successes needed in half-open to close

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

type Config struct {
	Name            string
	MaxFailures     int           // Default: 5
	Timeout         time.Duration // Default: 30 seconds
	HalfOpenSuccess int           // Default: 1

	// OnStateChange is called outside the lock after every transition
	OnStateChange func(name string, from, to State)

	// Now overrides the clock, used by tests
	Now func() time.Time
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccess <= 0 {
		cfg.HalfOpenSuccess = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:            cfg.Name,
		state:           StateClosed,
		maxFailures:     cfg.MaxFailures,
		timeout:         cfg.Timeout,
		halfOpenSuccess: cfg.HalfOpenSuccess,
		lastStateChange: cfg.Now(),
		now:             cfg.Now,
		onStateChange:   cfg.OnStateChange,
	}
}

// Executes fn with circuit breaker protection. Errors caused by the caller's
// own context being cancelled do not count as backend failures.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()

	// Check if we should transition from Open to Half-Open
	var transition *[2]State
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) > cb.timeout {
			transition = cb.setState(StateHalfOpen)
			cb.successCount = 0
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	cb.mu.Unlock()
	cb.notify(transition)

	err := fn(ctx)

	cb.mu.Lock()
	switch {
	case err == nil:
		transition = cb.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		transition = nil
	default:
		transition = cb.onFailure()
	}
	cb.mu.Unlock()
	cb.notify(transition)

	return err
}

// Handles a failed call
func (cb *CircuitBreaker) onFailure() *[2]State {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen {
		// In half-open, any failure opens the circuit
		cb.successCount = 0
		return cb.setState(StateOpen)
	}
	if cb.failureCount >= cb.maxFailures {
		return cb.setState(StateOpen)
	}
	return nil
}

// Handles a successful call
func (cb *CircuitBreaker) onSuccess() *[2]State {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenSuccess {
			cb.failureCount = 0
			return cb.setState(StateClosed)
		}
	case StateClosed:
		// Reset failure count on success in closed state
		cb.failureCount = 0
	}
	return nil
}

// Changes the state, returning the transition when it actually changed
func (cb *CircuitBreaker) setState(newState State) *[2]State {
	if cb.state == newState {
		return nil
	}
	from := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	return &[2]State{from, newState}
}

func (cb *CircuitBreaker) notify(transition *[2]State) {
	if transition != nil && cb.onStateChange != nil {
		cb.onStateChange(cb.name, transition[0], transition[1])
	}
}

// Returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.mu.Unlock()

	cb.notify(transition)
}

// Returns current circuit breaker metrics
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Metrics{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Holds circuit breaker metrics
type Metrics struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}
