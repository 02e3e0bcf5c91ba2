package ratelimit

import (
	"context"
	"errors"

	"github.com/aman-churiwal/cathedral-tour/internal/circuitbreaker"
)

// GuardedStore routes every call through a circuit breaker so that a dead
// backend is skipped quickly instead of timing out on each request.
type GuardedStore struct {
	next    Store
	breaker *circuitbreaker.CircuitBreaker
}

var _ Store = (*GuardedStore)(nil)

func NewGuardedStore(next Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

// Update counts a transaction conflict as a healthy call: the backend
// answered, another client simply won the race for the same identifier.
func (g *GuardedStore) Update(ctx context.Context, identifier string, fn UpdateFunc) error {
	var conflict error
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		err := g.next.Update(ctx, identifier, fn)
		if errors.Is(err, ErrTxConflict) {
			conflict = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return conflict
}

func (g *GuardedStore) Get(ctx context.Context, identifier string) (Record, bool, error) {
	var (
		rec    Record
		exists bool
	)
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		rec, exists, err = g.next.Get(ctx, identifier)
		return err
	})
	return rec, exists, err
}

func (g *GuardedStore) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}
