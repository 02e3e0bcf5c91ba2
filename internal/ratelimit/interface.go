package ratelimit

import (
	"context"
)

// UpdateFunc receives the stored record for an identifier (zero value and
// exists=false when there is none) and returns the record to persist.
// Returning write=false leaves the stored record untouched.
//
// Stores that retry optimistically may call it more than once, so it must
// not have side effects beyond its return values.
type UpdateFunc func(rec Record, exists bool) (next Record, write bool, err error)

// Store is the backing store for rate limit records.
//
// Update is a read-modify-write scoped to a single identifier: two
// concurrent calls for the same identifier must never both commit a write
// computed from the same snapshot.
type Store interface {
	Update(ctx context.Context, identifier string, fn UpdateFunc) error

	Get(ctx context.Context, identifier string) (Record, bool, error)
}

// Recorder receives limiter decisions, used for metrics
type Recorder interface {
	Decision(outcome string)
	StoreError()
}

type nopRecorder struct{}

func (nopRecorder) Decision(string) {}
func (nopRecorder) StoreError()     {}
