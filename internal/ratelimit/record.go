package ratelimit

// Record is the per-identifier state kept in the store. Timestamps are
// epoch milliseconds.
type Record struct {
	Identifier   string  `json:"identifier"`
	Requests     []int64 `json:"requests"`
	Blocked      bool    `json:"blocked"`
	BlockedUntil int64   `json:"blockedUntil"`

	// RetainMs is how long after this write the record can still change a
	// decision. Stores with physical expiry must keep it at least this long.
	RetainMs int64 `json:"retainMs,omitempty"`
}

// ActiveBlock reports whether the record is inside a block period at now.
// A record whose block has expired counts as unblocked even if the flag
// was never cleared.
func (r Record) ActiveBlock(now int64) bool {
	return r.Blocked && r.BlockedUntil > now
}

func (r Record) clone() Record {
	c := r
	if r.Requests != nil {
		c.Requests = make([]int64, len(r.Requests))
		copy(c.Requests, r.Requests)
	}
	return c
}

// prune returns the timestamps strictly newer than windowStart
func prune(requests []int64, windowStart int64) []int64 {
	kept := make([]int64, 0, len(requests)+1)
	for _, ts := range requests {
		if ts > windowStart {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Evaluate decides a single request at now against rec.
//
// limited is true when the request must be rejected. write is false only
// when the record is inside an active block, in which case next == rec and
// nothing needs to be persisted.
func Evaluate(rec Record, now int64, cfg Config) (next Record, limited bool, write bool) {
	if rec.ActiveBlock(now) {
		return rec, true, false
	}

	window := cfg.Window.Milliseconds()
	recent := prune(rec.Requests, now-window)

	next = Record{Identifier: rec.Identifier, Requests: recent}

	if len(recent) >= cfg.MaxRequests {
		next.Blocked = true
		next.BlockedUntil = now + cfg.BlockDuration.Milliseconds()
		retainUntil := next.BlockedUntil
		if len(recent) > 0 {
			// the newest request keeps the window full until it slides out
			retainUntil = max(retainUntil, recent[len(recent)-1]+window)
		}
		next.RetainMs = retainUntil - now
		return next, true, true
	}

	next.Requests = append(next.Requests, now)
	next.RetainMs = window
	return next, false, true
}
