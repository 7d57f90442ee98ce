package ratelimit

import (
	"context"
	"time"
)

// Counter is the state of one fixed window after an increment. Count is
// capped at Limit+1 so a flood of rejected requests cannot grow it.
type Counter struct {
	Key         string
	Count       int64
	Limit       int64
	Window      time.Duration
	WindowStart time.Time
	ResetAt     time.Time
}

// Allowed reports whether the increment stayed within the limit.
func (c Counter) Allowed() bool {
	return c.Count <= c.Limit
}

// Remaining returns the requests left in the window.
func (c Counter) Remaining() int64 {
	if r := c.Limit - c.Count; r > 0 {
		return r
	}
	return 0
}

// Store is a fixed-window counter store. Increment is atomic per key: N
// concurrent calls on a fresh key observe counts 1..N.
type Store interface {
	Increment(ctx context.Context, key string, limit int64, window time.Duration) (Counter, error)
}
