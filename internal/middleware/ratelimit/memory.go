package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type window struct {
	start time.Time
	reset time.Time
	count int64
}

// MemoryStore keeps counters in process. It is used when no Redis is
// configured and in tests. The key set is bounded: the least recently used
// window is evicted once maxKeys is reached.
type MemoryStore struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *window]
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-process store holding at most maxKeys windows.
func NewMemoryStore(maxKeys int, opts ...MemoryOption) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	cache, _ := lru.New[string, *window](maxKeys)
	s := &MemoryStore{windows: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Increment(ctx context.Context, key string, limit int64, size time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows.Get(key)
	if !ok || !now.Before(w.reset) {
		w = &window{start: now, reset: now.Add(size)}
		s.windows.Add(key, w)
	}
	if w.count <= limit {
		w.count++
	}

	return Counter{
		Key:         key,
		Count:       w.count,
		Limit:       limit,
		Window:      size,
		WindowStart: w.start,
		ResetAt:     w.reset,
	}, nil
}

// Len returns the number of live windows.
func (s *MemoryStore) Len() int {
	return s.windows.Len()
}
