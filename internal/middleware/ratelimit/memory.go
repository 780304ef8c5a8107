package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

type memoryEntry struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	blockedUntil time.Time
}

// MemoryStore keeps one token bucket per key in a bounded LRU. Evicted keys
// start again with a full budget.
type MemoryStore struct {
	entries *lru.Cache[string, *memoryEntry]
	limit   rate.Limit
	burst   int
	window  time.Duration
	block   time.Duration
	newMu   sync.Mutex
	now     func() time.Time
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(cfg Config) (*MemoryStore, error) {
	cfg.applyDefaults()
	cache, err := lru.New[string, *memoryEntry](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		entries: cache,
		limit:   rate.Every(cfg.Window() / time.Duration(cfg.Points)),
		burst:   cfg.Points,
		window:  cfg.Window(),
		block:   cfg.Block(),
		now:     time.Now,
	}, nil
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	if e, ok := s.entries.Get(key); ok {
		return e
	}
	s.newMu.Lock()
	defer s.newMu.Unlock()
	if e, ok := s.entries.Get(key); ok {
		return e
	}
	e := &memoryEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
	s.entries.Add(key, e)
	return e
}

// Take consumes one point for key.
func (s *MemoryStore) Take(_ context.Context, key string) (Result, error) {
	now := s.now()
	e := s.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if now.Before(e.blockedUntil) {
		return Result{Allowed: false, Remaining: 0, Reset: e.blockedUntil}, nil
	}

	if e.limiter.AllowN(now, 1) {
		remaining := int(e.limiter.TokensAt(now))
		if remaining < 0 {
			remaining = 0
		}
		return Result{Allowed: true, Remaining: remaining, Reset: now.Add(s.window)}, nil
	}

	reset := now.Add(s.untilNextToken(e.limiter, now))
	if s.block > 0 {
		e.blockedUntil = now.Add(s.block)
		reset = e.blockedUntil
	}
	return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
}

func (s *MemoryStore) untilNextToken(l *rate.Limiter, now time.Time) time.Duration {
	missing := 1 - l.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(s.limit) * float64(time.Second))
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
