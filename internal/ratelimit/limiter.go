// Package ratelimit provides fixed-window request counters keyed by caller
// identity. Memory is process-local; Redis shares the window between
// instances.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	rdb "github.com/redis/go-redis/v9"
)

// Result describes one admission decision.
type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

// Limiter admits or rejects one hit for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

func decide(hits, max int64, retry time.Duration) Result {
	res := Result{Allowed: hits <= max, CurrentHits: hits, Remaining: max - hits}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = retry
	}
	return res
}

// Memory is a fixed-window counter held in a go-cache.
type Memory struct {
	c      *gocache.Cache
	max    int64
	window time.Duration
	now    func() time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithClock overrides the time source used to pick the window.
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory allows max hits per key per window.
func NewMemory(max int, window time.Duration, opts ...MemoryOption) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	m := &Memory{
		c:      gocache.New(window, time.Minute),
		max:    int64(max),
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	now := m.now().UTC()
	start := now.Truncate(m.window)
	k := fmt.Sprintf("%s:%d", key, start.UnixNano())

	// Add fails when the window already has a counter; either way the
	// increment below is atomic.
	_ = m.c.Add(k, int64(0), m.window)
	hits, err := m.c.IncrementInt64(k, 1)
	if err != nil {
		m.c.Set(k, int64(1), m.window)
		hits = 1
	}
	return decide(hits, m.max, start.Add(m.window).Sub(now)), nil
}

// Redis is a fixed-window counter shared through Redis (INCR + EXPIRE).
type Redis struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration
}

// NewRedis allows max hits per key per window.
func NewRedis(client *rdb.Client, prefix string, max int, window time.Duration) *Redis {
	if prefix == "" {
		prefix = "paddock:rl:"
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{Client: client, Prefix: prefix, Max: int64(max), Window: window}
}

func (l *Redis) Allow(ctx context.Context, key string) (Result, error) {
	now := time.Now().UTC()
	start := now.Truncate(l.Window)
	redisKey := fmt.Sprintf("%s%s:%d", l.Prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}
	return decide(incr.Val(), l.Max, start.Add(l.Window).Sub(now)), nil
}
