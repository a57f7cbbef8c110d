// Package ratelimit implements a fixed-window request counter over a shared store.
//
// A window is the interval [i*W, (i+1)*W) for window length W; each (key, i)
// pair owns one counter that expires when its window ends. Up to 2x the limit
// can be admitted across a window boundary.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/ai-support/internal/metrics"
)

var ErrInvalidArgument = errors.New("ratelimit: key, limit and window are required")

// CounterStore is the shared counting store. IncrWithExpire must increment
// atomically and arm the expiry only on the hit that creates the counter.
type CounterStore interface {
	IncrWithExpire(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// FailurePolicy decides the outcome of a check when the store is unreachable.
type FailurePolicy int

const (
	FailOpen FailurePolicy = iota
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

type Result struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetSeconds int
}

type Limiter struct {
	store   CounterStore
	policy  FailurePolicy
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithPolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		policy: FailOpen,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Policy() FailurePolicy { return l.policy }

// WindowKey is the store key of the counter for key in the window containing now.
func WindowKey(key string, windowSeconds int, now time.Time) string {
	windowIndex := now.Unix() / int64(windowSeconds)
	return fmt.Sprintf("rl:%s:%d", key, windowIndex)
}

// Check records one hit against key and reports whether it fits in limit
// hits per windowSeconds. Store failures never surface as errors; they
// resolve through the configured FailurePolicy.
func (l *Limiter) Check(ctx context.Context, key string, limit, windowSeconds int) (Result, error) {
	if key == "" || limit <= 0 || windowSeconds <= 0 {
		return Result{}, ErrInvalidArgument
	}
	scope := scopeOf(key)
	window := time.Duration(windowSeconds) * time.Second

	count, ttl, err := l.store.IncrWithExpire(ctx, WindowKey(key, windowSeconds, l.now()), window)
	if err != nil {
		l.metrics.RateLimit(scope, "store_error")
		l.log.Warn().Err(err).
			Str("key", key).
			Str("policy", l.policy.String()).
			Msg("rate limit store unavailable")
		return l.onStoreError(limit, windowSeconds), nil
	}

	reset := int(ttl / time.Second)
	if reset <= 0 {
		// expiry not observed yet (or lost); the window length is the upper bound
		reset = windowSeconds
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:      count <= int64(limit),
		Limit:        limit,
		Remaining:    remaining,
		ResetSeconds: reset,
	}
	if res.Allowed {
		l.metrics.RateLimit(scope, "allowed")
	} else {
		l.metrics.RateLimit(scope, "denied")
	}
	return res, nil
}

func (l *Limiter) onStoreError(limit, windowSeconds int) Result {
	if l.policy == FailClosed {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetSeconds: windowSeconds}
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit, ResetSeconds: windowSeconds}
}

// scopeOf keeps metric cardinality bounded: "ip:1.2.3.4" -> "ip".
func scopeOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
