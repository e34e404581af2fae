package services

import (
	"context"
	"sync"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

var _ ports.RateGate = (*RateLimiter)(nil)

// RateLimiter bounds two resources: in-flight operations (hard cap) and
// operations started per rolling window. Waiters re-poll independently, so
// acquisition order under contention is not FIFO.
type RateLimiter struct {
	cfg achieve.RateLimitConfig

	mu         sync.Mutex
	timestamps []time.Time
	active     int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter validates cfg and fills zero durations with defaults.
func NewRateLimiter(cfg achieve.RateLimitConfig) (*RateLimiter, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, achieve.NewError(achieve.ErrConfiguration, "rate limiter", "max_concurrent must be positive")
	}
	if cfg.MaxPerMinute <= 0 {
		return nil, achieve.NewError(achieve.ErrConfiguration, "rate limiter", "max_per_minute must be positive")
	}
	def := achieve.DefaultRateLimitConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WindowBuffer < 0 {
		cfg.WindowBuffer = 0
	}

	return &RateLimiter{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
	}, nil
}

// Acquire blocks until a slot is free under both caps, then claims it.
// It returns ctx.Err() if the context ends first.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if l.active < l.cfg.MaxConcurrent && len(l.timestamps) < l.cfg.MaxPerMinute {
			l.active++
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.waitTime(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Release frees an in-flight slot. The window timestamp stays recorded.
func (l *RateLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// RateLimitStats reports current usage.
type RateLimitStats struct {
	RequestsLastMinute int `json:"requests_last_minute"`
	Active             int `json:"active"`
	Remaining          int `json:"remaining"`
	MaxConcurrent      int `json:"max_concurrent"`
	MaxPerMinute       int `json:"max_per_minute"`
}

// Stats returns a diagnostic snapshot.
func (l *RateLimiter) Stats() RateLimitStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())

	remaining := l.cfg.MaxPerMinute - len(l.timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitStats{
		RequestsLastMinute: len(l.timestamps),
		Active:             l.active,
		Remaining:          remaining,
		MaxConcurrent:      l.cfg.MaxConcurrent,
		MaxPerMinute:       l.cfg.MaxPerMinute,
	}
}

// prune drops timestamps that have left the window. Caller holds mu.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

// waitTime is the delay before the next check. Caller holds mu.
func (l *RateLimiter) waitTime(now time.Time) time.Duration {
	if len(l.timestamps) >= l.cfg.MaxPerMinute {
		wait := l.timestamps[0].Add(l.cfg.Window).Sub(now) + l.cfg.WindowBuffer
		if wait > 0 {
			return wait
		}
	}
	return l.cfg.PollInterval
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
