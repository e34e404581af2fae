// Package retry retries fallible calls with exponential backoff and jitter.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
)

// Options controls a retry loop. Use the With* helpers to override defaults.
type Options struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ResetBuffer time.Duration
	ShouldRetry func(error) bool
	OnRetry     func(attempt int, err error, delay time.Duration)
	Jitter      func(base time.Duration) time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option mutates Options.
type Option func(*Options)

func WithMaxRetries(n int) Option            { return func(o *Options) { o.MaxRetries = n } }
func WithBaseDelay(d time.Duration) Option   { return func(o *Options) { o.BaseDelay = d } }
func WithMaxDelay(d time.Duration) Option    { return func(o *Options) { o.MaxDelay = d } }
func WithResetBuffer(d time.Duration) Option { return func(o *Options) { o.ResetBuffer = d } }

// WithShouldRetry replaces the transient-error predicate. Rate-limit errors
// are retried regardless of the predicate.
func WithShouldRetry(fn func(error) bool) Option { return func(o *Options) { o.ShouldRetry = fn } }

// WithOnRetry registers an observer called before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *Options) { o.OnRetry = fn }
}

// WithJitter replaces the random jitter source.
func WithJitter(fn func(base time.Duration) time.Duration) Option {
	return func(o *Options) { o.Jitter = fn }
}

// WithPolicy applies a configured policy.
func WithPolicy(p achieve.RetryPolicy) Option {
	return func(o *Options) {
		o.MaxRetries = p.MaxRetries
		if p.BaseDelay > 0 {
			o.BaseDelay = p.BaseDelay
		}
		if p.MaxDelay > 0 {
			o.MaxDelay = p.MaxDelay
		}
		if p.ResetBuffer > 0 {
			o.ResetBuffer = p.ResetBuffer
		}
	}
}

func withClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(o *Options) {
		o.now = now
		o.sleep = sleep
	}
}

func defaults() Options {
	p := achieve.DefaultRetryPolicy()
	return Options{
		MaxRetries:  p.MaxRetries,
		BaseDelay:   p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		ResetBuffer: p.ResetBuffer,
		ShouldRetry: achieve.IsRetryable,
		Jitter:      randomJitter,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Do calls op until it succeeds, returns a non-retryable error, or the retry
// budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}

	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= o.MaxRetries || !o.retryable(err) || ctx.Err() != nil {
			return v, err
		}

		delay := o.delayFor(err, attempt)
		if o.OnRetry != nil {
			o.OnRetry(attempt+1, err, delay)
		}
		slog.Debug("retry: backing off", "attempt", attempt+1, "delay", delay, "err", err)

		if serr := o.sleep(ctx, delay); serr != nil {
			return v, err
		}
	}
}

func (o *Options) retryable(err error) bool {
	if achieve.KindOf(err) == achieve.ErrRateLimited {
		return true
	}
	return o.ShouldRetry != nil && o.ShouldRetry(err)
}

// delayFor waits out a reported rate-limit reset, otherwise backs off exponentially.
func (o *Options) delayFor(err error, attempt int) time.Duration {
	if reset, ok := achieve.ResetTime(err); ok {
		d := reset.Sub(o.now()) + o.ResetBuffer
		if d < o.ResetBuffer {
			d = o.ResetBuffer
		}
		return d
	}
	return calculateBackoff(o.BaseDelay, o.MaxDelay, attempt, o.Jitter)
}

// calculateBackoff computes min(base*2^attempt + jitter, max).
func calculateBackoff(base, max time.Duration, attempt int, jitter func(time.Duration) time.Duration) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt))
	if jitter != nil {
		delay += float64(jitter(base))
	}
	if delay > float64(max) || math.IsInf(delay, 1) {
		return max
	}
	return time.Duration(delay)
}

func randomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
