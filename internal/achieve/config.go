package achieve

import (
	"time"

	"github.com/google/uuid"
)

// RateLimitConfig bounds outbound API pressure. MaxPerMinute should sit below
// GitHub's content-creation abuse threshold with a safety margin.
type RateLimitConfig struct {
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
	MaxPerMinute  int           `json:"max_per_minute" yaml:"max_per_minute"`
	Window        time.Duration `json:"window"         yaml:"window"`
	PollInterval  time.Duration `json:"poll_interval"  yaml:"poll_interval"`
	WindowBuffer  time.Duration `json:"window_buffer"  yaml:"window_buffer"`
}

// DefaultRateLimitConfig returns conservative limits for a single account.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxConcurrent: 3,
		MaxPerMinute:  30,
		Window:        time.Minute,
		PollInterval:  100 * time.Millisecond,
		WindowBuffer:  100 * time.Millisecond,
	}
}

// RetryPolicy defines how transient API failures are retried.
type RetryPolicy struct {
	MaxRetries  int           `json:"max_retries"  yaml:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay"   yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"    yaml:"max_delay"`
	ResetBuffer time.Duration `json:"reset_buffer" yaml:"reset_buffer"`
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		ResetBuffer: time.Second,
	}
}

// GenerateID returns a random identifier with the given prefix.
func GenerateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Schedule starts an achievement run on a cron expression. When, if set, is
// an expression over completed, target, remaining, status and rate_remaining
// that must be true for the run to start.
type Schedule struct {
	Name     string `json:"name"     yaml:"name"`
	Cron     string `json:"cron"     yaml:"cron"`
	Timezone string `json:"timezone" yaml:"timezone"`
	Kind     Kind   `json:"kind"     yaml:"achievement"`
	Tier     Tier   `json:"tier"     yaml:"tier"`
	When     string `json:"when"     yaml:"when"`
}
