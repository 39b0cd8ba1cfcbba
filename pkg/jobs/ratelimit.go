package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RateLimit caps how many executions of a job may start within a window.
// Exactly one of Seconds, Minutes, Hours or Days must be set.
type RateLimit struct {
	Limit   int
	Seconds int
	Minutes int
	Hours   int
	Days    int
	// Key groups limits across jobs; empty means the job name.
	Key string
}

// Window resolves the configured unit into a duration.
func (r RateLimit) Window() (time.Duration, error) {
	if r.Limit <= 0 {
		return 0, jobsError(ErrValidation, "rate limit must be positive")
	}

	var (
		window time.Duration
		units  int
	)
	for _, unit := range []struct {
		value int
		size  time.Duration
	}{
		{r.Seconds, time.Second},
		{r.Minutes, time.Minute},
		{r.Hours, time.Hour},
		{r.Days, 24 * time.Hour},
	} {
		if unit.value < 0 {
			return 0, jobsError(ErrValidation, "rate limit window cannot be negative")
		}
		if unit.value > 0 {
			units++
			window = time.Duration(unit.value) * unit.size
		}
	}
	if units != 1 {
		return 0, fmt.Errorf("%w: rate limit needs exactly one time unit, got %d", ErrValidation, units)
	}
	return window, nil
}

// ResolveKey returns the limiter key for the given job name.
func (r RateLimit) ResolveKey(jobName string) string {
	if key := strings.TrimSpace(r.Key); key != "" {
		return key
	}
	return strings.TrimSpace(jobName)
}

// Limiter counts executions per key in fixed windows.
type Limiter interface {
	// Attempt consumes one unit and returns true while the key is under its
	// limit. A denied attempt consumes nothing.
	Attempt(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// AvailableIn returns how long until the current window of key resets.
	AvailableIn(ctx context.Context, key string) (time.Duration, error)
}

func validateLimiterArgs(key string, limit int, window time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return jobsError(ErrInvalidArgument, "limiter key is required")
	}
	if limit <= 0 {
		return jobsError(ErrInvalidArgument, "limit must be positive")
	}
	if window <= 0 {
		return jobsError(ErrInvalidArgument, "window must be positive")
	}
	return nil
}
