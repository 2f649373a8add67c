// Package cron provides the retry/backoff policy shared by scheduled
// background tasks and the Executor's transient-error backoff.
package cron

import "time"

// RetryConfig controls exponential backoff with a ceiling.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches config.CronConfig's documented defaults
// (3 retries, 2s base, 30s ceiling).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the backoff delay before retry attempt n (1-indexed),
// doubling BaseDelay each attempt and capping at MaxDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}
