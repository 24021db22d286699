// Package retry provides a generic exponential-backoff wrapper for failing
// operations against the platform API.
package retry

import (
	"context"
	"time"

	"github.com/lihuazhang/aicowork/pkg/logger"
)

const (
	// DefaultMaxAttempts is the total number of tries, including the first.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the delay before the first retry; it doubles on
	// each subsequent attempt. No jitter at this layer; jitter is reserved
	// for connection-level reconnect backoff.
	DefaultBaseDelay = 200 * time.Millisecond
)

// retryable is implemented by errors that know whether a retry can help.
type retryable interface {
	Retryable() bool
}

// Options configures a retried operation.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// IsRetryable decides whether a failure is worth retrying. The default
	// defers to the error's own Retryable() method when present, otherwise
	// treats the failure as permanent.
	IsRetryable func(error) bool
	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

// Option mutates Options.
type Option func(*Options)

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithBaseDelay overrides the base backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BaseDelay = d
		}
	}
}

// WithRetryable overrides the retryability predicate.
func WithRetryable(pred func(error) bool) Option {
	return func(o *Options) {
		if pred != nil {
			o.IsRetryable = pred
		}
	}
}

// withSleep replaces the waiting function (tests only).
func withSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Options) { o.sleep = sleep }
}

func defaultRetryable(err error) bool {
	if r, ok := err.(retryable); ok {
		return r.Retryable()
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes op, retrying retryable failures with exponential backoff.
// The delay before retry n (0-based) is BaseDelay << n. On a non-retryable
// failure or after exhausting attempts the last error is returned unchanged.
func Do(ctx context.Context, name string, op func(context.Context) error, opts ...Option) error {
	o := Options{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		IsRetryable: defaultRetryable,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; attempt < o.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !o.IsRetryable(lastErr) || attempt == o.MaxAttempts-1 {
			break
		}

		delay := o.BaseDelay << attempt
		logger.WarnCF("retry", "Operation failed, retrying", map[string]any{
			"op":       name,
			"attempt":  attempt + 1,
			"max":      o.MaxAttempts,
			"delay_ms": delay.Milliseconds(),
			"error":    lastErr.Error(),
		})
		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
