package chain

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Backoff is the retry policy shared by every chain call site.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultBackoff suits RPC submission: quick first retry, capped growth.
var DefaultBackoff = Backoff{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
}

// ErrRetryable wraps transient infrastructure failures. Anything not marked
// retryable, and not matching a known transient pattern, fails immediately.
var ErrRetryable = errors.New("retryable")

// Retryable reports whether an error is worth retrying. Sequence-number
// conflicts and RPC timeouts are transient; protocol violations are not.
func Retryable(err error) bool {
	if errors.Is(err, ErrRetryable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"nonce too low",
		"replacement transaction underpriced",
		"sequence mismatch",
		"timeout",
		"connection refused",
		"too many requests",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Retry runs fn with bounded exponential backoff. It returns the first
// non-retryable error immediately and the last error when attempts run out.
func Retry(ctx context.Context, logger *zap.Logger, policy Backoff, fn func() error) error {
	delay := policy.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= policy.MaxAttempts {
			return err
		}
		logger.Debug("retrying chain call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
