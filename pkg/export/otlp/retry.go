// Bounded retry with capped exponential backoff for transient failures
package otlp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds how hard the exporter tries before giving up.
// MaxAttempts counts the first try, so 1 disables retrying.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetry is applied unless WithRetry overrides it.
var DefaultRetry = RetryConfig{
	MaxAttempts:    4,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     4 * time.Second,
}

// transientError marks a failure worth retrying. Transports classify their
// own failures; the retry loop only checks for the marker.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// withRetry runs f until it succeeds, fails permanently, or the attempt
// budget is spent. The wait between attempts doubles up to the cap and is
// abandoned when ctx ends.
func (e *Exporter) withRetry(ctx context.Context, f func(context.Context) error) error {
	backoff := e.retry.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt >= e.retry.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		e.log.Warn("transient export failure, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("export abandoned during backoff: %w", ctx.Err())
		case <-e.clock.After(backoff):
		}
		backoff = min(backoff*2, e.retry.MaxBackoff)
	}
}
