package backoff

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, sleeping initial*attempt between
// tries (linear backoff). It stops early when fn succeeds, when retryable
// reports an error as permanent, or when the context is done. The last
// error from fn is returned.
//
// Every retry-with-sleep loop in the codebase goes through this helper so
// backoff behavior stays uniform between the store adapter and the
// oracle-facing polling paths.
func Retry(ctx context.Context, attempts int, initial time.Duration, fn func() error, retryable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-time.After(initial * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
