package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"byorlhub-license-api/pkg/backoff"
)

// MutateFunc transforms the current document content into the desired
// content. Returning changed=false signals that no write is needed and
// stops the update successfully.
type MutateFunc func(current string) (updated string, changed bool)

// AtomicUpdate performs an optimistic read-mutate-write cycle on path:
// read content and tag, apply mutate, and Put with the tag just read.
// On ErrConflict the document is re-read and the cycle retried with
// linear backoff (initial * attempt), up to maxRetries attempts.
// Non-conflict errors abort immediately.
func AtomicUpdate(ctx context.Context, c Client, path string, mutate MutateFunc, maxRetries int, initial time.Duration) error {
	err := backoff.Retry(ctx, maxRetries, initial, func() error {
		content, tag, err := c.Get(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		updated, changed := mutate(content)
		if !changed {
			return nil
		}

		if err := c.Put(ctx, path, updated, tag); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, ErrConflict)
	})

	if err != nil {
		return fmt.Errorf("atomic update of %s: %w", path, err)
	}
	return nil
}
