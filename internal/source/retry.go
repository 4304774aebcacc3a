package source

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// retry runs fetch until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. A server Retry-After replaces the computed delay,
// capped at MaxRetryAfter.
func (s *RemoteSource) retry(ctx context.Context, entityType schema.EntityType, cursor Cursor, fetch func() (Page, error)) (Page, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		page, err := fetch()
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return Page{}, err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		if ra := RetryAfter(err); ra > 0 {
			delay = min(ra, s.cfg.MaxRetryAfter)
		}
		s.logger.Warn("retrying page fetch",
			"entity_type", entityType,
			"page", cursor.Page,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return Page{}, err
		}
	}
	return Page{}, fmt.Errorf("giving up on %s page %d after %d attempts: %w", entityType, cursor.Page, s.cfg.MaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
