package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"irrigation-registry-backend/internal/apperr"
)

// RetryPolicy bounds the retries of a control write.
type RetryPolicy struct {
	MaxAttempts     int
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

// retry runs op until it succeeds, fails with a non-transient error, or the
// policy is exhausted. Only ErrUnreachable is retried; exhaustion is reported
// as ErrUnreachable.
func (p RetryPolicy) retry(ctx context.Context, what string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	bo.MaxElapsedTime = p.MaxElapsed
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, apperr.ErrUnreachable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrUnreachable) {
		return fmt.Errorf("%s failed after retries: %w", what, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", apperr.ErrUnreachable, what, err)
	}
	return err
}
