package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Policy bounds how an operation is retried
type Policy struct {
	MaxAttempts  int
	DefaultDelay time.Duration
	Logger       *zap.Logger
}

// DefaultPolicy matches the backup engine's bounded attempt count.
func DefaultPolicy(logger *zap.Logger) Policy {
	return Policy{
		MaxAttempts:  3,
		DefaultDelay: 5 * time.Second,
		Logger:       logger,
	}
}

// Do runs op up to MaxAttempts times. Non-retryable failures surface
// immediately; retryable ones sleep for the error's suggested delay between
// attempts. Exhausting the budget returns a LimitError wrapping the last
// failure.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind, classified := Classify(err)
		if classified && !kind.Retryable() {
			logger.Warn("operation failed with non-retryable error",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.delayFor(err, kind, classified)
		logger.Warn("operation attempt failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	logger.Error("operation failed after all attempts",
		zap.String("operation", name),
		zap.Int("attempts", p.MaxAttempts),
		zap.Error(lastErr),
	)
	return &LimitError{Attempts: p.MaxAttempts, Last: lastErr}
}

func (p Policy) delayFor(err error, kind Kind, classified bool) time.Duration {
	var ce *Error
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}
	if classified {
		if d := kind.Delay(); d > 0 {
			return d
		}
	}
	return p.DefaultDelay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
