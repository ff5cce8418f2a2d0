package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/observability"
)

const (
	publishMaxAttempts = 5
	publishBaseBackoff = 100 * time.Millisecond
	publishMaxBackoff  = 5 * time.Second
)

// RetryPublisher wraps a Publisher with bounded exponential backoff. Transport
// errors are retried; invalid messages fail immediately. Exhaustion surfaces
// as domain.ErrPublishFailure so the caller can release its admission record.
type RetryPublisher struct {
	inner   Publisher
	logger  *zap.Logger
	metrics *observability.Metrics

	maxAttempts int
	randIntn    func(int) int
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRetryPublisher(inner Publisher, logger *zap.Logger) (*RetryPublisher, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryPublisher{
		inner:       inner,
		logger:      logger,
		maxAttempts: publishMaxAttempts,
		randIntn:    rand.Intn,
		sleep:       sleepContext,
	}, nil
}

func (p *RetryPublisher) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

func (p *RetryPublisher) Publish(ctx context.Context, route Route, msg Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.inner.Publish(ctx, route, msg)
		if lastErr == nil {
			return nil
		}

		if attempt == p.maxAttempts {
			break
		}

		delay := p.backoff(attempt)
		p.metrics.IncPublishRetry()
		p.logger.Warn("publish failed, retrying",
			zap.Error(lastErr),
			zap.String("messageId", msg.ID()),
			zap.String("routingKey", route.Key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
		)

		if err := p.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: publish canceled after %d attempts: %w", domain.ErrPublishFailure, attempt, err)
		}
	}

	return fmt.Errorf("%w: %d attempts exhausted: %w", domain.ErrPublishFailure, p.maxAttempts, lastErr)
}

func (p *RetryPublisher) Close() error {
	return p.inner.Close()
}

// backoff doubles from the base per attempt, capped, plus uniform jitter in
// [0, base) to spread synchronized retries.
func (p *RetryPublisher) backoff(attempt int) time.Duration {
	delay := publishBaseBackoff << (attempt - 1)
	if delay > publishMaxBackoff {
		delay = publishMaxBackoff
	}

	jitter := time.Duration(p.randIntn(int(publishBaseBackoff)))
	return delay + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
