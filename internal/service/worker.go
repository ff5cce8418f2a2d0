package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/provider"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/ratelimit"
	"github.com/notifyq/notifyq/internal/repository"
)

const (
	minWorkerConcurrency = 1
	maxDeliveryAttempts  = 5
	baseRetryDelay       = time.Second
	maxRetryDelay        = 60 * time.Second
	maxRetryJitterMillis = 250
)

// WorkerService drains the channel queues: provider sends with bounded
// retries, and quarantine for everything that cannot succeed.
type WorkerService struct {
	consumer    queue.Consumer
	publisher   queue.Publisher
	providers   map[domain.Channel]provider.Provider
	deadLetters repository.DeadLetterRepository
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
	randIntn    func(n int) int
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewWorkerService(
	consumer queue.Consumer,
	publisher queue.Publisher,
	providers map[domain.Channel]provider.Provider,
	deadLetters repository.DeadLetterRepository,
	rateLimiter ratelimit.RateLimiter,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	for channel := range providers {
		if !channel.IsValid() {
			return nil, fmt.Errorf("invalid provider channel %q", channel)
		}
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		publisher:   publisher,
		providers:   providers,
		deadLetters: deadLetters,
		rateLimiter: rateLimiter,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
		randIntn:    rand.Intn,
		sleep:       sleepContext,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start runs consumer loops for every configured channel until context
// cancellation. Concurrency is spread across channels round-robin.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	channels := make([]domain.Channel, 0, len(s.providers))
	for _, channel := range domain.Channels() {
		if _, ok := s.providers[channel]; ok {
			channels = append(channels, channel)
		}
	}
	if len(channels) == 0 {
		return fmt.Errorf("no delivery channels configured")
	}

	// Every channel queue needs at least one consumer or its messages sit
	// unconsumed; extra concurrency is spread round-robin.
	concurrency := s.concurrency
	if concurrency < len(channels) {
		concurrency = len(channels)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		channel := channels[i%len(channels)]
		workerID := i + 1

		queueName, err := queue.ChannelQueueName(channel)
		if err != nil {
			return err
		}

		g.Go(func() error {
			s.logger.Info("delivery worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, func(handlerCtx context.Context, body []byte) error {
				return s.processMessage(handlerCtx, channel, body)
			})
			if err != nil {
				s.logger.Error("delivery worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("delivery worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage handles one channel delivery. Returning nil acks the
// delivery; retries are re-published explicitly with an incremented
// retry_count, so redelivery of the original never multiplies attempts.
func (s *WorkerService) processMessage(ctx context.Context, channel domain.Channel, body []byte) error {
	var msg queue.ChannelMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.quarantine(ctx, queue.ChannelMessage{Channel: channel}, body, "message is not valid JSON", 1)
		return nil
	}
	if msg.Channel == "" {
		msg.Channel = channel
	}
	if err := msg.Validate(); err != nil {
		s.quarantine(ctx, msg, body, fmt.Sprintf("invalid message: %v", err), msg.TotalAttempts())
		return nil
	}

	channelName := strings.ToLower(channel.String())
	if s.metrics != nil {
		s.metrics.IncWorkerInFlight(channelName)
		defer s.metrics.DecWorkerInFlight(channelName)
	}

	if err := s.rateLimiter.Wait(ctx, channelName); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	prov, ok := s.providers[channel]
	if !ok {
		s.quarantine(ctx, msg, body, fmt.Sprintf("no provider for channel %q", channel), msg.TotalAttempts())
		return nil
	}

	sendStart := s.now()
	sendErr := prov.Send(ctx, msg)
	s.metrics.ObserveDeliveryDuration(channelName, s.now().Sub(sendStart))

	if sendErr == nil {
		s.metrics.IncDelivery(channelName, "sent")
		s.logger.Info("notification delivered",
			zap.String("notificationId", msg.NotificationID),
			zap.String("channel", channelName),
			zap.Int("attempt", msg.TotalAttempts()),
		)
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown mid-send: requeue rather than counting the attempt.
		return fmt.Errorf("delivery interrupted: %w", ctx.Err())
	}

	if provider.IsTransient(sendErr) && msg.TotalAttempts() < maxDeliveryAttempts {
		return s.scheduleRetry(ctx, msg, sendErr)
	}

	reason := "permanent_error"
	if provider.IsTransient(sendErr) {
		reason = "retry_exhausted"
	}
	s.metrics.IncDelivery(channelName, "failed")
	s.quarantineErr(ctx, msg, body, sendErr, reason)
	return nil
}

// scheduleRetry waits out the backoff, then re-publishes the message with an
// incremented retry count and acks the original delivery.
func (s *WorkerService) scheduleRetry(ctx context.Context, msg queue.ChannelMessage, sendErr error) error {
	delay := s.computeRetryDelay(msg.TotalAttempts())
	s.logger.Warn("delivery failed, scheduling retry",
		zap.String("notificationId", msg.NotificationID),
		zap.String("channel", msg.Channel.String()),
		zap.Int("attempt", msg.TotalAttempts()),
		zap.Duration("backoff", delay),
		zap.Error(sendErr),
	)

	if err := s.sleep(ctx, delay); err != nil {
		return fmt.Errorf("retry backoff interrupted: %w", err)
	}

	retry := msg
	retry.RetryCount++

	route, err := queue.ChannelRoute(msg.Channel)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, route, retry); err != nil {
		// Requeue the original instead of losing the message.
		return fmt.Errorf("failed to republish retry: %w", err)
	}

	s.metrics.IncDeliveryRetry(msg.Channel.String())
	s.metrics.IncDelivery(strings.ToLower(msg.Channel.String()), "retried")
	return nil
}

func (s *WorkerService) quarantineErr(ctx context.Context, msg queue.ChannelMessage, body []byte, sendErr error, reason string) {
	s.quarantineWith(ctx, msg, body, sendErr.Error(), reason, msg.TotalAttempts())
}

func (s *WorkerService) quarantine(ctx context.Context, msg queue.ChannelMessage, body []byte, failureReason string, attempts int) {
	s.quarantineWith(ctx, msg, body, failureReason, "permanent_error", attempts)
}

// quarantineWith records the dead letter in both stores: the postgres table
// for inspection and the failed queue for broker-side retention. Failures
// here are logged, never bubbled, so the message is not redelivered forever.
func (s *WorkerService) quarantineWith(ctx context.Context, msg queue.ChannelMessage, body []byte, failureReason, reason string, attempts int) {
	now := s.now().UTC()
	notificationID := msg.NotificationID
	if strings.TrimSpace(notificationID) == "" {
		notificationID = "unknown"
	}

	record := &domain.DeadLetterRecord{
		NotificationID: notificationID,
		UserID:         msg.UserID,
		Channel:        msg.Channel,
		Target:         msg.Target,
		Payload:        body,
		FailureReason:  failureReason,
		TotalAttempts:  attempts,
		LastAttemptAt:  now,
	}

	// Quarantine must survive a canceled delivery context.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.deadLetters.Create(storeCtx, record); err != nil {
		s.logger.Error("failed to persist dead letter record",
			zap.String("notificationId", notificationID),
			zap.Error(err),
		)
	}

	deadMsg := queue.DeadLetterMessage{
		NotificationID: notificationID,
		UserID:         msg.UserID,
		Channel:        msg.Channel,
		Target:         msg.Target,
		FailureReason:  failureReason,
		TotalAttempts:  attempts,
		LastAttemptAt:  now,
		OriginalBody:   body,
	}
	if err := s.publisher.Publish(storeCtx, queue.DeadLetterRoute(), deadMsg); err != nil {
		s.logger.Error("failed to publish dead letter message",
			zap.String("notificationId", notificationID),
			zap.Error(err),
		)
	}

	s.metrics.IncDeadLettered(msg.Channel.String(), reason)
	s.logger.Warn("message quarantined",
		zap.String("notificationId", notificationID),
		zap.String("channel", msg.Channel.String()),
		zap.String("reason", reason),
		zap.Int("totalAttempts", attempts),
		zap.String("failure", failureReason),
	)
}

func (s *WorkerService) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if s.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = s.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
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
