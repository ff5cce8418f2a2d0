package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/queue"
)

// RouterService consumes admission envelopes and fans them out into one
// channel message per enabled delivery target.
type RouterService struct {
	consumer  queue.Consumer
	publisher queue.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func NewRouterService(
	consumer queue.Consumer,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*RouterService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RouterService{
		consumer:  consumer,
		publisher: publisher,
		logger:    logger,
	}, nil
}

func (s *RouterService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the main queue until context cancellation.
func (s *RouterService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.consumer.Consume(ctx, queue.MainQueueName, s.routeEnvelope)
}

// routeEnvelope is the per-delivery handler. The envelope is acked only after
// every derived channel message is published; a partial failure requeues the
// whole envelope and redelivery may duplicate already-published messages.
func (s *RouterService) routeEnvelope(ctx context.Context, body []byte) error {
	var envelope queue.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: envelope is not valid JSON: %w", queue.ErrReject, err)
	}
	if err := envelope.Validate(); err != nil {
		return fmt.Errorf("%w: invalid envelope: %w", queue.ErrReject, err)
	}

	routed := 0
	skipped := 0
	for _, channel := range domain.Channels() {
		target := envelope.Target(channel)
		if target == "" {
			continue
		}
		if !envelope.UserPreferences.Enabled(channel) {
			skipped++
			continue
		}

		msg := buildChannelMessage(envelope, channel, target)
		route, err := queue.ChannelRoute(channel)
		if err != nil {
			return fmt.Errorf("%w: %w", queue.ErrReject, err)
		}

		if err := s.publisher.Publish(ctx, route, msg); err != nil {
			s.logger.Error("failed to publish channel message, requeueing envelope",
				zap.String("notificationId", envelope.NotificationID),
				zap.String("channel", channel.String()),
				zap.Error(err),
			)
			return fmt.Errorf("failed to publish %s message: %w", channel, err)
		}

		s.metrics.IncFanoutMessage(channel.String())
		routed++
	}

	s.logger.Info("envelope routed",
		zap.String("notificationId", envelope.NotificationID),
		zap.String("requestId", envelope.RequestID),
		zap.Int("routed", routed),
		zap.Int("skipped", skipped),
	)

	return nil
}

// buildChannelMessage projects the envelope onto one channel's payload shape.
func buildChannelMessage(envelope queue.Envelope, channel domain.Channel, target string) queue.ChannelMessage {
	msg := queue.ChannelMessage{
		NotificationID: envelope.NotificationID,
		UserID:         envelope.UserID,
		Channel:        channel,
		Target:         target,
		RetryCount:     0,
		RequestID:      envelope.RequestID,
	}

	content := envelope.RenderedContent
	switch channel {
	case domain.ChannelEmail:
		msg.Subject = content.Subject
		msg.Body = content.Body
		msg.HTMLBody = content.HTMLBody
	case domain.ChannelPush:
		msg.Title = content.Subject
		msg.Content = firstNonEmpty(content.Body, content.HTMLBody)
		msg.Data = map[string]string{
			"notification_id": envelope.NotificationID,
			"template_key":    envelope.Metadata.TemplateKey,
		}
	}

	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
