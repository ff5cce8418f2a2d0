package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/notifyq/notifyq/internal/domain"
)

const (
	mainExchangeName = "notifications.direct"
	dlxExchangeName  = "notifications.dlx"

	// MainQueueName receives admission envelopes awaiting fan-out.
	MainQueueName = "notifications"

	// DeadLetterQueueName quarantines messages that failed permanently.
	DeadLetterQueueName = "failed.queue"

	routingKeyEmail = "notify.email"
	routingKeyPush  = "notify.push"
)

const (
	// deadLetterTTLMillis keeps quarantined messages for 24 hours.
	deadLetterTTLMillis = 86_400_000
	// deadLetterMaxLength caps the quarantine backlog.
	deadLetterMaxLength = 10_000
)

// ErrReject tells the consumer to drop the delivery without requeueing, which
// routes it to the dead-letter exchange. Handlers return it for payloads that
// can never succeed.
var ErrReject = errors.New("message rejected")

// Route addresses a publish: which exchange and routing key to use. The zero
// exchange means the broker default exchange (direct-to-queue publishing).
type Route struct {
	Exchange string
	Key      string
}

// MainQueueRoute publishes directly to the admission queue.
func MainQueueRoute() Route {
	return Route{Exchange: "", Key: MainQueueName}
}

// ChannelRoute publishes through the main exchange to a channel work queue.
func ChannelRoute(channel domain.Channel) (Route, error) {
	switch channel {
	case domain.ChannelEmail:
		return Route{Exchange: mainExchangeName, Key: routingKeyEmail}, nil
	case domain.ChannelPush:
		return Route{Exchange: mainExchangeName, Key: routingKeyPush}, nil
	}
	return Route{}, fmt.Errorf("%w: no route for channel %q", domain.ErrValidation, channel)
}

// DeadLetterRoute publishes through the dead-letter exchange. The exchange is
// fanout so the key is informational only.
func DeadLetterRoute() Route {
	return Route{Exchange: dlxExchangeName, Key: DeadLetterQueueName}
}

// ChannelQueueName returns the work queue consumed for a channel, e.g. email.queue.
func ChannelQueueName(channel domain.Channel) (string, error) {
	switch channel {
	case domain.ChannelEmail:
		return "email.queue", nil
	case domain.ChannelPush:
		return "push.queue", nil
	}
	return "", fmt.Errorf("%w: no queue for channel %q", domain.ErrValidation, channel)
}

// Message is any broker payload the publisher accepts.
type Message interface {
	Validate() error
	// ID is stamped as the AMQP message id for tracing.
	ID() string
}

// Publisher publishes pipeline messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, route Route, msg Message) error
	Close() error
}

// MessageHandler handles one consumed delivery. Returning ErrReject drops the
// message to the dead-letter exchange; any other error requeues it; nil acks.
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer runs a consume loop on a queue until the context is canceled.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}
