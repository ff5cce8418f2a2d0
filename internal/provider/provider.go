package provider

import (
	"context"

	"github.com/notifyq/notifyq/internal/queue"
)

// Provider is the outbound delivery port for one channel. Implementations do
// not retry; the worker owns the retry and dead-letter policy.
type Provider interface {
	Send(ctx context.Context, msg queue.ChannelMessage) error
}
