package domain

import (
	"fmt"
	"strings"
	"time"
)

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelPush:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Channels returns the supported delivery channels in fan-out order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelPush}
}

// NotificationRequest is the immutable admission input. RequestID is generated
// at the edge when the client does not supply one; the struct is never mutated
// after admission.
type NotificationRequest struct {
	UserID         string
	TemplateKey    string
	MessageData    map[string]any
	IdempotencyKey string
	RequestID      string
}

func (r NotificationRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if strings.TrimSpace(r.TemplateKey) == "" {
		return fmt.Errorf("%w: template_key is required", ErrValidation)
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: request id is required", ErrValidation)
	}
	return nil
}

// Preferences holds the per-channel opt-in flags resolved from the user service.
type Preferences struct {
	EmailEnabled bool `json:"email_enabled"`
	PushEnabled  bool `json:"push_enabled"`
}

// Enabled reports whether the user accepts deliveries on the given channel.
func (p Preferences) Enabled(channel Channel) bool {
	switch channel {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelPush:
		return p.PushEnabled
	}
	return false
}

// User is the user-service view the pipeline needs: delivery targets and
// preferences, nothing more.
type User struct {
	ID                string      `json:"user_id"`
	EmailAddress      string      `json:"email_address"`
	PushToken         string      `json:"push_token"`
	PreferredLanguage string      `json:"preferred_language"`
	Preferences       Preferences `json:"preferences"`
}

// Target returns the delivery address for a channel, or "" if the user has none.
func (u User) Target(channel Channel) string {
	switch channel {
	case ChannelEmail:
		return u.EmailAddress
	case ChannelPush:
		return u.PushToken
	}
	return ""
}

// RenderedContent is the template-service render output, resolved per request.
type RenderedContent struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	HTMLBody string `json:"html_body"`
}

func (c RenderedContent) Validate() error {
	if strings.TrimSpace(c.Body) == "" && strings.TrimSpace(c.HTMLBody) == "" {
		return fmt.Errorf("%w: rendered content has no body", ErrValidation)
	}
	return nil
}

// DeadLetterRecord quarantines a channel message that failed permanently or
// exhausted its retries. Retained for manual inspection, bounded by TTL and
// row count at the store level.
type DeadLetterRecord struct {
	ID             string
	NotificationID string
	UserID         string
	Channel        Channel
	Target         string
	Payload        []byte
	FailureReason  string
	TotalAttempts  int
	LastAttemptAt  time.Time
	CreatedAt      time.Time
}

func (r *DeadLetterRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: dead letter record is required", ErrValidation)
	}
	if strings.TrimSpace(r.NotificationID) == "" {
		return fmt.Errorf("%w: notification id is required", ErrValidation)
	}
	if !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if strings.TrimSpace(r.FailureReason) == "" {
		return fmt.Errorf("%w: failure reason is required", ErrValidation)
	}
	return nil
}
