package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/notifyq/notifyq/internal/domain"
)

// Envelope is the admission payload published to the main queue. It carries
// everything the router needs so downstream stages never call the user or
// template services again.
type Envelope struct {
	NotificationID  string                 `json:"notification_id"`
	RequestID       string                 `json:"request_id,omitempty"`
	UserID          string                 `json:"user_id"`
	DeliveryTargets map[string]string      `json:"delivery_targets"`
	UserPreferences domain.Preferences     `json:"user_preferences"`
	RenderedContent domain.RenderedContent `json:"rendered_content"`
	Metadata        EnvelopeMetadata       `json:"metadata"`
	CreatedAt       time.Time              `json:"created_at"`
}

// EnvelopeMetadata carries provenance fields that are logged but never routed on.
type EnvelopeMetadata struct {
	TemplateKey string `json:"template_key"`
	Language    string `json:"language,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

func (e Envelope) ID() string { return e.NotificationID }

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notification_id is required")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	for raw := range e.DeliveryTargets {
		if _, err := domain.ParseChannelFromString(raw); err != nil {
			return fmt.Errorf("invalid delivery target channel %q", raw)
		}
	}
	return nil
}

// Target returns the delivery address for a channel, or "" when absent.
func (e Envelope) Target(channel domain.Channel) string {
	for raw, target := range e.DeliveryTargets {
		if parsed, err := domain.ParseChannelFromString(raw); err == nil && parsed == channel {
			return target
		}
	}
	return ""
}

// ChannelMessage is one unit of delivery work on a channel queue. RetryCount
// counts completed attempts, so a fresh message carries 0 and its first
// delivery is attempt 1.
type ChannelMessage struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Channel        domain.Channel    `json:"channel"`
	Target         string            `json:"target"`
	RetryCount     int               `json:"retry_count"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body,omitempty"`
	HTMLBody       string            `json:"html_body,omitempty"`
	Title          string            `json:"title,omitempty"`
	Content        string            `json:"content,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
}

func (m ChannelMessage) ID() string { return m.NotificationID }

func (m ChannelMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notification_id is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if strings.TrimSpace(m.Target) == "" {
		return fmt.Errorf("delivery target is required")
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative")
	}
	return nil
}

// TotalAttempts is the number of delivery attempts including the current one.
func (m ChannelMessage) TotalAttempts() int {
	return m.RetryCount + 1
}

// DeadLetterMessage mirrors the quarantined payload published to the failed
// queue alongside the database record.
type DeadLetterMessage struct {
	NotificationID string         `json:"notification_id"`
	UserID         string         `json:"user_id"`
	Channel        domain.Channel `json:"channel"`
	Target         string         `json:"target,omitempty"`
	FailureReason  string         `json:"failure_reason"`
	TotalAttempts  int            `json:"total_attempts"`
	LastAttemptAt  time.Time      `json:"last_attempt_at"`
	OriginalBody   []byte         `json:"original_body,omitempty"`
}

func (m DeadLetterMessage) ID() string { return m.NotificationID }

func (m DeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notification_id is required")
	}
	if strings.TrimSpace(m.FailureReason) == "" {
		return fmt.Errorf("failure_reason is required")
	}
	return nil
}
