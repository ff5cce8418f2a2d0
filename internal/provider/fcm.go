package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/queue"
)

const defaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

// FCMProvider delivers push messages through Firebase Cloud Messaging.
type FCMProvider struct {
	client    *resty.Client
	endpoint  string
	serverKey string
}

func NewFCMProvider(serverKey, endpoint string) (*FCMProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultProviderTimeout)
	client.SetRetryCount(0)

	return NewFCMProviderWithClient(serverKey, endpoint, client)
}

func NewFCMProviderWithClient(serverKey, endpoint string, client *resty.Client) (*FCMProvider, error) {
	if strings.TrimSpace(serverKey) == "" {
		return nil, fmt.Errorf("fcm server key is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultFCMEndpoint
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultProviderTimeout)
	}
	client.SetRetryCount(0)

	return &FCMProvider{
		client:    client,
		endpoint:  endpoint,
		serverKey: serverKey,
	}, nil
}

func (p *FCMProvider) Send(ctx context.Context, msg queue.ChannelMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("provider is not initialized")
	}
	if msg.Channel != domain.ChannelPush {
		return &ProviderError{Message: fmt.Sprintf("fcm cannot deliver channel %q", msg.Channel)}
	}
	if err := msg.Validate(); err != nil {
		return &ProviderError{Message: "invalid channel message", Cause: err}
	}

	title := msg.Title
	if strings.TrimSpace(title) == "" {
		title = msg.Subject
	}
	content := msg.Content
	if strings.TrimSpace(content) == "" {
		content = msg.Body
	}
	if strings.TrimSpace(title) == "" && strings.TrimSpace(content) == "" {
		return &ProviderError{Message: "push message has no content"}
	}

	reqBody := fcmRequest{
		To: msg.Target,
		Notification: fcmNotification{
			Title: title,
			Body:  content,
		},
		Data: msg.Data,
	}

	var result fcmResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "key="+p.serverKey).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&result).
		Post(p.endpoint)
	if err != nil {
		return &ProviderError{
			Message:   "fcm request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return &ProviderError{
			StatusCode: statusCode,
			Message:    providerErrorMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	// FCM reports per-token errors inside a 200 response.
	if result.Failure > 0 {
		reason := "delivery failed"
		if len(result.Results) > 0 && result.Results[0].Error != "" {
			reason = result.Results[0].Error
		}
		return &ProviderError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("fcm rejected message: %s", reason),
			Transient:  isTransientFCMError(reason),
		}
	}

	return nil
}

// isTransientFCMError follows the FCM error taxonomy: availability errors are
// retryable, invalid or stale tokens are not.
func isTransientFCMError(reason string) bool {
	switch reason {
	case "Unavailable", "InternalServerError", "DeviceMessageRateExceeded", "TopicsMessageRateExceeded":
		return true
	}
	return false
}
