package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/queue"
)

const (
	defaultSendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"
	defaultProviderTimeout  = 10 * time.Second
)

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// SendGridProvider delivers email messages through the SendGrid v3 API.
type SendGridProvider struct {
	client    *resty.Client
	endpoint  string
	apiKey    string
	fromEmail string
}

func NewSendGridProvider(apiKey, fromEmail string) (*SendGridProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultProviderTimeout)
	client.SetRetryCount(0)

	return NewSendGridProviderWithClient(apiKey, fromEmail, defaultSendGridEndpoint, client)
}

func NewSendGridProviderWithClient(apiKey, fromEmail, endpoint string, client *resty.Client) (*SendGridProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if strings.TrimSpace(fromEmail) == "" {
		return nil, fmt.Errorf("from email is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultSendGridEndpoint
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultProviderTimeout)
	}
	client.SetRetryCount(0)

	return &SendGridProvider{
		client:    client,
		endpoint:  endpoint,
		apiKey:    apiKey,
		fromEmail: fromEmail,
	}, nil
}

func (p *SendGridProvider) Send(ctx context.Context, msg queue.ChannelMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("provider is not initialized")
	}
	if msg.Channel != domain.ChannelEmail {
		return &ProviderError{Message: fmt.Sprintf("sendgrid cannot deliver channel %q", msg.Channel)}
	}
	if err := msg.Validate(); err != nil {
		return &ProviderError{Message: "invalid channel message", Cause: err}
	}

	body := msg.Body
	htmlBody := msg.HTMLBody
	if strings.TrimSpace(body) == "" && strings.TrimSpace(htmlBody) == "" {
		return &ProviderError{Message: "email message has no content"}
	}
	if strings.TrimSpace(htmlBody) == "" {
		htmlBody = body
	}
	if strings.TrimSpace(body) == "" {
		body = htmlBody
	}

	reqBody := sendGridRequest{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: msg.Target}}},
		},
		From:    sendGridAddress{Email: p.fromEmail},
		Subject: msg.Subject,
		Content: []sendGridContent{
			{Type: "text/plain", Value: body},
			{Type: "text/html", Value: htmlBody},
		},
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		return &ProviderError{
			Message:   "sendgrid request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}
