package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/notifyq/notifyq/internal/domain"
)

type renderRequest struct {
	TemplateKey string         `json:"template_key"`
	MessageData map[string]any `json:"message_data"`
}

// TemplateClient renders notification content via the template service.
type TemplateClient struct {
	client  *resty.Client
	baseURL string
	secret  string
}

func NewTemplateClient(baseURL, secret string) (*TemplateClient, error) {
	client := resty.New()
	client.SetTimeout(defaultClientTimeout)
	client.SetRetryCount(0)

	return NewTemplateClientWithClient(baseURL, secret, client)
}

func NewTemplateClientWithClient(baseURL, secret string, client *resty.Client) (*TemplateClient, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBase == "" {
		return nil, fmt.Errorf("template service url is required")
	}
	if _, err := url.ParseRequestURI(trimmedBase); err != nil {
		return nil, fmt.Errorf("invalid template service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultClientTimeout)
	}
	client.SetRetryCount(0)

	return &TemplateClient{
		client:  client,
		baseURL: trimmedBase,
		secret:  secret,
	}, nil
}

// Render resolves a template key plus message data into delivery-ready
// content. Unknown keys map to domain.ErrNotFound and bad interpolation data
// to domain.ErrValidation; neither counts as a dependency failure.
func (c *TemplateClient) Render(ctx context.Context, templateKey string, messageData map[string]any) (domain.RenderedContent, error) {
	if c == nil || c.client == nil {
		return domain.RenderedContent{}, fmt.Errorf("template client is not initialized")
	}

	trimmedKey := strings.TrimSpace(templateKey)
	if trimmedKey == "" {
		return domain.RenderedContent{}, fmt.Errorf("%w: template key is required", domain.ErrValidation)
	}

	var content domain.RenderedContent
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader(internalSecretHeader, c.secret).
		SetHeader("Content-Type", "application/json").
		SetBody(renderRequest{TemplateKey: trimmedKey, MessageData: messageData}).
		SetResult(&content).
		Post(c.baseURL + "/v1/templates/render")
	if err != nil {
		return domain.RenderedContent{}, fmt.Errorf("%w: template service request failed: %w", dependencyErr(err), err)
	}

	switch {
	case response.StatusCode() == http.StatusNotFound:
		return domain.RenderedContent{}, fmt.Errorf("%w: template %q", domain.ErrNotFound, trimmedKey)
	case response.StatusCode() == http.StatusBadRequest:
		return domain.RenderedContent{}, fmt.Errorf("%w: template %q rejected message data", domain.ErrValidation, trimmedKey)
	case response.IsError():
		return domain.RenderedContent{}, fmt.Errorf("%w: template service returned status %d", domain.ErrDependencyUnavailable, response.StatusCode())
	}

	if err := content.Validate(); err != nil {
		return domain.RenderedContent{}, fmt.Errorf("%w: template service returned empty content", domain.ErrDependencyUnavailable)
	}

	return content, nil
}
