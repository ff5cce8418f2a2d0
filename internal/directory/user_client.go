// Package directory holds the clients for the collaborator services the
// admission flow consults: the user service for delivery targets and
// preferences, and the template service for rendered content.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/notifyq/notifyq/internal/domain"
)

const (
	defaultClientTimeout = 5 * time.Second

	// internalSecretHeader authenticates service-to-service calls.
	internalSecretHeader = "X-Internal-Secret"
)

// UserClient resolves users from the user service.
type UserClient struct {
	client  *resty.Client
	baseURL string
	secret  string
}

func NewUserClient(baseURL, secret string) (*UserClient, error) {
	client := resty.New()
	client.SetTimeout(defaultClientTimeout)
	client.SetRetryCount(0)

	return NewUserClientWithClient(baseURL, secret, client)
}

func NewUserClientWithClient(baseURL, secret string, client *resty.Client) (*UserClient, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBase == "" {
		return nil, fmt.Errorf("user service url is required")
	}
	if _, err := url.ParseRequestURI(trimmedBase); err != nil {
		return nil, fmt.Errorf("invalid user service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultClientTimeout)
	}
	client.SetRetryCount(0)

	return &UserClient{
		client:  client,
		baseURL: trimmedBase,
		secret:  secret,
	}, nil
}

// Get fetches one user by id. Unknown users surface as domain.ErrNotFound;
// transport failures and 5xx responses as domain.ErrDependencyUnavailable so
// the caller's breaker can count them.
func (c *UserClient) Get(ctx context.Context, userID string) (domain.User, error) {
	if c == nil || c.client == nil {
		return domain.User{}, fmt.Errorf("user client is not initialized")
	}

	trimmedID := strings.TrimSpace(userID)
	if trimmedID == "" {
		return domain.User{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	var user domain.User
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader(internalSecretHeader, c.secret).
		SetResult(&user).
		Get(fmt.Sprintf("%s/v1/users/%s", c.baseURL, url.PathEscape(trimmedID)))
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: user service request failed: %w", dependencyErr(err), err)
	}

	switch {
	case response.StatusCode() == http.StatusNotFound:
		return domain.User{}, fmt.Errorf("%w: user %q", domain.ErrNotFound, trimmedID)
	case response.IsError():
		return domain.User{}, fmt.Errorf("%w: user service returned status %d", domain.ErrDependencyUnavailable, response.StatusCode())
	}

	if strings.TrimSpace(user.ID) == "" {
		user.ID = trimmedID
	}

	return user, nil
}

// dependencyErr keeps canceled contexts out of the dependency-failure bucket
// so a client hangup does not count against the breaker.
func dependencyErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return domain.ErrDependencyUnavailable
}
