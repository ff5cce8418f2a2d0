package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/ratelimit"
	"github.com/notifyq/notifyq/internal/repository"
	"github.com/notifyq/notifyq/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	headerIdempotencyKey = "X-Idempotency-Key"

	admissionRateScope = "ingress"
)

// IngressService admits one notification request into the pipeline.
type IngressService interface {
	Admit(ctx context.Context, req domain.NotificationRequest) (*service.AdmitResult, error)
}

// DeadLetterLister exposes the quarantine table for inspection.
type DeadLetterLister interface {
	List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterRecord, int64, error)
}

type NotificationHandler struct {
	ingress     IngressService
	deadLetters DeadLetterLister
	limiter     ratelimit.RateLimiter
	newID       func() string
}

func NewNotificationHandler(
	ingress IngressService,
	deadLetters DeadLetterLister,
	limiter ratelimit.RateLimiter,
) (*NotificationHandler, error) {
	if ingress == nil {
		return nil, fmt.Errorf("ingress service is required")
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter lister is required")
	}

	return &NotificationHandler{
		ingress:     ingress,
		deadLetters: deadLetters,
		limiter:     limiter,
		newID:       uuid.NewString,
	}, nil
}

func RegisterNotificationRoutes(
	router fiber.Router,
	ingress IngressService,
	deadLetters DeadLetterLister,
	limiter ratelimit.RateLimiter,
) error {
	h, err := NewNotificationHandler(ingress, deadLetters, limiter)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/dead-letters", h.ListDeadLetters)

	return nil
}

type createNotificationRequest struct {
	UserID      string         `json:"user_id"`
	TemplateKey string         `json:"template_key"`
	MessageData map[string]any `json:"message_data"`
}

type admitResponse struct {
	NotificationID string `json:"notification_id"`
	RequestID      string `json:"request_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type deadLetterItem struct {
	ID             string `json:"id"`
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id,omitempty"`
	Channel        string `json:"channel"`
	Target         string `json:"target,omitempty"`
	FailureReason  string `json:"failure_reason"`
	TotalAttempts  int    `json:"total_attempts"`
	LastAttemptAt  string `json:"last_attempt_at"`
	CreatedAt      string `json:"created_at"`
}

type deadLetterListResponse struct {
	Items []deadLetterItem `json:"items"`
	Meta  listMeta         `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	requestID := h.requestID(c)
	ctx := observability.WithRequestID(c.UserContext(), requestID)

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, admissionRateScope)
		// A broken limiter fails open so delivery does not depend on it.
		if err == nil && !allowed {
			return toHTTPError(fmt.Errorf("%w: too many requests", domain.ErrRateLimited))
		}
	}

	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.ingress.Admit(ctx, domain.NotificationRequest{
		UserID:         strings.TrimSpace(req.UserID),
		TemplateKey:    strings.TrimSpace(req.TemplateKey),
		MessageData:    req.MessageData,
		IdempotencyKey: strings.TrimSpace(c.Get(headerIdempotencyKey)),
		RequestID:      requestID,
	})
	if err != nil {
		return toHTTPError(err)
	}

	data := admitResponse{
		NotificationID: result.NotificationID,
		RequestID:      result.RequestID,
		IdempotencyKey: result.IdempotencyKey,
	}

	if result.Replayed {
		return respond(c, fiber.StatusOK, data, "notification previously accepted")
	}
	return respond(c, fiber.StatusAccepted, data, "notification queued")
}

func (h *NotificationHandler) ListDeadLetters(c *fiber.Ctx) error {
	params, err := parseDeadLetterParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	records, total, err := h.deadLetters.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]deadLetterItem, 0, len(records))
	for _, record := range records {
		items = append(items, toDeadLetterItem(record))
	}

	return respond(c, fiber.StatusOK, deadLetterListResponse{
		Items: items,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	}, "")
}

func parseDeadLetterParams(c *fiber.Ctx) (repository.DeadLetterListParams, error) {
	params := repository.DeadLetterListParams{
		Page:           c.QueryInt("page", defaultPage),
		PageSize:       c.QueryInt("pageSize", defaultPageSize),
		NotificationID: strings.TrimSpace(c.Query("notificationId")),
	}

	if params.Page < 1 {
		return repository.DeadLetterListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.DeadLetterListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.DeadLetterListParams{}, err
		}
		params.Channel = &channel
	}

	return params, nil
}

func (h *NotificationHandler) requestID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return h.newID()
}

func toDeadLetterItem(record domain.DeadLetterRecord) deadLetterItem {
	return deadLetterItem{
		ID:             record.ID,
		NotificationID: record.NotificationID,
		UserID:         record.UserID,
		Channel:        record.Channel.String(),
		Target:         record.Target,
		FailureReason:  record.FailureReason,
		TotalAttempts:  record.TotalAttempts,
		LastAttemptAt:  record.LastAttemptAt.UTC().Format(time.RFC3339),
		CreatedAt:      record.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateInFlight):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrDependencyUnavailable), errors.Is(err, domain.ErrPublishFailure):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
