package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyq/notifyq/internal/breaker"
	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/idempotency"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/queue"
)

// UserDirectory resolves delivery targets and preferences for a user.
type UserDirectory interface {
	Get(ctx context.Context, userID string) (domain.User, error)
}

// TemplateRenderer resolves a template key and message data into content.
type TemplateRenderer interface {
	Render(ctx context.Context, templateKey string, messageData map[string]any) (domain.RenderedContent, error)
}

// AdmitResult is the admission outcome returned to the HTTP edge and cached
// for idempotent replays.
type AdmitResult struct {
	NotificationID string `json:"notification_id"`
	RequestID      string `json:"request_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Replayed       bool   `json:"-"`
}

// IngressService coordinates admission: duplicate suppression, collaborator
// lookups behind their breakers, envelope assembly, and the durable publish.
type IngressService struct {
	guard           idempotency.Store
	users           UserDirectory
	templates       TemplateRenderer
	userBreaker     *breaker.Breaker
	templateBreaker *breaker.Breaker
	publisher       queue.Publisher
	logger          *zap.Logger
	metrics         *observability.Metrics
	now             func() time.Time
	newID           func() string
}

func NewIngressService(
	guard idempotency.Store,
	users UserDirectory,
	templates TemplateRenderer,
	userBreaker *breaker.Breaker,
	templateBreaker *breaker.Breaker,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*IngressService, error) {
	if guard == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("template renderer is required")
	}
	if userBreaker == nil || templateBreaker == nil {
		return nil, fmt.Errorf("dependency breakers are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IngressService{
		guard:           guard,
		users:           users,
		templates:       templates,
		userBreaker:     userBreaker,
		templateBreaker: templateBreaker,
		publisher:       publisher,
		logger:          logger,
		now:             time.Now,
		newID:           uuid.NewString,
	}, nil
}

func (s *IngressService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Admit runs the full admission flow for one request. Validation happens
// before any side effect; every failure after the idempotency record is
// claimed releases it so the client can retry with the same key.
func (s *IngressService) Admit(ctx context.Context, req domain.NotificationRequest) (*AdmitResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := req.Validate(); err != nil {
		s.metrics.IncAdmission("validation_failed")
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	guarded := key != ""

	if guarded {
		decision, err := s.guard.Admit(ctx, key)
		if err != nil {
			s.metrics.IncAdmission("guard_error")
			return nil, fmt.Errorf("%w: idempotency store unavailable: %w", domain.ErrDependencyUnavailable, err)
		}

		switch decision.Outcome {
		case idempotency.ReturnCached:
			result := &AdmitResult{}
			decodeErr := json.Unmarshal(decision.Response, result)
			if decodeErr != nil || strings.TrimSpace(result.NotificationID) == "" {
				// A completed record that cannot be replayed is useless; drop
				// it so a retry with the same key re-executes cleanly.
				s.logger.Warn("cached admission response is corrupted, releasing",
					zap.String("idempotencyKey", key),
					zap.Error(decodeErr),
				)
				s.releaseGuard(ctx, key)
				s.metrics.IncAdmission("guard_error")
				return nil, fmt.Errorf("%w: cached admission response is corrupted", domain.ErrDependencyUnavailable)
			}
			result.Replayed = true
			result.IdempotencyKey = key
			s.metrics.IncAdmission("replayed")
			return result, nil
		case idempotency.Conflict:
			s.metrics.IncAdmission("conflict")
			return nil, fmt.Errorf("%w: idempotency key %q", domain.ErrDuplicateInFlight, key)
		}
	}

	result, err := s.execute(ctx, req)
	if err != nil {
		if guarded {
			s.releaseGuard(ctx, key)
		}
		s.metrics.IncAdmission(admissionFailureLabel(err))
		return nil, err
	}
	result.IdempotencyKey = key

	if guarded {
		s.completeGuard(ctx, key, result)
	}

	s.metrics.IncAdmission("accepted")
	return result, nil
}

// execute performs the side-effecting part of admission: collaborator lookups
// and the envelope publish.
func (s *IngressService) execute(ctx context.Context, req domain.NotificationRequest) (*AdmitResult, error) {
	logger := observability.WithContextLogger(s.logger, ctx)

	var user domain.User
	err := s.userBreaker.Do(ctx, func(callCtx context.Context) error {
		var getErr error
		user, getErr = s.users.Get(callCtx, req.UserID)
		return getErr
	})
	if err != nil {
		return nil, mapBreakerErr(err, "user service")
	}

	var content domain.RenderedContent
	err = s.templateBreaker.Do(ctx, func(callCtx context.Context) error {
		var renderErr error
		content, renderErr = s.templates.Render(callCtx, req.TemplateKey, req.MessageData)
		return renderErr
	})
	if err != nil {
		return nil, mapBreakerErr(err, "template service")
	}

	envelope := s.buildEnvelope(req, user, content)

	if err := s.publisher.Publish(ctx, queue.MainQueueRoute(), envelope); err != nil {
		logger.Error("failed to publish admission envelope",
			zap.String("notificationId", envelope.NotificationID),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrPublishFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrPublishFailure, err)
	}

	s.metrics.IncEnvelopePublished()
	logger.Info("notification admitted",
		zap.String("notificationId", envelope.NotificationID),
		zap.String("userId", req.UserID),
		zap.Int("deliveryTargets", len(envelope.DeliveryTargets)),
	)

	return &AdmitResult{
		NotificationID: envelope.NotificationID,
		RequestID:      req.RequestID,
	}, nil
}

// buildEnvelope assembles the routed payload. Targets are filtered by the
// user's channel preferences here so downstream stages never re-check them;
// an envelope can legitimately end up with zero targets.
func (s *IngressService) buildEnvelope(req domain.NotificationRequest, user domain.User, content domain.RenderedContent) queue.Envelope {
	targets := make(map[string]string)
	for _, channel := range domain.Channels() {
		if !user.Preferences.Enabled(channel) {
			continue
		}
		if target := strings.TrimSpace(user.Target(channel)); target != "" {
			targets[strings.ToLower(channel.String())] = target
		}
	}

	return queue.Envelope{
		NotificationID:  s.newID(),
		RequestID:       req.RequestID,
		UserID:          user.ID,
		DeliveryTargets: targets,
		UserPreferences: user.Preferences,
		RenderedContent: content,
		Metadata: queue.EnvelopeMetadata{
			TemplateKey: req.TemplateKey,
			Language:    user.PreferredLanguage,
			RequestID:   req.RequestID,
		},
		CreatedAt: s.now().UTC(),
	}
}

func (s *IngressService) completeGuard(ctx context.Context, key string, result *AdmitResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to marshal admission result for caching", zap.Error(err))
		return
	}

	if err := s.guard.Complete(ctx, key, payload); err != nil {
		// A stuck in_progress record would block replays until the TTL, so
		// drop the record rather than leave it dangling.
		s.logger.Warn("failed to complete idempotency record, releasing",
			zap.String("idempotencyKey", key),
			zap.Error(err),
		)
		s.releaseGuard(ctx, key)
	}
}

func (s *IngressService) releaseGuard(ctx context.Context, key string) {
	// Release must survive a canceled request context.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.guard.Release(releaseCtx, key); err != nil {
		s.logger.Warn("failed to release idempotency record",
			zap.String("idempotencyKey", key),
			zap.Error(err),
		)
	}
}

func mapBreakerErr(err error, dependency string) error {
	if errors.Is(err, breaker.ErrOpen) {
		return fmt.Errorf("%w: %s: %w", domain.ErrDependencyUnavailable, dependency, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrDependencyUnavailable, dependency, err)
	}
	return err
}

func admissionFailureLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation_failed"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrPublishFailure):
		return "publish_failed"
	case errors.Is(err, domain.ErrDependencyUnavailable):
		return "dependency_unavailable"
	}
	return "error"
}
