package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/notifyq/notifyq/internal/breaker"
	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/idempotency"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/queue"
)

func newDependencyBreaker(t *testing.T, name string) *breaker.Breaker {
	t.Helper()

	b, err := breaker.New(breaker.Config{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		CallTimeout:      time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrValidation)
		},
	})
	if err != nil {
		t.Fatalf("breaker.New() error = %v", err)
	}
	return b
}

func testUser() domain.User {
	return domain.User{
		ID:                "u1",
		EmailAddress:      "user@example.com",
		PushToken:         "token-1",
		PreferredLanguage: "en",
		Preferences: domain.Preferences{
			EmailEnabled: true,
			PushEnabled:  true,
		},
	}
}

func testContent() domain.RenderedContent {
	return domain.RenderedContent{
		Subject:  "Welcome",
		Body:     "Hello",
		HTMLBody: "<p>Hello</p>",
	}
}

func testRequest() domain.NotificationRequest {
	return domain.NotificationRequest{
		UserID:         "u1",
		TemplateKey:    "welcome_email",
		MessageData:    map[string]any{"name": "Ada"},
		IdempotencyKey: "idem-1",
		RequestID:      "req-1",
	}
}

type ingressFixture struct {
	service   *IngressService
	guard     *idempotency.MemoryStore
	users     *fakeUserDirectory
	templates *fakeTemplateRenderer
	publisher *fakePublisher
}

func newIngressFixture(t *testing.T) *ingressFixture {
	t.Helper()

	guard := idempotency.NewMemoryStore(idempotency.DefaultTTL)
	users := &fakeUserDirectory{
		getFunc: func(ctx context.Context, userID string) (domain.User, error) {
			return testUser(), nil
		},
	}
	templates := &fakeTemplateRenderer{
		renderFunc: func(ctx context.Context, templateKey string, messageData map[string]any) (domain.RenderedContent, error) {
			return testContent(), nil
		},
	}
	publisher := &fakePublisher{}

	svc, err := NewIngressService(
		guard,
		users,
		templates,
		newDependencyBreaker(t, "user-service"),
		newDependencyBreaker(t, "template-service"),
		publisher,
		nil,
	)
	if err != nil {
		t.Fatalf("NewIngressService() error = %v", err)
	}
	svc.newID = func() string { return "n1" }

	return &ingressFixture{
		service:   svc,
		guard:     guard,
		users:     users,
		templates: templates,
		publisher: publisher,
	}
}

func TestIngressAdmitCorruptedReplayReleasesRecord(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	req := testRequest()

	// A completed record whose payload cannot yield a notification id.
	if _, err := f.guard.Admit(ctx, req.IdempotencyKey); err != nil {
		t.Fatalf("guard.Admit() error = %v", err)
	}
	if err := f.guard.Complete(ctx, req.IdempotencyKey, []byte("{not-json")); err != nil {
		t.Fatalf("guard.Complete() error = %v", err)
	}

	_, err := f.service.Admit(ctx, req)
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("Admit() error = %v, want ErrDependencyUnavailable", err)
	}
	if got := len(f.publisher.messages()); got != 0 {
		t.Fatalf("published %d messages, want 0 for corrupted replay", got)
	}

	// The corrupted record is gone, so the retry executes for real.
	result, err := f.service.Admit(ctx, req)
	if err != nil {
		t.Fatalf("retry Admit() error = %v", err)
	}
	if result.Replayed {
		t.Fatal("retry after release must not be marked replayed")
	}
	if result.NotificationID != "n1" {
		t.Fatalf("notification id = %q, want n1", result.NotificationID)
	}
	if got := len(f.publisher.messages()); got != 1 {
		t.Fatalf("published %d messages, want 1 after retry", got)
	}
}

func TestIngressAdmitLogsRequestID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	f := newIngressFixture(t)
	f.service.logger = zap.New(core)

	ctx := observability.WithRequestID(context.Background(), "req-1")
	if _, err := f.service.Admit(ctx, testRequest()); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	entries := logs.FilterMessage("notification admitted").All()
	if len(entries) != 1 {
		t.Fatalf("admitted log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["requestId"]; got != "req-1" {
		t.Fatalf("requestId field = %v, want req-1", got)
	}
}

func TestIngressAdmitSuccess(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)

	result, err := f.service.Admit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	if result.NotificationID != "n1" {
		t.Fatalf("notification id = %q, want n1", result.NotificationID)
	}
	if result.RequestID != "req-1" {
		t.Fatalf("request id = %q, want req-1", result.RequestID)
	}
	if result.Replayed {
		t.Fatal("fresh admission must not be marked replayed")
	}

	published := f.publisher.messages()
	if len(published) != 1 {
		t.Fatalf("published %d messages, want 1", len(published))
	}
	if published[0].Route != queue.MainQueueRoute() {
		t.Fatalf("route = %+v, want main queue", published[0].Route)
	}

	envelope, ok := published[0].Msg.(queue.Envelope)
	if !ok {
		t.Fatalf("message type = %T, want Envelope", published[0].Msg)
	}
	if envelope.UserID != "u1" {
		t.Fatalf("envelope user = %q", envelope.UserID)
	}
	if envelope.DeliveryTargets["email"] != "user@example.com" {
		t.Fatalf("email target = %q", envelope.DeliveryTargets["email"])
	}
	if envelope.DeliveryTargets["push"] != "token-1" {
		t.Fatalf("push target = %q", envelope.DeliveryTargets["push"])
	}
	if envelope.RenderedContent != testContent() {
		t.Fatalf("rendered content = %+v", envelope.RenderedContent)
	}
	if envelope.Metadata.TemplateKey != "welcome_email" || envelope.Metadata.Language != "en" {
		t.Fatalf("metadata = %+v", envelope.Metadata)
	}
}

func TestIngressAdmitIdempotentReplay(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)

	first, err := f.service.Admit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}

	second, err := f.service.Admit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("second Admit() error = %v", err)
	}

	if !second.Replayed {
		t.Fatal("second admission should be a replay")
	}
	if second.NotificationID != first.NotificationID {
		t.Fatalf("replayed id = %q, want %q", second.NotificationID, first.NotificationID)
	}
	if got := len(f.publisher.messages()); got != 1 {
		t.Fatalf("published %d messages, want 1 (no side effects on replay)", got)
	}
	if f.users.calls != 1 {
		t.Fatalf("user lookups = %d, want 1", f.users.calls)
	}
}

func TestIngressAdmitDuplicateInFlight(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)

	// Simulate an admission still in flight by claiming the key directly.
	if _, err := f.guard.Admit(context.Background(), "idem-1"); err != nil {
		t.Fatalf("guard.Admit() error = %v", err)
	}

	_, err := f.service.Admit(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrDuplicateInFlight) {
		t.Fatalf("Admit() error = %v, want ErrDuplicateInFlight", err)
	}
	if got := len(f.publisher.messages()); got != 0 {
		t.Fatalf("published %d messages, want 0", got)
	}
}

func TestIngressAdmitValidationBeforeSideEffects(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)

	req := testRequest()
	req.UserID = ""

	_, err := f.service.Admit(context.Background(), req)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Admit() error = %v, want ErrValidation", err)
	}
	if f.users.calls != 0 {
		t.Fatal("validation failure must not reach the user service")
	}

	// The key must remain unclaimed.
	decision, err := f.guard.Admit(context.Background(), "idem-1")
	if err != nil {
		t.Fatalf("guard.Admit() error = %v", err)
	}
	if decision.Outcome != idempotency.Proceed {
		t.Fatalf("guard outcome = %v, want Proceed", decision.Outcome)
	}
}

func TestIngressAdmitUnknownUser(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	f.users.getFunc = func(ctx context.Context, userID string) (domain.User, error) {
		return domain.User{}, fmt.Errorf("%w: user %q", domain.ErrNotFound, userID)
	}

	_, err := f.service.Admit(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Admit() error = %v, want ErrNotFound", err)
	}
	if f.templates.calls != 0 {
		t.Fatal("unknown user must not reach the template service")
	}

	// The record was released: a retry with the same key proceeds.
	f.users.getFunc = func(ctx context.Context, userID string) (domain.User, error) {
		return testUser(), nil
	}
	result, err := f.service.Admit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("retry Admit() error = %v", err)
	}
	if result.Replayed {
		t.Fatal("retry after release should be a fresh admission")
	}
}

func TestIngressAdmitDependencyFailureReleasesRecord(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	f.users.getFunc = func(ctx context.Context, userID string) (domain.User, error) {
		return domain.User{}, fmt.Errorf("%w: user service is unreachable", domain.ErrDependencyUnavailable)
	}

	_, err := f.service.Admit(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("Admit() error = %v, want ErrDependencyUnavailable", err)
	}

	decision, err := f.guard.Admit(context.Background(), "idem-1")
	if err != nil {
		t.Fatalf("guard.Admit() error = %v", err)
	}
	if decision.Outcome != idempotency.Proceed {
		t.Fatalf("guard outcome after failure = %v, want Proceed (record released)", decision.Outcome)
	}
}

func TestIngressAdmitPublishFailureReleasesRecord(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	f.publisher.publishFunc = func(ctx context.Context, route queue.Route, msg queue.Message) error {
		return fmt.Errorf("%w: broker unavailable", domain.ErrPublishFailure)
	}

	_, err := f.service.Admit(context.Background(), testRequest())
	if !errors.Is(err, domain.ErrPublishFailure) {
		t.Fatalf("Admit() error = %v, want ErrPublishFailure", err)
	}

	decision, err := f.guard.Admit(context.Background(), "idem-1")
	if err != nil {
		t.Fatalf("guard.Admit() error = %v", err)
	}
	if decision.Outcome != idempotency.Proceed {
		t.Fatalf("guard outcome after publish failure = %v, want Proceed", decision.Outcome)
	}
}

func TestIngressAdmitBreakerOpenShortCircuits(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	f.users.getFunc = func(ctx context.Context, userID string) (domain.User, error) {
		return domain.User{}, errors.New("connection refused")
	}

	for i := 0; i < 5; i++ {
		req := testRequest()
		req.IdempotencyKey = fmt.Sprintf("idem-%d", i)
		if _, err := f.service.Admit(context.Background(), req); err == nil {
			t.Fatal("expected failure while tripping the breaker")
		}
	}

	callsBefore := f.users.calls
	req := testRequest()
	req.IdempotencyKey = "idem-final"

	_, err := f.service.Admit(context.Background(), req)
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("Admit() error = %v, want ErrDependencyUnavailable", err)
	}
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("Admit() error = %v, want wrapped ErrOpen", err)
	}
	if f.users.calls != callsBefore {
		t.Fatal("open breaker must not touch the user service")
	}
}

func TestIngressAdmitPreferenceFiltering(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	f.users.getFunc = func(ctx context.Context, userID string) (domain.User, error) {
		user := testUser()
		user.Preferences.PushEnabled = false
		return user, nil
	}

	_, err := f.service.Admit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	envelope := f.publisher.messages()[0].Msg.(queue.Envelope)
	if _, ok := envelope.DeliveryTargets["push"]; ok {
		t.Fatal("opted-out push channel must be dropped from delivery targets")
	}
	if envelope.DeliveryTargets["email"] != "user@example.com" {
		t.Fatalf("email target = %q", envelope.DeliveryTargets["email"])
	}
}

func TestIngressAdmitZeroTargetsStillPublishes(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	f.users.getFunc = func(ctx context.Context, userID string) (domain.User, error) {
		user := testUser()
		user.Preferences = domain.Preferences{}
		return user, nil
	}

	result, err := f.service.Admit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if result.NotificationID == "" {
		t.Fatal("expected a notification id")
	}

	envelope := f.publisher.messages()[0].Msg.(queue.Envelope)
	if len(envelope.DeliveryTargets) != 0 {
		t.Fatalf("delivery targets = %v, want empty", envelope.DeliveryTargets)
	}
}

func TestIngressAdmitWithoutIdempotencyKey(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)

	req := testRequest()
	req.IdempotencyKey = ""

	first, err := f.service.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	second, err := f.service.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("second Admit() error = %v", err)
	}

	// Without a key there is no duplicate suppression.
	if second.Replayed {
		t.Fatal("keyless admissions must not replay")
	}
	if first.NotificationID == second.NotificationID && len(f.publisher.messages()) != 2 {
		t.Fatalf("published %d messages, want 2", len(f.publisher.messages()))
	}
}
