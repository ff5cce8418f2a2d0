package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/queue"
)

func emailMessage() queue.ChannelMessage {
	return queue.ChannelMessage{
		NotificationID: "n1",
		UserID:         "u1",
		Channel:        domain.ChannelEmail,
		Target:         "user@example.com",
		Subject:        "Welcome",
		Body:           "Hello",
		HTMLBody:       "<p>Hello</p>",
	}
}

func pushMessage() queue.ChannelMessage {
	return queue.ChannelMessage{
		NotificationID: "n1",
		UserID:         "u1",
		Channel:        domain.ChannelPush,
		Target:         "token-1",
		Title:          "Welcome",
		Content:        "Hello",
		Data:           map[string]string{"k": "v"},
	}
}

func TestSendGridProviderSendSuccess(t *testing.T) {
	t.Parallel()

	var gotBody sendGridRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sg-key" {
			t.Errorf("authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	p, err := NewSendGridProvider("sg-key", "noreply@notifyq.dev")
	if err != nil {
		t.Fatalf("NewSendGridProvider() error = %v", err)
	}
	p.endpoint = server.URL

	if err := p.Send(context.Background(), emailMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(gotBody.Personalizations) != 1 || gotBody.Personalizations[0].To[0].Email != "user@example.com" {
		t.Fatalf("personalizations = %+v", gotBody.Personalizations)
	}
	if gotBody.From.Email != "noreply@notifyq.dev" {
		t.Fatalf("from = %q", gotBody.From.Email)
	}
	if gotBody.Subject != "Welcome" {
		t.Fatalf("subject = %q", gotBody.Subject)
	}
	if len(gotBody.Content) != 2 || gotBody.Content[1].Value != "<p>Hello</p>" {
		t.Fatalf("content = %+v", gotBody.Content)
	}
}

func TestSendGridProviderStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "rate limited", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "server error", statusCode: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway", statusCode: http.StatusBadGateway, wantTransient: true},
		{name: "bad request", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "unauthorized", statusCode: http.StatusUnauthorized, wantTransient: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			t.Cleanup(server.Close)

			p, err := NewSendGridProvider("sg-key", "noreply@notifyq.dev")
			if err != nil {
				t.Fatalf("NewSendGridProvider() error = %v", err)
			}
			p.endpoint = server.URL

			sendErr := p.Send(context.Background(), emailMessage())
			if sendErr == nil {
				t.Fatal("expected error")
			}

			var providerErr *ProviderError
			if !errors.As(sendErr, &providerErr) {
				t.Fatalf("error type = %T, want *ProviderError", sendErr)
			}
			if providerErr.StatusCode != tt.statusCode {
				t.Fatalf("status = %d, want %d", providerErr.StatusCode, tt.statusCode)
			}
			if IsTransient(sendErr) != tt.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", IsTransient(sendErr), tt.wantTransient)
			}
		})
	}
}

func TestSendGridProviderRejectsWrongChannel(t *testing.T) {
	t.Parallel()

	p, err := NewSendGridProvider("sg-key", "noreply@notifyq.dev")
	if err != nil {
		t.Fatalf("NewSendGridProvider() error = %v", err)
	}

	sendErr := p.Send(context.Background(), pushMessage())
	if sendErr == nil {
		t.Fatal("expected error for push message")
	}
	if IsTransient(sendErr) {
		t.Fatal("wrong channel must be permanent")
	}
}

func TestSendGridProviderRejectsEmptyContent(t *testing.T) {
	t.Parallel()

	p, err := NewSendGridProvider("sg-key", "noreply@notifyq.dev")
	if err != nil {
		t.Fatalf("NewSendGridProvider() error = %v", err)
	}

	msg := emailMessage()
	msg.Body = ""
	msg.HTMLBody = ""

	sendErr := p.Send(context.Background(), msg)
	if sendErr == nil {
		t.Fatal("expected error for empty content")
	}
	if IsTransient(sendErr) {
		t.Fatal("empty content must be permanent")
	}
}

func TestFCMProviderSendSuccess(t *testing.T) {
	t.Parallel()

	var gotBody fcmRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "key=fcm-key" {
			t.Errorf("authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":1,"failure":0}`))
	}))
	t.Cleanup(server.Close)

	p, err := NewFCMProvider("fcm-key", server.URL)
	if err != nil {
		t.Fatalf("NewFCMProvider() error = %v", err)
	}

	if err := p.Send(context.Background(), pushMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotBody.To != "token-1" {
		t.Fatalf("to = %q", gotBody.To)
	}
	if gotBody.Notification.Title != "Welcome" || gotBody.Notification.Body != "Hello" {
		t.Fatalf("notification = %+v", gotBody.Notification)
	}
	if gotBody.Data["k"] != "v" {
		t.Fatalf("data = %v", gotBody.Data)
	}
}

func TestFCMProviderPerTokenError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		reason        string
		wantTransient bool
	}{
		{name: "stale token", reason: "NotRegistered", wantTransient: false},
		{name: "invalid token", reason: "InvalidRegistration", wantTransient: false},
		{name: "backend unavailable", reason: "Unavailable", wantTransient: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success": 0,
					"failure": 1,
					"results": []map[string]string{{"error": tt.reason}},
				})
			}))
			t.Cleanup(server.Close)

			p, err := NewFCMProvider("fcm-key", server.URL)
			if err != nil {
				t.Fatalf("NewFCMProvider() error = %v", err)
			}

			sendErr := p.Send(context.Background(), pushMessage())
			if sendErr == nil {
				t.Fatal("expected error")
			}
			if IsTransient(sendErr) != tt.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", IsTransient(sendErr), tt.wantTransient)
			}
		})
	}
}

func TestFCMProviderRejectsWrongChannel(t *testing.T) {
	t.Parallel()

	p, err := NewFCMProvider("fcm-key", "")
	if err != nil {
		t.Fatalf("NewFCMProvider() error = %v", err)
	}

	sendErr := p.Send(context.Background(), emailMessage())
	if sendErr == nil {
		t.Fatal("expected error for email message")
	}
	if IsTransient(sendErr) {
		t.Fatal("wrong channel must be permanent")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if IsTransient(nil) {
		t.Fatal("nil error is not transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded should be transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatal("canceled context should not be transient")
	}
	if !IsTransient(&ProviderError{Transient: true}) {
		t.Fatal("transient provider error should be transient")
	}
	if IsTransient(&ProviderError{Transient: false}) {
		t.Fatal("permanent provider error should not be transient")
	}
	if !IsPermanent(errors.New("boom")) {
		t.Fatal("unknown errors default to permanent")
	}
}
