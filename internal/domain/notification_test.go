package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseChannelFromString(t *testing.T) {
	t.Parallel()

	got, err := ParseChannelFromString(" email ")
	if err != nil {
		t.Fatalf("ParseChannelFromString() unexpected error = %v", err)
	}
	if got != ChannelEmail {
		t.Fatalf("ParseChannelFromString() = %s, want %s", got, ChannelEmail)
	}

	_, err = ParseChannelFromString("sms")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseChannelFromString() error = %v, want ErrValidation", err)
	}
}

func TestNotificationRequestValidate(t *testing.T) {
	t.Parallel()

	base := NotificationRequest{
		UserID:      "u1",
		TemplateKey: "WELCOME",
		MessageData: map[string]any{"name": "Jo"},
		RequestID:   "req-1",
	}

	tests := []struct {
		name    string
		mutate  func(*NotificationRequest)
		wantErr bool
	}{
		{
			name:   "valid request",
			mutate: func(r *NotificationRequest) {},
		},
		{
			name: "missing user id",
			mutate: func(r *NotificationRequest) {
				r.UserID = "  "
			},
			wantErr: true,
		},
		{
			name: "missing template key",
			mutate: func(r *NotificationRequest) {
				r.TemplateKey = ""
			},
			wantErr: true,
		},
		{
			name: "missing request id",
			mutate: func(r *NotificationRequest) {
				r.RequestID = ""
			},
			wantErr: true,
		},
		{
			name: "idempotency key is optional",
			mutate: func(r *NotificationRequest) {
				r.IdempotencyKey = ""
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := base
			tt.mutate(&current)

			err := current.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestPreferencesEnabled(t *testing.T) {
	t.Parallel()

	prefs := Preferences{EmailEnabled: true, PushEnabled: false}

	if !prefs.Enabled(ChannelEmail) {
		t.Fatal("email should be enabled")
	}
	if prefs.Enabled(ChannelPush) {
		t.Fatal("push should be disabled")
	}
	if prefs.Enabled(Channel("SMS")) {
		t.Fatal("unknown channel should never be enabled")
	}
}

func TestUserTarget(t *testing.T) {
	t.Parallel()

	user := User{
		ID:           "u1",
		EmailAddress: "u1@x.com",
		PushToken:    "tok1",
	}

	if got := user.Target(ChannelEmail); got != "u1@x.com" {
		t.Fatalf("Target(email) = %q, want u1@x.com", got)
	}
	if got := user.Target(ChannelPush); got != "tok1" {
		t.Fatalf("Target(push) = %q, want tok1", got)
	}
	if got := user.Target(Channel("SMS")); got != "" {
		t.Fatalf("Target(unknown) = %q, want empty", got)
	}
}

func TestDeadLetterRecordValidate(t *testing.T) {
	t.Parallel()

	record := &DeadLetterRecord{
		NotificationID: "n1",
		Channel:        ChannelEmail,
		FailureReason:  "retry exhausted",
		TotalAttempts:  5,
		LastAttemptAt:  time.Unix(1_700_000_000, 0),
	}
	if err := record.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	missingID := *record
	missingID.NotificationID = ""
	if err := missingID.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}

	badChannel := *record
	badChannel.Channel = Channel("FAX")
	if err := badChannel.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}
}
