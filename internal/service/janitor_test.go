package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJanitorPruneCutoff(t *testing.T) {
	t.Parallel()

	repo := &fakeDeadLetterRepo{}
	var gotCutoff time.Time
	repo.pruneFunc = func(ctx context.Context, olderThan time.Time) (int64, error) {
		gotCutoff = olderThan
		return 3, nil
	}

	janitor, err := NewJanitor(repo, time.Hour, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	janitor.now = func() time.Time { return fixed }

	if err := janitor.pruneOnce(context.Background()); err != nil {
		t.Fatalf("pruneOnce() error = %v", err)
	}

	want := fixed.Add(-24 * time.Hour)
	if !gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", gotCutoff, want)
	}
}

func TestJanitorPruneErrorPropagates(t *testing.T) {
	t.Parallel()

	repo := &fakeDeadLetterRepo{}
	errDB := errors.New("connection reset")
	repo.pruneFunc = func(ctx context.Context, olderThan time.Time) (int64, error) {
		return 0, errDB
	}

	janitor, err := NewJanitor(repo, time.Hour, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	if err := janitor.pruneOnce(context.Background()); !errors.Is(err, errDB) {
		t.Fatalf("pruneOnce() error = %v, want wrapped %v", err, errDB)
	}
}

func TestJanitorStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	repo := &fakeDeadLetterRepo{}
	pruned := make(chan struct{}, 1)
	repo.pruneFunc = func(ctx context.Context, olderThan time.Time) (int64, error) {
		select {
		case pruned <- struct{}{}:
		default:
		}
		return 0, nil
	}

	janitor, err := NewJanitor(repo, 5*time.Millisecond, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- janitor.Start(ctx) }()

	select {
	case <-pruned:
	case <-time.After(time.Second):
		t.Fatal("initial prune never ran")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestJanitorDefaults(t *testing.T) {
	t.Parallel()

	janitor, err := NewJanitor(&fakeDeadLetterRepo{}, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	if janitor.interval != defaultPruneInterval {
		t.Fatalf("interval = %v, want %v", janitor.interval, defaultPruneInterval)
	}
	if janitor.retention != defaultPruneRetention {
		t.Fatalf("retention = %v, want %v", janitor.retention, defaultPruneRetention)
	}

	if _, err := NewJanitor(nil, time.Hour, time.Hour, nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
}
