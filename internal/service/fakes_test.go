package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/repository"
)

type publishedMessage struct {
	Route queue.Route
	Msg   queue.Message
}

type fakePublisher struct {
	mu          sync.Mutex
	publishFunc func(ctx context.Context, route queue.Route, msg queue.Message) error
	published   []publishedMessage
}

func (f *fakePublisher) Publish(ctx context.Context, route queue.Route, msg queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishFunc != nil {
		if err := f.publishFunc(ctx, route, msg); err != nil {
			return err
		}
	}
	f.published = append(f.published, publishedMessage{Route: route, Msg: msg})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

type fakeUserDirectory struct {
	getFunc func(ctx context.Context, userID string) (domain.User, error)
	calls   int
}

func (f *fakeUserDirectory) Get(ctx context.Context, userID string) (domain.User, error) {
	f.calls++
	if f.getFunc != nil {
		return f.getFunc(ctx, userID)
	}
	return domain.User{}, errors.New("getFunc not configured")
}

type fakeTemplateRenderer struct {
	renderFunc func(ctx context.Context, templateKey string, messageData map[string]any) (domain.RenderedContent, error)
	calls      int
}

func (f *fakeTemplateRenderer) Render(ctx context.Context, templateKey string, messageData map[string]any) (domain.RenderedContent, error) {
	f.calls++
	if f.renderFunc != nil {
		return f.renderFunc(ctx, templateKey, messageData)
	}
	return domain.RenderedContent{}, errors.New("renderFunc not configured")
}

type fakeDeadLetterRepo struct {
	mu         sync.Mutex
	createFunc func(ctx context.Context, record *domain.DeadLetterRecord) error
	pruneFunc  func(ctx context.Context, olderThan time.Time) (int64, error)
	created    []domain.DeadLetterRecord
}

func (f *fakeDeadLetterRepo) Create(ctx context.Context, record *domain.DeadLetterRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createFunc != nil {
		if err := f.createFunc(ctx, record); err != nil {
			return err
		}
	}
	f.created = append(f.created, *record)
	return nil
}

func (f *fakeDeadLetterRepo) List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.DeadLetterRecord, len(f.created))
	copy(out, f.created)
	return out, int64(len(out)), nil
}

func (f *fakeDeadLetterRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if f.pruneFunc != nil {
		return f.pruneFunc(ctx, olderThan)
	}
	return 0, nil
}

func (f *fakeDeadLetterRepo) records() []domain.DeadLetterRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.DeadLetterRecord, len(f.created))
	copy(out, f.created)
	return out
}

type fakeRateLimiter struct {
	allowFunc func(ctx context.Context, scope string) (bool, error)
	waitFunc  func(ctx context.Context, scope string) error
	waits     int
}

func (f *fakeRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	if f.allowFunc != nil {
		return f.allowFunc(ctx, scope)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, scope string) error {
	f.waits++
	if f.waitFunc != nil {
		return f.waitFunc(ctx, scope)
	}
	return nil
}

type fakeProvider struct {
	sendFunc func(ctx context.Context, msg queue.ChannelMessage) error
	calls    int
}

func (f *fakeProvider) Send(ctx context.Context, msg queue.ChannelMessage) error {
	f.calls++
	if f.sendFunc != nil {
		return f.sendFunc(ctx, msg)
	}
	return nil
}
