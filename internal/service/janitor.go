package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyq/notifyq/internal/repository"
)

const (
	defaultPruneInterval  = time.Hour
	defaultPruneRetention = 24 * time.Hour
)

// Janitor periodically prunes expired dead-letter records so the quarantine
// table honors the same retention as the failed queue.
type Janitor struct {
	deadLetters repository.DeadLetterRepository
	logger      *zap.Logger
	interval    time.Duration
	retention   time.Duration
	now         func() time.Time
}

func NewJanitor(
	deadLetters repository.DeadLetterRepository,
	interval time.Duration,
	retention time.Duration,
	logger *zap.Logger,
) (*Janitor, error) {
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is required")
	}
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	if retention <= 0 {
		retention = defaultPruneRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Janitor{
		deadLetters: deadLetters,
		logger:      logger,
		interval:    interval,
		retention:   retention,
		now:         time.Now,
	}, nil
}

func (j *Janitor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial pass so a long-stopped deployment catches up immediately.
	if err := j.pruneOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("dead letter prune failed", zap.Error(err))
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.pruneOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				j.logger.Error("dead letter prune failed", zap.Error(err))
			}
		}
	}
}

func (j *Janitor) pruneOnce(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	removed, err := j.deadLetters.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune dead letters: %w", err)
	}

	if removed > 0 {
		j.logger.Info("pruned dead letters",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
