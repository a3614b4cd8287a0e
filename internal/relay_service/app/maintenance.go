package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/commshub/telegram-relay/internal/relay_service/repository"
)

// Maintenance runs the periodic housekeeping jobs: archiving idle
// conversations and failing delivery attempts that never completed.
type Maintenance struct {
	scheduler     gocron.Scheduler
	conversations repository.ConversationRepository
	attempts      repository.DeliveryAttemptRepository
	archiveAfter  time.Duration
	staleAfter    time.Duration
	logger        *slog.Logger
}

func NewMaintenance(
	conversations repository.ConversationRepository,
	attempts repository.DeliveryAttemptRepository,
	archiveAfter, staleAfter time.Duration,
	logger *slog.Logger,
) (*Maintenance, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	return &Maintenance{
		scheduler:     scheduler,
		conversations: conversations,
		attempts:      attempts,
		archiveAfter:  archiveAfter,
		staleAfter:    staleAfter,
		logger:        logger,
	}, nil
}

// Start registers the jobs and kicks off the scheduler.
func (m *Maintenance) Start() error {
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(m.archiveIdleConversations),
	); err != nil {
		return err
	}
	if _, err := m.scheduler.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(m.failStaleAttempts),
	); err != nil {
		return err
	}
	m.scheduler.Start()
	m.logger.Info("Maintenance scheduler started",
		"archive_after", m.archiveAfter, "stale_after", m.staleAfter)
	return nil
}

func (m *Maintenance) Stop() error {
	return m.scheduler.Shutdown()
}

func (m *Maintenance) archiveIdleConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-m.archiveAfter)
	n, err := m.conversations.ArchiveIdle(ctx, cutoff)
	if err != nil {
		m.logger.Error("Failed to archive idle conversations", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("Archived idle conversations", "count", n, "idle_since", cutoff)
	}
}

func (m *Maintenance) failStaleAttempts() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-m.staleAfter)
	n, err := m.attempts.FailStalePending(ctx, cutoff)
	if err != nil {
		m.logger.Error("Failed to fail stale delivery attempts", "error", err)
		return
	}
	if n > 0 {
		m.logger.Warn("Abandoned stale delivery attempts", "count", n, "stale_since", cutoff)
	}
}
