// Package scheduler turns job cron schedules into run requests. It owns no
// execution logic: when a schedule fires it publishes a JobRequestEvent and
// the runner worker takes it from there.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confvault/confvault/internal/channels"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// JobSource lists the jobs eligible for scheduling.
type JobSource interface {
	ListEnabledJobs(ctx context.Context) ([]models.Job, error)
}

// Scheduler registers each enabled job's cron expression and publishes a run
// request when it fires.
type Scheduler struct {
	source JobSource
	events *channels.EventChannels
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
	running bool
}

// New creates a Scheduler.
func New(source JobSource, events *channels.EventChannels, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:  source,
		events:  events,
		logger:  logger.With("component", "scheduler"),
		cron:    cron.New(),
		entries: make(map[uuid.UUID]cron.EntryID),
	}
}

// Start loads enabled jobs, registers their schedules and starts the cron
// loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if err := s.reloadLocked(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop halts the cron loop and waits for in-flight trigger callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("scheduler stopped")
}

// Reload re-syncs cron entries with the job store. Called after a job is
// created, updated or deleted through the API.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Scheduler) reloadLocked(ctx context.Context) error {
	jobs, err := s.source.ListEnabledJobs(ctx)
	if err != nil {
		return fmt.Errorf("load enabled jobs: %w", err)
	}

	for jobID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}

	for _, job := range jobs {
		jobID := job.ID
		entryID, err := s.cron.AddFunc(job.Schedule, func() {
			s.trigger(jobID)
		})
		if err != nil {
			s.logger.Error("invalid job schedule, skipping",
				"job_id", jobID,
				"schedule", job.Schedule,
				"error", err,
			)
			continue
		}
		s.entries[jobID] = entryID
		s.logger.Debug("job scheduled",
			"job_id", jobID,
			"schedule", job.Schedule,
		)
	}
	return nil
}

// trigger publishes a run request for a due job without blocking the cron
// loop.
func (s *Scheduler) trigger(jobID uuid.UUID) {
	select {
	case s.events.JobRequest <- channels.JobRequestEvent{
		JobID:       jobID,
		RequestedAt: time.Now(),
		Source:      "scheduler",
	}:
		s.logger.Info("job schedule fired", "job_id", jobID)
	default:
		s.logger.Warn("JobRequest channel full, scheduled run dropped",
			"job_id", jobID,
		)
	}
}
