// Package runner implements the job execution engine: tag-based credential
// resolution, sequential credential fallback per device, bounded concurrent
// dispatch, per-credential success metrics and the job-level state machine.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confvault/confvault/internal/channels"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

// DeviceInventory selects the devices a job targets. Tag targets use union
// semantics: any device carrying at least one of the tags matches.
type DeviceInventory interface {
	DevicesForJob(ctx context.Context, target models.JobTarget) ([]models.Device, error)
}

// JobStore loads job definitions.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
}

// ResultSink durably records run state transitions and outcomes.
type ResultSink interface {
	// CreateRun persists the run in its RUNNING state before dispatch.
	CreateRun(ctx context.Context, run models.JobRun) error
	// FinishRun persists the terminal status, the outcome set and the job's
	// last-run summary.
	FinishRun(ctx context.Context, run models.JobRun) error
}

// Runner orchestrates one job execution end to end.
type Runner struct {
	jobs       JobStore
	inventory  DeviceInventory
	resolver   *Resolver
	dispatcher *Dispatcher
	sink       ResultSink
	events     *channels.EventChannels
	logger     *slog.Logger

	defaultTimeout time.Duration

	// runningMu protects runningJobs
	runningMu sync.Mutex
	// runningJobs tracks jobs currently executing so a duplicate request
	// cannot start a second overlapping run.
	runningJobs map[uuid.UUID]bool
}

// New creates a Runner.
func New(
	jobs JobStore,
	inventory DeviceInventory,
	resolver *Resolver,
	dispatcher *Dispatcher,
	sink ResultSink,
	events *channels.EventChannels,
	defaultTimeout time.Duration,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		jobs:           jobs,
		inventory:      inventory,
		resolver:       resolver,
		dispatcher:     dispatcher,
		sink:           sink,
		events:         events,
		logger:         logger.With("component", "runner"),
		defaultTimeout: defaultTimeout,
		runningJobs:    make(map[uuid.UUID]bool),
	}
}

// Run starts the runner worker loop, consuming job requests until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Job runner worker starting")

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Job runner shutting down",
				slog.String("reason", ctx.Err().Error()),
			)
			return ctx.Err()

		case event, ok := <-r.events.JobRequest:
			if !ok {
				r.logger.WarnContext(ctx, "JobRequest channel closed, exiting worker")
				return fmt.Errorf("job request channel closed")
			}
			r.handleRequest(ctx, event)
		}
	}
}

// handleRequest executes one job request, skipping duplicates of a job that
// is still running.
func (r *Runner) handleRequest(ctx context.Context, event channels.JobRequestEvent) {
	r.runningMu.Lock()
	if r.runningJobs[event.JobID] {
		r.runningMu.Unlock()
		r.logger.Warn("job already running, skipping duplicate request",
			"job_id", event.JobID,
			"source", event.Source,
		)
		return
	}
	r.runningJobs[event.JobID] = true
	r.runningMu.Unlock()

	defer func() {
		r.runningMu.Lock()
		delete(r.runningJobs, event.JobID)
		r.runningMu.Unlock()
	}()

	if _, err := r.RunJob(ctx, event.JobID); err != nil {
		r.logger.Error("job run failed",
			"job_id", event.JobID,
			"source", event.Source,
			"error", err,
		)
	}
}

// RunJob executes one run of the given job and returns its terminal record.
// Per-device and per-credential failures fold into the outcome set; only a
// failure to load or record the run itself is returned as an error.
func (r *Runner) RunJob(ctx context.Context, jobID uuid.UUID) (models.JobRun, error) {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	run := models.JobRun{
		ID:        uuid.New(),
		JobID:     job.ID,
		Status:    models.StatusRunning,
		StartedAt: time.Now(),
	}
	logger := r.logger.With("job_id", job.ID, "run_id", run.ID, "job_name", job.Name)

	if err := r.sink.CreateRun(ctx, run); err != nil {
		return models.JobRun{}, fmt.Errorf("record run start: %w", err)
	}
	r.publishStatus(run, 0, 0)
	logger.Info("job run started")

	timeout := job.GetTimeout()
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	cond, outcomes := r.executeRun(ctx, logger, job, run, timeout)

	run.Status = ComputeStatus(cond, outcomes)
	run.Outcomes = outcomes
	now := time.Now()
	run.CompletedAt = &now
	run.Error = runError(cond)

	if err := r.sink.FinishRun(ctx, run); err != nil {
		logger.Error("failed to persist run result", "error", err)
		return run, fmt.Errorf("record run result: %w", err)
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
	}
	r.publishStatus(run, succeeded, len(outcomes)-succeeded)
	logger.Info("job run finished",
		"status", string(run.Status),
		"devices", len(outcomes),
		"succeeded", succeeded,
	)
	return run, nil
}

// executeRun performs resolution and dispatch, trapping any orchestration
// panic so the run always reaches a terminal status.
func (r *Runner) executeRun(ctx context.Context, logger *slog.Logger, job models.Job, run models.JobRun, timeout time.Duration) (cond RunConditions, outcomes []models.DeviceOutcome) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("orchestration panicked", "panic", p)
			cond.OrchestrationErr = fmt.Errorf("orchestration panicked: %v", p)
		}
	}()

	devices, err := r.inventory.DevicesForJob(ctx, job.Target)
	if err != nil {
		cond.OrchestrationErr = fmt.Errorf("device inventory: %w", err)
		return cond, nil
	}
	cond.DevicesMatched = len(devices)
	if len(devices) == 0 {
		logger.Info("no devices matched job target")
		return cond, nil
	}

	resolved, skipped, err := r.resolver.ResolveBatch(ctx, devices)
	if err != nil {
		cond.ResolutionErr = err
		logger.Error("credential resolution failed", "error", err)
		return cond, nil
	}
	cond.ResolvedCount = len(resolved)

	// Devices without credentials still get an outcome so operators see a
	// granular per-device record rather than an opaque job failure.
	for _, sk := range skipped {
		outcomes = append(outcomes, models.DeviceOutcome{
			ID:        uuid.New(),
			RunID:     run.ID,
			DeviceID:  sk.Device.ID,
			Class:     models.FailureNoCredentials,
			Error:     sk.Reason.Error(),
			StartedAt: run.StartedAt,
		})
	}

	if len(resolved) == 0 {
		logger.Warn("no device resolved any credential",
			"devices", len(devices),
			"skipped", len(skipped),
		)
		return cond, outcomes
	}

	dispatched, err := r.dispatcher.DispatchAll(ctx, run.ID, job.ID, resolved, timeout)
	if err != nil {
		cond.DispatchErr = err
		logger.Error("dispatcher failed", "error", err)
		return cond, outcomes
	}

	return cond, append(outcomes, dispatched...)
}

// runError picks the run-level error message for FAILED_* statuses.
func runError(cond RunConditions) string {
	switch {
	case cond.OrchestrationErr != nil:
		return cond.OrchestrationErr.Error()
	case cond.ResolutionErr != nil:
		return cond.ResolutionErr.Error()
	case cond.DispatchErr != nil:
		return cond.DispatchErr.Error()
	}
	return ""
}

// publishStatus emits a non-blocking run state transition event.
func (r *Runner) publishStatus(run models.JobRun, succeeded, failed int) {
	if r.events == nil {
		return
	}
	event := channels.JobStatusEvent{
		JobID:     run.JobID,
		RunID:     run.ID,
		Status:    run.Status,
		Devices:   len(run.Outcomes),
		Succeeded: succeeded,
		Failed:    failed,
		StartedAt: run.StartedAt,
	}
	if run.CompletedAt != nil {
		event.CompletedAt = *run.CompletedAt
	}
	select {
	case r.events.JobStatus <- event:
	default:
		r.logger.Warn("JobStatus channel full, event dropped",
			"run_id", run.ID,
			"status", string(run.Status),
		)
	}
}
