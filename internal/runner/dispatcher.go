package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

// DefaultPoolSize is the dispatcher worker pool width when none is configured.
const DefaultPoolSize = 5

// Dispatcher fans resolved devices out over a fixed-size worker pool and
// collects every outcome before returning. No partial results surface until
// the whole batch finishes, and no device task can abort a sibling.
type Dispatcher struct {
	executor *Executor
	poolSize int
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with the given pool width.
func NewDispatcher(executor *Executor, poolSize int, logger *slog.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Dispatcher{
		executor: executor,
		poolSize: poolSize,
		logger:   logger.With("component", "dispatcher"),
	}
}

// DispatchAll executes every resolved device concurrently, at most poolSize
// at a time, and returns one outcome per device. The only error it returns
// is a pre-dispatch fault; once workers start, every failure folds into an
// outcome.
func (d *Dispatcher) DispatchAll(ctx context.Context, runID, jobID uuid.UUID, resolved []ResolvedDevice, timeout time.Duration) ([]models.DeviceOutcome, error) {
	if len(resolved) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dispatch aborted before start: %w", err)
	}

	workers := d.poolSize
	if workers > len(resolved) {
		workers = len(resolved)
	}

	tasks := make(chan ResolvedDevice)
	results := make(chan models.DeviceOutcome, len(resolved))

	d.logger.Debug("dispatching devices",
		"run_id", runID,
		"devices", len(resolved),
		"workers", workers,
	)

	for i := 0; i < workers; i++ {
		go d.worker(ctx, runID, jobID, timeout, tasks, results)
	}

	// Once dispatched, all tasks run to completion or timeout; there is no
	// mid-flight cancellation that could leave metrics half-applied.
	go func() {
		for _, rd := range resolved {
			tasks <- rd
		}
		close(tasks)
	}()

	outcomes := make([]models.DeviceOutcome, 0, len(resolved))
	for range resolved {
		outcomes = append(outcomes, <-results)
	}
	return outcomes, nil
}

// worker consumes device tasks until the task channel drains.
func (d *Dispatcher) worker(ctx context.Context, runID, jobID uuid.UUID, timeout time.Duration, tasks <-chan ResolvedDevice, results chan<- models.DeviceOutcome) {
	for rd := range tasks {
		results <- d.runTask(ctx, runID, jobID, rd, timeout)
	}
}

// runTask executes one device and converts a panic into an outcome so a
// programming error in one task never aborts its siblings or the pool.
func (d *Dispatcher) runTask(ctx context.Context, runID, jobID uuid.UUID, rd ResolvedDevice, timeout time.Duration) (outcome models.DeviceOutcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("device task panicked",
				"run_id", runID,
				"device_id", rd.Device.ID,
				"panic", r,
			)
			outcome = models.DeviceOutcome{
				ID:        uuid.New(),
				RunID:     runID,
				DeviceID:  rd.Device.ID,
				Class:     models.FailureUnexpected,
				Error:     fmt.Sprintf("device task panicked: %v", r),
				StartedAt: time.Now(),
			}
		}
	}()

	return d.executor.Execute(ctx, runID, jobID, rd, timeout)
}
