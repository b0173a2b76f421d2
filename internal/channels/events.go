// Package channels provides typed Go channels for event-driven architecture,
// giving compile-time type safety between the API, the scheduler and the
// job runner worker.
package channels

import (
	"time"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

// JobRequestEvent asks the runner worker to execute a job. Published by the
// API run endpoint and by the scheduler when a cron schedule fires.
type JobRequestEvent struct {
	JobID       uuid.UUID
	RequestedAt time.Time
	Source      string // "api", "scheduler"
}

// JobStatusEvent is published on every job run state transition.
type JobStatusEvent struct {
	JobID       uuid.UUID
	RunID       uuid.UUID
	Status      models.JobStatus
	Devices     int
	Succeeded   int
	Failed      int
	StartedAt   time.Time
	CompletedAt time.Time
}

// CredentialAttemptEvent is published for every credential tried against a
// device, successful or not. Carries enough context to correlate the audit
// trail with job and device.
type CredentialAttemptEvent struct {
	RunID        uuid.UUID
	JobID        uuid.UUID
	DeviceID     uuid.UUID
	CredentialID uuid.UUID
	Success      bool
	AuthFailure  bool
	Timestamp    time.Time
}

// EventChannelsConfig sets per-channel buffer sizes.
type EventChannelsConfig struct {
	JobRequestBufferSize int
	JobStatusBufferSize  int
	AttemptBufferSize    int
}

// EventChannels provides typed channels for all system events
type EventChannels struct {
	JobRequest        chan JobRequestEvent
	JobStatus         chan JobStatusEvent
	CredentialAttempt chan CredentialAttemptEvent

	// Graceful shutdown
	done chan struct{}
}

// NewEventChannels creates a new EventChannels hub with configured buffer sizes
func NewEventChannels(cfg EventChannelsConfig) *EventChannels {
	if cfg.JobRequestBufferSize <= 0 {
		cfg.JobRequestBufferSize = 50
	}
	if cfg.JobStatusBufferSize <= 0 {
		cfg.JobStatusBufferSize = 50
	}
	if cfg.AttemptBufferSize <= 0 {
		cfg.AttemptBufferSize = 200
	}
	return &EventChannels{
		JobRequest:        make(chan JobRequestEvent, cfg.JobRequestBufferSize),
		JobStatus:         make(chan JobStatusEvent, cfg.JobStatusBufferSize),
		CredentialAttempt: make(chan CredentialAttemptEvent, cfg.AttemptBufferSize),
		done:              make(chan struct{}),
	}
}

// Close gracefully shuts down all channels
func (ec *EventChannels) Close() error {
	close(ec.done)

	close(ec.JobRequest)
	close(ec.JobStatus)
	close(ec.CredentialAttempt)

	return nil
}

// Done returns a channel that's closed when the EventChannels is shutting down
func (ec *EventChannels) Done() <-chan struct{} {
	return ec.done
}
