package channels

import (
	"context"
	"log/slog"
)

// StartJobStatusLogger starts a goroutine that logs job run state transitions.
// The runner publishes a JobStatusEvent for every transition; this consumer
// turns them into structured log lines for operators tailing the server log.
func StartJobStatusLogger(ctx context.Context, events *EventChannels, logger *slog.Logger) {
	go func() {
		for {
			select {
			case event, ok := <-events.JobStatus:
				if !ok {
					return
				}
				if !event.Status.Terminal() {
					logger.InfoContext(ctx, "Job run started",
						slog.String("job_id", event.JobID.String()),
						slog.String("run_id", event.RunID.String()),
					)
					continue
				}
				logger.InfoContext(ctx, "Job run completed",
					slog.String("job_id", event.JobID.String()),
					slog.String("run_id", event.RunID.String()),
					slog.String("status", string(event.Status)),
					slog.Int("devices", event.Devices),
					slog.Int("succeeded", event.Succeeded),
					slog.Int("failed", event.Failed),
					slog.String("duration", event.CompletedAt.Sub(event.StartedAt).String()),
				)
			case <-ctx.Done():
				return
			case <-events.Done():
				return
			}
		}
	}()
}

// StartCredentialAuditLogger starts a goroutine that writes one audit line
// per credential attempt, keyed so operators can trace which credential was
// tried against which device in which run.
func StartCredentialAuditLogger(ctx context.Context, events *EventChannels, logger *slog.Logger) {
	go func() {
		for {
			select {
			case event, ok := <-events.CredentialAttempt:
				if !ok {
					return
				}
				logger.InfoContext(ctx, "Credential attempt",
					slog.String("run_id", event.RunID.String()),
					slog.String("job_id", event.JobID.String()),
					slog.String("device_id", event.DeviceID.String()),
					slog.String("credential_id", event.CredentialID.String()),
					slog.Bool("success", event.Success),
					slog.Bool("auth_failure", event.AuthFailure),
				)
			case <-ctx.Done():
				return
			case <-events.Done():
				return
			}
		}
	}()
}
