package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/confvault/confvault/internal/channels"
	"github.com/confvault/confvault/internal/connector"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

// ConnectorProvider resolves a device protocol to its connector. The static
// connector.Registry satisfies this; tests substitute fakes.
type ConnectorProvider interface {
	Get(protocol string) (connector.Connector, error)
}

// SecretDecrypter decrypts credential secrets immediately before use.
type SecretDecrypter interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// ConfigArchive receives the retrieved configuration of a device. Save
// returns an opaque reference (e.g. a commit hash) recorded on the outcome.
type ConfigArchive interface {
	Save(ctx context.Context, device models.Device, output string, timestamp time.Time, jobID uuid.UUID) (string, error)
}

// Executor drives the connect -> run-command -> retry-with-next-credential
// loop for a single device. Credentials are tried strictly sequentially in
// candidate order; only an authentication rejection advances to the next
// candidate. Any other failure ends the device immediately, since the device
// is unavailable regardless of credential.
type Executor struct {
	connectors ConnectorProvider
	metrics    *Metrics
	secrets    SecretDecrypter
	archive    ConfigArchive
	events     *channels.EventChannels
	logger     *slog.Logger
}

// NewExecutor wires an Executor. events may be nil when no event consumers
// are running (tests).
func NewExecutor(
	connectors ConnectorProvider,
	metrics *Metrics,
	secrets SecretDecrypter,
	archive ConfigArchive,
	events *channels.EventChannels,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		connectors: connectors,
		metrics:    metrics,
		secrets:    secrets,
		archive:    archive,
		events:     events,
		logger:     logger.With("component", "executor"),
	}
}

// Execute runs the retry/fallback loop for one resolved device and returns
// its outcome. Errors are never propagated; every failure mode folds into
// the DeviceOutcome.
func (e *Executor) Execute(ctx context.Context, runID, jobID uuid.UUID, rd ResolvedDevice, timeout time.Duration) (outcome models.DeviceOutcome) {
	outcome = models.DeviceOutcome{
		ID:        uuid.New(),
		RunID:     runID,
		DeviceID:  rd.Device.ID,
		StartedAt: time.Now(),
	}
	defer func() {
		outcome.Duration = time.Since(outcome.StartedAt)
	}()

	logger := e.logger.With(
		"run_id", runID,
		"device_id", rd.Device.ID,
		"hostname", rd.Device.Hostname,
	)

	conn, err := e.connectors.Get(rd.Device.Protocol)
	if err != nil {
		outcome.Class = models.FailureUnexpected
		outcome.Error = err.Error()
		return outcome
	}

	if rd.Inline {
		// Caller-supplied credentials: a single attempt, no credential entity
		// to attribute metrics to.
		creds, decErr := e.decryptSecret(rd.Device.Username, rd.Device.Secret)
		if decErr != nil {
			outcome.Class = models.FailureUnexpected
			outcome.Error = fmt.Sprintf("device credentials unusable: %v", decErr)
			return outcome
		}
		outcome.Attempts = 1
		out, runErr := conn.ConnectAndRun(ctx, rd.Device, creds, rd.Device.Command, timeout)
		if runErr != nil {
			if connector.IsAuthError(runErr) {
				outcome.Class = models.FailureExhausted
			} else {
				outcome.Class = classifyFailure(runErr)
			}
			outcome.Error = runErr.Error()
			return outcome
		}
		return e.archiveOutput(ctx, logger, rd.Device, jobID, out, outcome)
	}

	candidates := rd.Candidates
	var lastAuthErr error

	for i := range candidates {
		if candidates[i].Tried {
			continue
		}
		candidates[i].Tried = true
		cred := candidates[i].Credential

		creds, decErr := e.decryptSecret(cred.Username, cred.Secret)
		if decErr != nil {
			// Unusable secret: skip the candidate without charging its
			// success rate, since no device connection happened.
			logger.Error("credential secret unusable, skipping candidate",
				"credential_id", cred.ID,
				"error", decErr,
			)
			lastAuthErr = decErr
			continue
		}

		outcome.Attempts++
		logger.Debug("attempting credential",
			"credential_id", cred.ID,
			"priority", cred.Priority,
			"attempt", outcome.Attempts,
		)

		out, runErr := conn.ConnectAndRun(ctx, rd.Device, creds, rd.Device.Command, timeout)
		if runErr == nil {
			e.metrics.RecordSuccess(ctx, cred.ID)
			e.publishAttempt(runID, jobID, rd.Device.ID, cred.ID, true, false)
			outcome.CredentialID = &cred.ID
			return e.archiveOutput(ctx, logger, rd.Device, jobID, out, outcome)
		}

		if connector.IsAuthError(runErr) {
			// Credential rejected: charge this credential and fall back to
			// the next candidate.
			e.metrics.RecordFailure(ctx, cred.ID)
			e.publishAttempt(runID, jobID, rd.Device.ID, cred.ID, false, true)
			logger.Info("credential rejected, falling back",
				"credential_id", cred.ID,
				"error", runErr.Error(),
			)
			lastAuthErr = runErr
			continue
		}

		// Non-auth failure: the device is unreachable or broken. Retrying
		// other credentials cannot help and risks device-side lockouts.
		e.metrics.RecordFailure(ctx, cred.ID)
		e.publishAttempt(runID, jobID, rd.Device.ID, cred.ID, false, false)
		outcome.Class = classifyFailure(runErr)
		outcome.Error = runErr.Error()
		logger.Warn("device attempt failed",
			"credential_id", cred.ID,
			"class", string(outcome.Class),
			"error", runErr.Error(),
		)
		return outcome
	}

	// Every candidate was rejected.
	outcome.Class = models.FailureExhausted
	if lastAuthErr != nil {
		outcome.Error = fmt.Sprintf("credentials exhausted after %d attempts: %v", outcome.Attempts, lastAuthErr)
	} else {
		outcome.Error = "credentials exhausted"
	}
	logger.Warn("credentials exhausted", "attempts", outcome.Attempts)
	return outcome
}

// archiveOutput hands the retrieved configuration to the archive. A failed
// archive write fails the outcome: a run that cannot store its snapshot did
// not achieve its purpose.
func (e *Executor) archiveOutput(ctx context.Context, logger *slog.Logger, device models.Device, jobID uuid.UUID, output string, outcome models.DeviceOutcome) models.DeviceOutcome {
	ref, err := e.archive.Save(ctx, device, output, time.Now(), jobID)
	if err != nil {
		logger.Error("config archive write failed",
			"device_id", device.ID,
			"error", err,
		)
		outcome.Success = false
		outcome.Class = models.FailureStorage
		outcome.Error = fmt.Sprintf("config archive write failed: %v", err)
		return outcome
	}

	outcome.Success = true
	outcome.SnapshotRef = ref
	logger.Info("configuration archived",
		"snapshot_ref", ref,
		"attempts", outcome.Attempts,
		"bytes", len(output),
	)
	return outcome
}

// decryptSecret turns an encrypted secret payload into connector credentials.
func (e *Executor) decryptSecret(username, encrypted string) (connector.Credentials, error) {
	creds := connector.Credentials{Username: username}
	if encrypted == "" {
		return creds, nil
	}

	plaintext, err := e.secrets.Decrypt(encrypted)
	if err != nil {
		return connector.Credentials{}, fmt.Errorf("decrypt secret: %w", err)
	}

	if err := json.Unmarshal(plaintext, &creds); err != nil {
		// Legacy secrets hold a bare password rather than a JSON payload.
		creds = connector.Credentials{Username: username, Password: string(plaintext)}
	}
	if creds.Username == "" {
		creds.Username = username
	}
	return creds, nil
}

// publishAttempt emits a non-blocking credential attempt event.
func (e *Executor) publishAttempt(runID, jobID, deviceID, credentialID uuid.UUID, success, authFailure bool) {
	if e.events == nil {
		return
	}
	select {
	case e.events.CredentialAttempt <- channels.CredentialAttemptEvent{
		RunID:        runID,
		JobID:        jobID,
		DeviceID:     deviceID,
		CredentialID: credentialID,
		Success:      success,
		AuthFailure:  authFailure,
		Timestamp:    time.Now(),
	}:
	default:
		e.logger.Warn("CredentialAttempt channel full, event dropped",
			"credential_id", credentialID,
		)
	}
}

// classifyFailure maps a non-auth connector error to a failure class.
func classifyFailure(err error) models.FailureClass {
	if errors.Is(err, connector.ErrCommandTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.FailureTimeout
		}
		return models.FailureUnreachable
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") {
		return models.FailureUnreachable
	}

	return models.FailureCommand
}
