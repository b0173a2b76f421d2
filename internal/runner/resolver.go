package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

// ErrNoCredentials is returned when a device has no caller-supplied
// credentials and no credential shares a tag with it.
var ErrNoCredentials = errors.New("no matching credentials for device")

// Candidate is one credential queued for a device, in fallback order.
type Candidate struct {
	Credential models.Credential
	Tried      bool
}

// ResolvedDevice pairs a device with its ordered credential candidates for
// one job run. When Inline is set the device carries its own credentials and
// the candidate list is empty.
type ResolvedDevice struct {
	Device     models.Device
	Candidates []Candidate
	Inline     bool
}

// SkippedDevice records a device excluded from dispatch and why.
type SkippedDevice struct {
	Device models.Device
	Reason error
}

// CredentialDirectory is the read-only tag lookup the resolver depends on.
type CredentialDirectory interface {
	// CredentialsForTags returns every credential sharing at least one of the
	// given tags. A credential matching via several tags may appear more than
	// once; the resolver deduplicates.
	CredentialsForTags(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error)
}

// Resolver builds per-device credential candidate lists from the tag policy.
type Resolver struct {
	directory CredentialDirectory
	logger    *slog.Logger
}

// NewResolver creates a Resolver over the given directory.
func NewResolver(directory CredentialDirectory, logger *slog.Logger) *Resolver {
	return &Resolver{
		directory: directory,
		logger:    logger.With("component", "resolver"),
	}
}

// Resolve builds the candidate list for one device.
//
// When skipIfHasCredentials is set and the device already carries a username
// and secret, resolution is bypassed entirely; caller-supplied credentials
// are never overwritten. Otherwise candidates are fetched by shared tag,
// deduplicated by credential id and ordered ascending by (priority, id).
func (r *Resolver) Resolve(ctx context.Context, device models.Device, skipIfHasCredentials bool) (ResolvedDevice, error) {
	if skipIfHasCredentials && device.HasCredentials() {
		return ResolvedDevice{Device: device, Inline: true}, nil
	}

	creds, err := r.directory.CredentialsForTags(ctx, device.TagIDs)
	if err != nil {
		return ResolvedDevice{}, fmt.Errorf("credential lookup for device %s: %w", device.ID, err)
	}

	seen := make(map[uuid.UUID]bool, len(creds))
	candidates := make([]Candidate, 0, len(creds))
	for _, c := range creds {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		candidates = append(candidates, Candidate{Credential: c})
	}

	if len(candidates) == 0 {
		if device.HasCredentials() {
			// Forced resolution found nothing, but the device can still run
			// with what the caller attached.
			return ResolvedDevice{Device: device, Inline: true}, nil
		}
		return ResolvedDevice{}, fmt.Errorf("device %s (%s): %w", device.Hostname, device.ID, ErrNoCredentials)
	}

	// Ascending priority, id as deterministic tie-break.
	slices.SortFunc(candidates, func(a, b Candidate) int {
		if a.Credential.Priority != b.Credential.Priority {
			return a.Credential.Priority - b.Credential.Priority
		}
		return strings.Compare(a.Credential.ID.String(), b.Credential.ID.String())
	})

	return ResolvedDevice{Device: device, Candidates: candidates}, nil
}

// ResolveBatch resolves every device in a job's target set. Per-device
// failures never abort the batch; failed devices are returned in skipped with
// their reasons. Only a directory-level fault (store unreachable) is returned
// as an error.
func (r *Resolver) ResolveBatch(ctx context.Context, devices []models.Device) (resolved []ResolvedDevice, skipped []SkippedDevice, err error) {
	for _, device := range devices {
		rd, resolveErr := r.Resolve(ctx, device, true)
		if resolveErr != nil {
			if errors.Is(resolveErr, ErrNoCredentials) {
				r.logger.Warn("no credentials for device, skipping",
					"device_id", device.ID,
					"hostname", device.Hostname,
				)
				skipped = append(skipped, SkippedDevice{Device: device, Reason: resolveErr})
				continue
			}
			// Anything other than a per-device miss means the credential
			// store itself is unhealthy; the whole batch is suspect.
			return nil, nil, resolveErr
		}
		resolved = append(resolved, rd)
	}

	r.logger.Debug("batch resolution finished",
		"devices", len(devices),
		"resolved", len(resolved),
		"skipped", len(skipped),
	)
	return resolved, skipped, nil
}
