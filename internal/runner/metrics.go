package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MetricsStore applies one credential attempt to durable storage. The update
// must be atomic per credential: two workers finishing with the same
// credential at the same time may not lose either update.
type MetricsStore interface {
	ApplyAttempt(ctx context.Context, credentialID uuid.UUID, success bool) error
}

// Metrics records per-credential success/failure attempts. Each attempt moves
// the credential's success-rate EMA and stamps last_used plus last_success or
// last_failure. Updates are attributed strictly to the credential that was
// actually tried.
type Metrics struct {
	store  MetricsStore
	logger *slog.Logger
}

// NewMetrics creates a Metrics recorder over the given store.
func NewMetrics(store MetricsStore, logger *slog.Logger) *Metrics {
	return &Metrics{
		store:  store,
		logger: logger.With("component", "credential_metrics"),
	}
}

// RecordSuccess applies a successful attempt for credentialID.
func (m *Metrics) RecordSuccess(ctx context.Context, credentialID uuid.UUID) {
	if err := m.store.ApplyAttempt(ctx, credentialID, true); err != nil {
		// Metric loss is logged, never propagated: bookkeeping must not fail
		// the device attempt it describes.
		m.logger.Error("failed to record credential success",
			"credential_id", credentialID,
			"error", err,
		)
	}
}

// RecordFailure applies a failed attempt for credentialID.
func (m *Metrics) RecordFailure(ctx context.Context, credentialID uuid.UUID) {
	if err := m.store.ApplyAttempt(ctx, credentialID, false); err != nil {
		m.logger.Error("failed to record credential failure",
			"credential_id", credentialID,
			"error", err,
		)
	}
}

// CredentialStats is the in-memory mirror of a credential's attempt history.
type CredentialStats struct {
	SuccessRate *float64
	LastUsed    time.Time
	LastSuccess *time.Time
	LastFailure *time.Time
	Successes   int
	Failures    int
}

// MemoryMetricsStore is a mutex-guarded MetricsStore used in tests and as the
// reference implementation of the EMA update. The Postgres store performs the
// same arithmetic inside a single UPDATE statement.
type MemoryMetricsStore struct {
	decay float64

	mu    sync.Mutex
	stats map[uuid.UUID]*CredentialStats
}

// NewMemoryMetricsStore creates an in-memory store with the given EMA decay
// (the weight kept from the previous rate; 0.9 by default elsewhere).
func NewMemoryMetricsStore(decay float64) *MemoryMetricsStore {
	return &MemoryMetricsStore{
		decay: decay,
		stats: make(map[uuid.UUID]*CredentialStats),
	}
}

// ApplyAttempt implements MetricsStore.
//
// success moves the rate toward 1.0: rate' = rate*decay + (1-decay).
// failure moves it toward 0.0:       rate' = rate*decay.
// A credential with no prior rate initializes to 1.0 or 0.0.
func (s *MemoryMetricsStore) ApplyAttempt(_ context.Context, credentialID uuid.UUID, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[credentialID]
	if !ok {
		st = &CredentialStats{}
		s.stats[credentialID] = st
	}

	now := time.Now()
	st.LastUsed = now

	var rate float64
	switch {
	case st.SuccessRate == nil && success:
		rate = 1.0
	case st.SuccessRate == nil:
		rate = 0.0
	case success:
		rate = *st.SuccessRate*s.decay + (1 - s.decay)
	default:
		rate = *st.SuccessRate * s.decay
	}
	st.SuccessRate = &rate

	if success {
		st.LastSuccess = &now
		st.Successes++
	} else {
		st.LastFailure = &now
		st.Failures++
	}
	return nil
}

// Stats returns a copy of the recorded stats for credentialID.
func (s *MemoryMetricsStore) Stats(credentialID uuid.UUID) (CredentialStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[credentialID]
	if !ok {
		return CredentialStats{}, false
	}
	return *st, true
}
