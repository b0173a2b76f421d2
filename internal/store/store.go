// Package store implements the Postgres-backed persistence layer: device
// inventory, credential directory, credential metrics and the job/run result
// sink consumed by the runner, plus the CRUD operations exposed by the API.
package store

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// successRateDecay is the EMA weight kept from the previous rate when a
	// credential attempt is applied.
	successRateDecay float64
}

// New creates a Store. decay is the credential success-rate EMA decay.
func New(pool *pgxpool.Pool, decay float64, logger *slog.Logger) *Store {
	if decay <= 0 || decay >= 1 {
		decay = 0.9
	}
	return &Store{
		pool:             pool,
		logger:           logger.With("component", "store"),
		successRateDecay: decay,
	}
}
