package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrSystemCredential is returned when deleting a credential flagged as
// system-owned.
var ErrSystemCredential = errors.New("system credentials cannot be deleted")

// ErrNotFound is returned when an entity does not exist or is soft-deleted.
var ErrNotFound = errors.New("not found")

const credentialColumns = `id, name, username, secret, priority, success_rate,
	last_used, last_success, last_failure, is_system, created_at, updated_at`

func scanCredential(row pgx.Row) (models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.ID, &c.Name, &c.Username, &c.Secret, &c.Priority, &c.SuccessRate,
		&c.LastUsed, &c.LastSuccess, &c.LastFailure, &c.IsSystem, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// CredentialsForTags returns every credential sharing at least one of the
// given tags. DISTINCT collapses credentials matched via several tags.
func (s *Store) CredentialsForTags(ctx context.Context, tagIDs []uuid.UUID) ([]models.Credential, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+credentialColumns+`
		FROM credentials c
		JOIN credential_tags ct ON ct.credential_id = c.id
		WHERE ct.tag_id = ANY($1) AND c.deleted_at IS NULL`, tagIDs)
	if err != nil {
		return nil, fmt.Errorf("query credentials for tags: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// ApplyAttempt applies one credential attempt as a single UPDATE so that
// concurrent workers finishing with the same credential never lose an EMA
// step. NULL rates initialize to 1.0 on success, 0.0 on failure.
func (s *Store) ApplyAttempt(ctx context.Context, credentialID uuid.UUID, success bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials SET
			success_rate = CASE WHEN $2
				THEN COALESCE(success_rate * $3 + (1 - $3), 1.0)
				ELSE COALESCE(success_rate * $3, 0.0) END,
			last_used    = now(),
			last_success = CASE WHEN $2 THEN now() ELSE last_success END,
			last_failure = CASE WHEN $2 THEN last_failure ELSE now() END,
			updated_at   = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		credentialID, success, s.successRateDecay)
	if err != nil {
		return fmt.Errorf("apply credential attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", credentialID, ErrNotFound)
	}
	return nil
}

// CreateCredential inserts a credential and its tag associations.
func (s *Store) CreateCredential(ctx context.Context, c models.Credential) (models.Credential, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Credential{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanCredential(tx.QueryRow(ctx, `
		INSERT INTO credentials (name, username, secret, priority, is_system)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+credentialColumns,
		c.Name, c.Username, c.Secret, c.Priority, c.IsSystem))
	if err != nil {
		return models.Credential{}, fmt.Errorf("insert credential: %w", err)
	}

	for _, tagID := range c.TagIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credential_tags (credential_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, created.ID, tagID); err != nil {
			return models.Credential{}, fmt.Errorf("attach tag: %w", err)
		}
	}
	created.TagIDs = c.TagIDs

	return created, tx.Commit(ctx)
}

// GetCredential fetches a credential with its tag ids.
func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (models.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials c
		WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return models.Credential{}, err
	}

	rows, err := s.pool.Query(ctx, `SELECT tag_id FROM credential_tags WHERE credential_id = $1`, id)
	if err != nil {
		return models.Credential{}, fmt.Errorf("query credential tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tagID uuid.UUID
		if err := rows.Scan(&tagID); err != nil {
			return models.Credential{}, err
		}
		c.TagIDs = append(c.TagIDs, tagID)
	}
	return c, rows.Err()
}

// ListCredentials returns all live credentials ordered by priority.
func (s *Store) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials c
		WHERE deleted_at IS NULL
		ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpdateCredential updates mutable fields and replaces tag associations.
func (s *Store) UpdateCredential(ctx context.Context, c models.Credential) (models.Credential, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Credential{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := scanCredential(tx.QueryRow(ctx, `
		UPDATE credentials SET
			name = $2, username = $3,
			secret = CASE WHEN $4 <> '' THEN $4 ELSE secret END,
			priority = $5, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+credentialColumns,
		c.ID, c.Name, c.Username, c.Secret, c.Priority))
	if err != nil {
		return models.Credential{}, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM credential_tags WHERE credential_id = $1`, c.ID); err != nil {
		return models.Credential{}, fmt.Errorf("clear tags: %w", err)
	}
	for _, tagID := range c.TagIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credential_tags (credential_id, tag_id) VALUES ($1, $2)`, c.ID, tagID); err != nil {
			return models.Credential{}, fmt.Errorf("attach tag: %w", err)
		}
	}
	updated.TagIDs = c.TagIDs

	return updated, tx.Commit(ctx)
}

// DeleteCredential soft-deletes a credential. System credentials are refused.
func (s *Store) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	c, err := s.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if c.IsSystem {
		return ErrSystemCredential
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE credentials SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	return err
}
