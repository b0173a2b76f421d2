package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateTag inserts a tag.
func (s *Store) CreateTag(ctx context.Context, t models.Tag) (models.Tag, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tags (name, type) VALUES ($1, $2)
		RETURNING id, name, type, created_at`,
		t.Name, t.Type).Scan(&t.ID, &t.Name, &t.Type, &t.CreatedAt)
	if err != nil {
		return models.Tag{}, fmt.Errorf("insert tag: %w", err)
	}
	return t, nil
}

// GetTag fetches a tag.
func (s *Store) GetTag(ctx context.Context, id uuid.UUID) (models.Tag, error) {
	var t models.Tag
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, type, created_at FROM tags
		WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&t.ID, &t.Name, &t.Type, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tag{}, ErrNotFound
	}
	return t, err
}

// ListTags returns all live tags.
func (s *Store) ListTags(ctx context.Context) ([]models.Tag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, created_at FROM tags
		WHERE deleted_at IS NULL ORDER BY type, name`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.CreatedAt); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// DeleteTag soft-deletes a tag; associations remain until the tag is purged.
func (s *Store) DeleteTag(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tags SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
