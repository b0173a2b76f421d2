package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deviceColumns = `id, hostname, ip_address::text, port, protocol, command,
	username, secret, created_at, updated_at`

func scanDevice(row pgx.Row) (models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.Hostname, &d.IPAddress, &d.Port, &d.Protocol, &d.Command,
		&d.Username, &d.Secret, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

// DevicesForJob returns the devices selected by a job target: one explicit
// device, or the union of devices carrying any of the target's tags. Tag ids
// are attached to every returned device for credential resolution.
func (s *Store) DevicesForJob(ctx context.Context, target models.JobTarget) ([]models.Device, error) {
	var devices []models.Device

	switch {
	case target.DeviceID != nil:
		d, err := scanDevice(s.pool.QueryRow(ctx, `
			SELECT `+deviceColumns+`
			FROM devices WHERE id = $1 AND deleted_at IS NULL`, *target.DeviceID))
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query target device: %w", err)
		}
		devices = append(devices, d)

	case len(target.TagIDs) > 0:
		rows, err := s.pool.Query(ctx, `
			SELECT DISTINCT `+deviceColumns+`
			FROM devices d
			JOIN device_tags dt ON dt.device_id = d.id
			WHERE dt.tag_id = ANY($1) AND d.deleted_at IS NULL`, target.TagIDs)
		if err != nil {
			return nil, fmt.Errorf("query devices by tags: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return nil, err
			}
			devices = append(devices, d)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if len(devices) == 0 {
		return nil, nil
	}
	return s.attachDeviceTags(ctx, devices)
}

// attachDeviceTags loads the tag ids of each device in one query.
func (s *Store) attachDeviceTags(ctx context.Context, devices []models.Device) ([]models.Device, error) {
	ids := make([]uuid.UUID, len(devices))
	index := make(map[uuid.UUID]int, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
		index[d.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT device_id, tag_id FROM device_tags WHERE device_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query device tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var deviceID, tagID uuid.UUID
		if err := rows.Scan(&deviceID, &tagID); err != nil {
			return nil, err
		}
		i := index[deviceID]
		devices[i].TagIDs = append(devices[i].TagIDs, tagID)
	}
	return devices, rows.Err()
}

// CreateDevice inserts a device and its tag associations.
func (s *Store) CreateDevice(ctx context.Context, d models.Device) (models.Device, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Device{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanDevice(tx.QueryRow(ctx, `
		INSERT INTO devices (hostname, ip_address, port, protocol, command, username, secret)
		VALUES ($1, $2::inet, $3, $4, $5, $6, $7)
		RETURNING `+deviceColumns,
		d.Hostname, d.IPAddress, d.Port, d.Protocol, d.Command, d.Username, d.Secret))
	if err != nil {
		return models.Device{}, fmt.Errorf("insert device: %w", err)
	}

	for _, tagID := range d.TagIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_tags (device_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, created.ID, tagID); err != nil {
			return models.Device{}, fmt.Errorf("attach tag: %w", err)
		}
	}
	created.TagIDs = d.TagIDs

	return created, tx.Commit(ctx)
}

// GetDevice fetches one device with its tag ids.
func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (models.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return models.Device{}, err
	}
	devices, err := s.attachDeviceTags(ctx, []models.Device{d})
	if err != nil {
		return models.Device{}, err
	}
	return devices[0], nil
}

// ListDevices returns all live devices.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices WHERE deleted_at IS NULL ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}
	return s.attachDeviceTags(ctx, devices)
}

// UpdateDevice updates mutable fields and replaces tag associations.
func (s *Store) UpdateDevice(ctx context.Context, d models.Device) (models.Device, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Device{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := scanDevice(tx.QueryRow(ctx, `
		UPDATE devices SET
			hostname = $2, ip_address = $3::inet, port = $4, protocol = $5,
			command = $6, username = $7,
			secret = CASE WHEN $8 <> '' THEN $8 ELSE secret END,
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+deviceColumns,
		d.ID, d.Hostname, d.IPAddress, d.Port, d.Protocol, d.Command, d.Username, d.Secret))
	if err != nil {
		return models.Device{}, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM device_tags WHERE device_id = $1`, d.ID); err != nil {
		return models.Device{}, fmt.Errorf("clear tags: %w", err)
	}
	for _, tagID := range d.TagIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_tags (device_id, tag_id) VALUES ($1, $2)`, d.ID, tagID); err != nil {
			return models.Device{}, fmt.Errorf("attach tag: %w", err)
		}
	}
	updated.TagIDs = d.TagIDs

	return updated, tx.Commit(ctx)
}

// DeleteDevice soft-deletes a device.
func (s *Store) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
