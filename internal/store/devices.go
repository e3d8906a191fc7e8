package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const deviceColumns = `id, name, type, online, powered, metadata, last_seen, created_at, updated_at`

func scanDevice(scan func(dest ...any) error) (Device, error) {
	var (
		d               Device
		online, powered int
		metadataRaw     string
		lastSeen        sql.NullString
	)
	err := scan(&d.ID, &d.Name, &d.Type, &online, &powered,
		&metadataRaw, &lastSeen, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Device{}, err
	}
	d.Online = online != 0
	d.Powered = powered != 0
	d.LastSeen = stringPtr(lastSeen)
	if d.Metadata, err = DecodeJSON[map[string]any](metadataRaw); err != nil {
		return Device{}, err
	}
	return d, nil
}

// UpsertDevice inserts or replaces a device record by id.
func (s *Store) UpsertDevice(ctx context.Context, d Device) error {
	metadata, err := encodeJSON(d.Metadata)
	if err != nil {
		return err
	}
	now := nowTimestamp()
	if d.CreatedAt == "" {
		d.CreatedAt = now
	}

	return s.withWriteTx(ctx, "upsert device", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO devices
			(id, name, type, online, powered, metadata, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				online = excluded.online,
				powered = excluded.powered,
				metadata = excluded.metadata,
				last_seen = excluded.last_seen,
				updated_at = excluded.updated_at`,
			d.ID, d.Name, d.Type, boolToInt(d.Online), boolToInt(d.Powered),
			metadata, nullableString(d.LastSeen), d.CreatedAt, now)
		if err != nil {
			return fmt.Errorf("store: upsert device: %w", err)
		}
		return nil
	})
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, NotFoundError{Entity: "device", Key: id}
	}
	if err != nil {
		return Device{}, fmt.Errorf("store: get device: %w", err)
	}
	return d, nil
}

// ListDevices returns every device ordered by name.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	scan := func(rows *sql.Rows) (Device, error) { return scanDevice(rows.Scan) }
	devices, err := scanList(ctx, s.db, scan,
		`SELECT `+deviceColumns+` FROM devices ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return devices, nil
}

// SetDeviceState updates the volatile state of a device and stamps last_seen.
func (s *Store) SetDeviceState(ctx context.Context, id string, online, powered bool) error {
	return s.withWriteTx(ctx, "set device state", func(tx *sql.Tx) error {
		now := nowTimestamp()
		res, err := tx.ExecContext(ctx,
			`UPDATE devices SET online = ?, powered = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
			boolToInt(online), boolToInt(powered), now, now, id)
		if err != nil {
			return fmt.Errorf("store: set device state: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: set device state: %w", err)
		}
		if affected == 0 {
			return NotFoundError{Entity: "device", Key: id}
		}
		return nil
	})
}

// DeleteDevice removes a device and any links referencing it.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, "delete device", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete device: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: delete device: %w", err)
		}
		if affected == 0 {
			return NotFoundError{Entity: "device", Key: id}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_links WHERE from_device_id = ? OR to_device_id = ?`, id, id); err != nil {
			return fmt.Errorf("store: delete device links: %w", err)
		}
		return nil
	})
}
