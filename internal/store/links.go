package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateLink indicates a link between the same pair already exists.
var ErrDuplicateLink = errors.New("store: device link already exists")

func scanLink(scan func(dest ...any) error) (DeviceLink, error) {
	var l DeviceLink
	err := scan(&l.ID, &l.FromDeviceID, &l.ToDeviceID, &l.LinkType, &l.Direction, &l.CreatedAt)
	if err != nil {
		return DeviceLink{}, err
	}
	return l, nil
}

// InsertLink persists a device link.
func (s *Store) InsertLink(ctx context.Context, l DeviceLink) error {
	if l.CreatedAt == "" {
		l.CreatedAt = nowTimestamp()
	}
	return s.withWriteTx(ctx, "insert link", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO device_links (id, from_device_id, to_device_id, link_type, direction, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			l.ID, l.FromDeviceID, l.ToDeviceID, l.LinkType, l.Direction, l.CreatedAt)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s -> %s", ErrDuplicateLink, l.FromDeviceID, l.ToDeviceID)
			}
			return fmt.Errorf("store: insert link: %w", err)
		}
		return nil
	})
}

// DeleteLink removes the link between two devices.
func (s *Store) DeleteLink(ctx context.Context, fromID, toID string) error {
	return s.withWriteTx(ctx, "delete link", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM device_links WHERE from_device_id = ? AND to_device_id = ?`, fromID, toID)
		if err != nil {
			return fmt.Errorf("store: delete link: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: delete link: %w", err)
		}
		if affected == 0 {
			return NotFoundError{Entity: "device link", Key: fromID + " -> " + toID}
		}
		return nil
	})
}

// ListLinks returns every link in insertion order. The in-memory graph is
// rebuilt from this ordering at startup so traversal stays deterministic.
func (s *Store) ListLinks(ctx context.Context) ([]DeviceLink, error) {
	scan := func(rows *sql.Rows) (DeviceLink, error) { return scanLink(rows.Scan) }
	links, err := scanList(ctx, s.db, scan,
		`SELECT id, from_device_id, to_device_id, link_type, direction, created_at
		 FROM device_links ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list links: %w", err)
	}
	return links, nil
}
