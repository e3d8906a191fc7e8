package store

import (
	"context"
	"database/sql"
	"fmt"
)

func scanBinding(scan func(dest ...any) error) (Binding, error) {
	var b Binding
	err := scan(&b.ID, &b.PluginName, &b.Selector, &b.CreatedAt)
	if err != nil {
		return Binding{}, err
	}
	return b, nil
}

// InsertBinding persists a plugin's device binding.
func (s *Store) InsertBinding(ctx context.Context, b Binding) error {
	if b.CreatedAt == "" {
		b.CreatedAt = nowTimestamp()
	}
	return s.withWriteTx(ctx, "insert binding", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO plugin_bindings (id, plugin_name, selector, created_at) VALUES (?, ?, ?, ?)`,
			b.ID, b.PluginName, b.Selector, b.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert binding: %w", err)
		}
		return nil
	})
}

// ListBindings returns every binding ordered by creation time. Ordering
// matters: device ownership resolution takes the oldest matching binding.
func (s *Store) ListBindings(ctx context.Context) ([]Binding, error) {
	scan := func(rows *sql.Rows) (Binding, error) { return scanBinding(rows.Scan) }
	bindings, err := scanList(ctx, s.db, scan,
		`SELECT id, plugin_name, selector, created_at FROM plugin_bindings ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	return bindings, nil
}

// ListBindingsForPlugin returns a plugin's bindings, oldest first.
func (s *Store) ListBindingsForPlugin(ctx context.Context, pluginName string) ([]Binding, error) {
	scan := func(rows *sql.Rows) (Binding, error) { return scanBinding(rows.Scan) }
	bindings, err := scanList(ctx, s.db, scan,
		`SELECT id, plugin_name, selector, created_at FROM plugin_bindings
		 WHERE plugin_name = ? ORDER BY created_at, id`, pluginName)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings for plugin: %w", err)
	}
	return bindings, nil
}

// DeleteBindingsForPlugin removes every binding held by a plugin.
func (s *Store) DeleteBindingsForPlugin(ctx context.Context, pluginName string) error {
	return s.withWriteTx(ctx, "delete bindings", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM plugin_bindings WHERE plugin_name = ?`, pluginName); err != nil {
			return fmt.Errorf("store: delete bindings: %w", err)
		}
		return nil
	})
}
