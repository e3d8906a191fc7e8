package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicatePlugin indicates an insert collided with an existing plugin name.
var ErrDuplicatePlugin = errors.New("store: plugin name already registered")

const pluginColumns = `id, name, description, publisher, version, enabled, loaded,
	runtime_mode, supported_modes, mode_switch_supported, config, install_path,
	created_at, updated_at`

func scanPlugin(scan func(dest ...any) error) (Plugin, error) {
	var (
		p               Plugin
		enabled, loaded int
		modeSwitch      int
		modesRaw        string
		configRaw       string
	)
	err := scan(&p.ID, &p.Name, &p.Description, &p.Publisher, &p.Version,
		&enabled, &loaded, &p.RuntimeMode, &modesRaw, &modeSwitch,
		&configRaw, &p.InstallPath, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Plugin{}, err
	}
	p.Enabled = enabled != 0
	p.Loaded = loaded != 0
	p.ModeSwitchSupported = modeSwitch != 0
	if p.SupportedModes, err = DecodeJSON[[]string](modesRaw); err != nil {
		return Plugin{}, err
	}
	if p.Config, err = DecodeJSON[map[string]any](configRaw); err != nil {
		return Plugin{}, err
	}
	return p, nil
}

// InsertPlugin persists a new plugin record.
func (s *Store) InsertPlugin(ctx context.Context, p Plugin) error {
	modes, err := encodeJSON(p.SupportedModes)
	if err != nil {
		return err
	}
	if p.SupportedModes == nil {
		modes = "[]"
	}
	config, err := encodeJSON(p.Config)
	if err != nil {
		return err
	}

	now := nowTimestamp()
	if p.CreatedAt == "" {
		p.CreatedAt = now
	}

	return s.withWriteTx(ctx, "insert plugin", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO plugins
			(id, name, description, publisher, version, enabled, loaded,
			 runtime_mode, supported_modes, mode_switch_supported, config,
			 install_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, p.Publisher, p.Version,
			boolToInt(p.Enabled), boolToInt(p.Loaded), p.RuntimeMode,
			modes, boolToInt(p.ModeSwitchSupported), config,
			p.InstallPath, p.CreatedAt, now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name)
			}
			return fmt.Errorf("store: insert plugin: %w", err)
		}
		return nil
	})
}

// UpsertPlugin inserts the plugin or, when the name already exists, refreshes
// its version, description, publisher, manifest capabilities and install path
// while preserving the existing enabled flag and config.
func (s *Store) UpsertPlugin(ctx context.Context, p Plugin) error {
	err := s.InsertPlugin(ctx, p)
	if !errors.Is(err, ErrDuplicatePlugin) {
		return err
	}

	modes, encErr := encodeJSON(p.SupportedModes)
	if encErr != nil {
		return encErr
	}
	if p.SupportedModes == nil {
		modes = "[]"
	}

	return s.withWriteTx(ctx, "upsert plugin", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE plugins SET
			description = ?, publisher = ?, version = ?, supported_modes = ?,
			mode_switch_supported = ?, install_path = ?, updated_at = ?
			WHERE name = ?`,
			p.Description, p.Publisher, p.Version, modes,
			boolToInt(p.ModeSwitchSupported), p.InstallPath,
			nowTimestamp(), p.Name)
		if err != nil {
			return fmt.Errorf("store: upsert plugin: %w", err)
		}
		return nil
	})
}

// GetPlugin fetches a plugin by id.
func (s *Store) GetPlugin(ctx context.Context, id string) (Plugin, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE id = ?`, id)
	p, err := scanPlugin(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Plugin{}, NotFoundError{Entity: "plugin", Key: id}
	}
	if err != nil {
		return Plugin{}, fmt.Errorf("store: get plugin: %w", err)
	}
	return p, nil
}

// GetPluginByName fetches a plugin by its unique name.
func (s *Store) GetPluginByName(ctx context.Context, name string) (Plugin, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE name = ?`, name)
	p, err := scanPlugin(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Plugin{}, NotFoundError{Entity: "plugin", Key: name}
	}
	if err != nil {
		return Plugin{}, fmt.Errorf("store: get plugin by name: %w", err)
	}
	return p, nil
}

// ListPlugins returns every plugin ordered by name.
func (s *Store) ListPlugins(ctx context.Context) ([]Plugin, error) {
	scan := func(rows *sql.Rows) (Plugin, error) { return scanPlugin(rows.Scan) }
	plugins, err := scanList(ctx, s.db, scan,
		`SELECT `+pluginColumns+` FROM plugins ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list plugins: %w", err)
	}
	return plugins, nil
}

// SetPluginEnabled toggles the enabled flag.
func (s *Store) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updatePluginField(ctx, "set plugin enabled", id, "enabled", boolToInt(enabled))
}

// SetPluginLoaded records whether the plugin is currently loaded.
func (s *Store) SetPluginLoaded(ctx context.Context, id string, loaded bool) error {
	return s.updatePluginField(ctx, "set plugin loaded", id, "loaded", boolToInt(loaded))
}

// SetPluginMode records the active runtime mode.
func (s *Store) SetPluginMode(ctx context.Context, id string, mode string) error {
	return s.updatePluginField(ctx, "set plugin mode", id, "runtime_mode", mode)
}

// SetPluginConfig replaces the stored configuration document.
func (s *Store) SetPluginConfig(ctx context.Context, id string, config map[string]any) error {
	raw, err := encodeJSON(config)
	if err != nil {
		return err
	}
	return s.updatePluginField(ctx, "set plugin config", id, "config", raw)
}

// DeletePlugin removes a plugin record and its bindings.
func (s *Store) DeletePlugin(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, "delete plugin", func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, `SELECT name FROM plugins WHERE id = ?`, id).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundError{Entity: "plugin", Key: id}
		}
		if err != nil {
			return fmt.Errorf("store: delete plugin: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_bindings WHERE plugin_name = ?`, name); err != nil {
			return fmt.Errorf("store: delete plugin bindings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: delete plugin: %w", err)
		}
		return nil
	})
}

func (s *Store) updatePluginField(ctx context.Context, op, id, column string, value any) error {
	return s.withWriteTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE plugins SET %s = ?, updated_at = ? WHERE id = ?`, column),
			value, nowTimestamp(), id)
		if err != nil {
			return fmt.Errorf("store: %s: %w", op, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: %s: %w", op, err)
		}
		if affected == 0 {
			return NotFoundError{Entity: "plugin", Key: id}
		}
		return nil
	})
}
