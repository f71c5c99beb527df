package db

import (
	"context"
	"fmt"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

// Plugin is an installed plugin and its schema version.
type Plugin struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListPlugins returns installed plugins ordered by name.
func ListPlugins(ctx context.Context, ex Execer) ([]Plugin, error) {
	rows, err := ex.QueryContext(ctx, `SELECT id, name, version FROM plugins ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing plugins: %w", err)
	}
	defer rows.Close()

	var out []Plugin
	for rows.Next() {
		var p Plugin
		if err := rows.Scan(&p.ID, &p.Name, &p.Version); err != nil {
			return nil, fmt.Errorf("scanning plugin: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InstallPlugin records a plugin at version, replacing any earlier version.
func InstallPlugin(ctx context.Context, ex Execer, name, version string) error {
	n, err := Count(ctx, ex, "plugins", "name = ?", name)
	if err != nil {
		return err
	}
	if n > 0 {
		_, err = ex.ExecContext(ctx, `UPDATE plugins SET version = ? WHERE name = ?`, version, name)
	} else {
		t, _ := InstanceTable("plugins")
		_, err = InsertRow(ctx, ex, t, model.NewRow("name", name, "version", version))
	}
	if err != nil {
		return fmt.Errorf("installing plugin %q: %w", name, err)
	}
	return nil
}
