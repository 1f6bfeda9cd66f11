package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const droneConfigSelectSQL = `
	SELECT name, ssh_user, ssh_port, ssh_key_path, ssh_password, core_limit, job_count,
		soft_mem_cap_gb, auto_reboot_allowed, protected, failure_ceiling, binhost_target,
		display_name, control_plane_tag, locked, notes
	FROM drone_configs`

func scanDroneConfig(stmt *sqlite.Stmt) types.DroneConfig {
	return types.DroneConfig{
		Name:              stmt.ColumnText(0),
		SSHUser:           stmt.ColumnText(1),
		SSHPort:           int(stmt.ColumnInt64(2)),
		SSHKeyPath:        stmt.ColumnText(3),
		SSHPassword:       stmt.ColumnText(4),
		CoreLimit:         int(stmt.ColumnInt64(5)),
		JobCount:          int(stmt.ColumnInt64(6)),
		SoftMemCapGB:      stmt.ColumnFloat(7),
		AutoRebootAllowed: stmt.ColumnInt(8) != 0,
		Protected:         stmt.ColumnInt(9) != 0,
		FailureCeiling:    int(stmt.ColumnInt64(10)),
		BinhostTarget:     stmt.ColumnText(11),
		DisplayName:       stmt.ColumnText(12),
		ControlPlaneTag:   stmt.ColumnText(13),
		Locked:            stmt.ColumnInt(14) != 0,
		Notes:             stmt.ColumnText(15),
	}
}

// GetDroneConfig returns nil, nil if no admin config exists for this name.
func (s *Store) GetDroneConfig(ctx context.Context, name string) (*types.DroneConfig, error) {
	var cfg *types.DroneConfig
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, droneConfigSelectSQL+` WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanDroneConfig(stmt)
				cfg = &v
				return nil
			},
		})
	})
	return cfg, err
}

// ListDroneConfigs returns every admin-managed drone configuration.
func (s *Store) ListDroneConfigs(ctx context.Context) ([]types.DroneConfig, error) {
	var configs []types.DroneConfig
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, droneConfigSelectSQL+` ORDER BY name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error { configs = append(configs, scanDroneConfig(stmt)); return nil },
		})
	})
	return configs, err
}

// UpsertDroneConfig creates or replaces an admin-owned drone configuration.
func (s *Store) UpsertDroneConfig(ctx context.Context, c types.DroneConfig) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO drone_configs (name, ssh_user, ssh_port, ssh_key_path, ssh_password,
				core_limit, job_count, soft_mem_cap_gb, auto_reboot_allowed, protected,
				failure_ceiling, binhost_target, display_name, control_plane_tag, locked, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				ssh_user = excluded.ssh_user,
				ssh_port = excluded.ssh_port,
				ssh_key_path = excluded.ssh_key_path,
				ssh_password = excluded.ssh_password,
				core_limit = excluded.core_limit,
				job_count = excluded.job_count,
				soft_mem_cap_gb = excluded.soft_mem_cap_gb,
				auto_reboot_allowed = excluded.auto_reboot_allowed,
				protected = excluded.protected,
				failure_ceiling = excluded.failure_ceiling,
				binhost_target = excluded.binhost_target,
				display_name = excluded.display_name,
				control_plane_tag = excluded.control_plane_tag,
				locked = excluded.locked,
				notes = excluded.notes`, &sqlitex.ExecOptions{
			Args: []any{c.Name, c.SSHUser, c.SSHPort, c.SSHKeyPath, c.SSHPassword, c.CoreLimit,
				c.JobCount, c.SoftMemCapGB, c.AutoRebootAllowed, c.Protected, c.FailureCeiling,
				c.BinhostTarget, c.DisplayName, c.ControlPlaneTag, c.Locked, c.Notes},
		})
	})
}

// DeleteDroneConfig removes an admin-owned drone configuration.
func (s *Store) DeleteDroneConfig(ctx context.Context, name string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM drone_configs WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
		})
	})
}

// GetKV reads one key from the general-purpose admin key/value table (used
// for the global pause flag and similar singleton toggles). Returns "",
// false if unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM kv_config WHERE key = ?`, &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	})
	return value, found, err
}

// SetKV writes one key to the admin key/value table.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO kv_config (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, &sqlitex.ExecOptions{
			Args: []any{key, value},
		})
	})
}
