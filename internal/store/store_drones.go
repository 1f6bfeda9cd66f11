package store

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

// UpsertDrone creates a drone on first registration or updates its
// self-reported fields and last-seen timestamp on every subsequent one.
// Re-registering the same id twice always yields exactly one row.
func (s *Store) UpsertDrone(ctx context.Context, d types.Drone) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	metrics, err := json.Marshal(d.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	now := nowUnix()

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO drones (id, name, ip, type, kind, capabilities_json, metrics_json,
				current_task, version, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				ip = excluded.ip,
				type = excluded.type,
				capabilities_json = excluded.capabilities_json,
				metrics_json = excluded.metrics_json,
				current_task = excluded.current_task,
				version = excluded.version,
				last_seen = excluded.last_seen,
				updated_at = excluded.updated_at
		`, &sqlitex.ExecOptions{
			Args: []any{d.ID, d.Name, d.IP, string(d.Type), string(d.Kind), string(caps), string(metrics),
				d.CurrentTask, d.Version, now, now, now},
		})
	})
}

// GetDrone returns nil, nil if no drone with this id exists.
func (s *Store) GetDrone(ctx context.Context, id string) (*types.Drone, error) {
	var drone *types.Drone
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, droneSelectSQL+" WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d, err := scanDrone(stmt)
				if err != nil {
					return err
				}
				drone = d
				return nil
			},
		})
	})
	return drone, err
}

// GetDroneByName looks up a drone by its unique human name.
func (s *Store) GetDroneByName(ctx context.Context, name string) (*types.Drone, error) {
	var drone *types.Drone
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, droneSelectSQL+" WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d, err := scanDrone(stmt)
				if err != nil {
					return err
				}
				drone = d
				return nil
			},
		})
	})
	return drone, err
}

// ListDrones returns every registered drone. onlineThreshold marks a drone
// Online when now-lastSeen is within the threshold.
func (s *Store) ListDrones(ctx context.Context, onlineThresholdSeconds float64) ([]types.Drone, error) {
	var drones []types.Drone
	now := nowUnix()
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, droneSelectSQL+" ORDER BY name", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d, err := scanDrone(stmt)
				if err != nil {
					return err
				}
				d.Online = now-timeToUnix(d.LastSeen) < onlineThresholdSeconds
				drones = append(drones, *d)
				return nil
			},
		})
	})
	return drones, err
}

// SetDronePaused toggles the pause flag an admin uses to stop a drone from
// receiving new work without deregistering it.
func (s *Store) SetDronePaused(ctx context.Context, id string, paused bool) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		pausedInt := 0
		if paused {
			pausedInt = 1
		}
		return sqlitex.Execute(conn, `UPDATE drones SET paused = ? WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{pausedInt, id},
		})
	})
}

// SetDroneKind records an admin override of a drone's kind classification.
func (s *Store) SetDroneKind(ctx context.Context, id string, kind types.DroneKind) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE drones SET kind = ? WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(kind), id},
		})
	})
}

// SetDroneCurrentTask records what package (if any) a drone is actively
// building, used by the rebalance donor-selection rule.
func (s *Store) SetDroneCurrentTask(ctx context.Context, id, task string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE drones SET current_task = ? WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{task, id},
		})
	})
}

// UpdatePingResult records the outcome of an explicit proof-of-life probe.
func (s *Store) UpdatePingResult(ctx context.Context, id string, sentAt, recvAt float64, roundTripMs float64) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE drones SET last_ping_sent_at = ?, last_ping_recv_at = ?, last_round_trip_ms = ?
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{sentAt, recvAt, roundTripMs, id},
		})
	})
}

// DeleteDrone removes a drone and its dependent rows (admin-only; normal
// operation never deletes a drone).
func (s *Store) DeleteDrone(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		for _, stmt := range []string{
			`DELETE FROM health_records WHERE drone_id = ?`,
			`DELETE FROM drone_payloads WHERE drone_id = ?`,
			`DELETE FROM drones WHERE id = ?`,
		} {
			if err := sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResolveDroneID maps a drone's human name to its id.
func (s *Store) ResolveDroneID(ctx context.Context, name string) (string, error) {
	var id string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id FROM drones WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnText(0)
				return nil
			},
		})
	})
	return id, err
}

const droneSelectSQL = `
	SELECT id, name, ip, type, kind, capabilities_json, metrics_json, current_task,
		version, paused, last_seen, last_ping_sent_at, last_ping_recv_at, last_round_trip_ms,
		created_at, updated_at
	FROM drones`

func scanDrone(stmt *sqlite.Stmt) (*types.Drone, error) {
	d := &types.Drone{
		ID:          stmt.ColumnText(0),
		Name:        stmt.ColumnText(1),
		IP:          stmt.ColumnText(2),
		Type:        types.DroneType(stmt.ColumnText(3)),
		Kind:        types.DroneKind(stmt.ColumnText(4)),
		CurrentTask: stmt.ColumnText(7),
		Version:     stmt.ColumnText(8),
		Paused:      stmt.ColumnInt(9) != 0,
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &d.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshaling metrics for %s: %w", d.ID, err)
	}
	d.LastSeen = unixToTime(stmt.ColumnFloat(10))
	if stmt.ColumnType(11) != sqlite.TypeNull {
		d.LastPingSentAt = unixToTimePtr(stmt.ColumnFloat(11), true)
	}
	if stmt.ColumnType(12) != sqlite.TypeNull {
		d.LastPingRecvAt = unixToTimePtr(stmt.ColumnFloat(12), true)
	}
	d.LastRoundTripMs = stmt.ColumnFloat(13)
	d.CreatedAt = unixToTime(stmt.ColumnFloat(14))
	d.UpdatedAt = unixToTime(stmt.ColumnFloat(15))
	return d, nil
}
