package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const payloadVersionSelectSQL = `
	SELECT kind, version, content_hash, content_ref, size, description, created_at FROM payload_versions`

func scanPayloadVersion(stmt *sqlite.Stmt) types.PayloadVersion {
	return types.PayloadVersion{
		Kind:        stmt.ColumnText(0),
		Version:     stmt.ColumnText(1),
		ContentHash: stmt.ColumnText(2),
		ContentRef:  stmt.ColumnText(3),
		Size:        stmt.ColumnInt64(4),
		Description: stmt.ColumnText(5),
		CreatedAt:   unixToTime(stmt.ColumnFloat(6)),
	}
}

// CreatePayloadVersion registers a new content-addressed artifact version.
// Re-registering the same (kind, version) with the same hash is a no-op;
// a different hash for an existing (kind, version) is rejected by the
// caller before this is reached (content addressing makes a version
// immutable once published).
func (s *Store) CreatePayloadVersion(ctx context.Context, pv types.PayloadVersion) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO payload_versions (kind, version, content_hash, content_ref, size, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, version) DO NOTHING`, &sqlitex.ExecOptions{
			Args: []any{pv.Kind, pv.Version, pv.ContentHash, pv.ContentRef, pv.Size, pv.Description, nowUnix()},
		})
	})
}

// GetPayloadVersion returns nil, nil if the (kind, version) pair is unknown.
func (s *Store) GetPayloadVersion(ctx context.Context, kind, version string) (*types.PayloadVersion, error) {
	var pv *types.PayloadVersion
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, payloadVersionSelectSQL+` WHERE kind = ? AND version = ?`, &sqlitex.ExecOptions{
			Args: []any{kind, version},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanPayloadVersion(stmt)
				pv = &v
				return nil
			},
		})
	})
	return pv, err
}

// ListPayloadVersions returns every registered version of one kind, newest
// first.
func (s *Store) ListPayloadVersions(ctx context.Context, kind string) ([]types.PayloadVersion, error) {
	var versions []types.PayloadVersion
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, payloadVersionSelectSQL+` WHERE kind = ? ORDER BY created_at DESC`, &sqlitex.ExecOptions{
			Args:       []any{kind},
			ResultFunc: func(stmt *sqlite.Stmt) error { versions = append(versions, scanPayloadVersion(stmt)); return nil },
		})
	})
	return versions, err
}

// LatestPayloadVersion returns the most recently created version of a kind,
// nil if none exist.
func (s *Store) LatestPayloadVersion(ctx context.Context, kind string) (*types.PayloadVersion, error) {
	var pv *types.PayloadVersion
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, payloadVersionSelectSQL+` WHERE kind = ? ORDER BY created_at DESC LIMIT 1`, &sqlitex.ExecOptions{
			Args: []any{kind},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanPayloadVersion(stmt)
				pv = &v
				return nil
			},
		})
	})
	return pv, err
}

const dronePayloadSelectSQL = `
	SELECT drone_id, kind, deployed_version, deployed_hash, status, deployed_at FROM drone_payloads`

func scanDronePayload(stmt *sqlite.Stmt) types.DronePayload {
	return types.DronePayload{
		DroneID:         stmt.ColumnText(0),
		Kind:            stmt.ColumnText(1),
		DeployedVersion: stmt.ColumnText(2),
		DeployedHash:    stmt.ColumnText(3),
		Status:          types.DronePayloadStatus(stmt.ColumnText(4)),
		DeployedAt:      unixToTime(stmt.ColumnFloat(5)),
	}
}

// SetDronePayload records the outcome of deploying a payload to a drone.
func (s *Store) SetDronePayload(ctx context.Context, dp types.DronePayload) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO drone_payloads (drone_id, kind, deployed_version, deployed_hash, status, deployed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (drone_id, kind) DO UPDATE SET
				deployed_version = excluded.deployed_version,
				deployed_hash = excluded.deployed_hash,
				status = excluded.status,
				deployed_at = excluded.deployed_at`, &sqlitex.ExecOptions{
			Args: []any{dp.DroneID, dp.Kind, dp.DeployedVersion, dp.DeployedHash, string(dp.Status), nowUnix()},
		})
	})
}

// GetDronePayload returns nil, nil if the drone has no record of this kind.
func (s *Store) GetDronePayload(ctx context.Context, droneID, kind string) (*types.DronePayload, error) {
	var dp *types.DronePayload
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, dronePayloadSelectSQL+` WHERE drone_id = ? AND kind = ?`, &sqlitex.ExecOptions{
			Args: []any{droneID, kind},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanDronePayload(stmt)
				dp = &v
				return nil
			},
		})
	})
	return dp, err
}

// ListDronePayloads returns every payload record for one drone.
func (s *Store) ListDronePayloads(ctx context.Context, droneID string) ([]types.DronePayload, error) {
	var payloads []types.DronePayload
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, dronePayloadSelectSQL+` WHERE drone_id = ?`, &sqlitex.ExecOptions{
			Args:       []any{droneID},
			ResultFunc: func(stmt *sqlite.Stmt) error { payloads = append(payloads, scanDronePayload(stmt)); return nil },
		})
	})
	return payloads, err
}

// OutdatedDronePayloads returns every (drone, kind) pair whose deployed
// version differs from currentVersion or whose last deploy did not
// succeed, used to drive a rolling deploy.
func (s *Store) OutdatedDronePayloads(ctx context.Context, kind, currentVersion string) ([]types.DronePayload, error) {
	var payloads []types.DronePayload
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, dronePayloadSelectSQL+`
			WHERE kind = ? AND (deployed_version IS NULL OR deployed_version != ? OR status != 'success')`,
			&sqlitex.ExecOptions{
				Args:       []any{kind, currentVersion},
				ResultFunc: func(stmt *sqlite.Stmt) error { payloads = append(payloads, scanDronePayload(stmt)); return nil },
			})
	})
	return payloads, err
}

// AppendDeployLog records one deployment attempt, success or failure.
func (s *Store) AppendDeployLog(ctx context.Context, l types.DeployLog) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO deploy_log (kind, version, drone_id, action, status, duration_ms, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{l.Kind, l.Version, l.DroneID, string(l.Action), string(l.Status), l.DurationMs, l.Error, nowUnix()},
		})
	})
}

// DeployHistory returns up to limit most-recent deploy attempts for one
// payload kind, newest first.
func (s *Store) DeployHistory(ctx context.Context, kind string, limit int) ([]types.DeployLog, error) {
	var logs []types.DeployLog
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, kind, version, drone_id, action, status, duration_ms, error, created_at
			FROM deploy_log WHERE kind = ? ORDER BY created_at DESC LIMIT ?`, &sqlitex.ExecOptions{
			Args: []any{kind, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				logs = append(logs, types.DeployLog{
					ID:         stmt.ColumnInt64(0),
					Kind:       stmt.ColumnText(1),
					Version:    stmt.ColumnText(2),
					DroneID:    stmt.ColumnText(3),
					Action:     types.DeployAction(stmt.ColumnText(4)),
					Status:     types.DronePayloadStatus(stmt.ColumnText(5)),
					DurationMs: stmt.ColumnFloat(6),
					Error:      stmt.ColumnText(7),
					CreatedAt:  unixToTime(stmt.ColumnFloat(8)),
				})
				return nil
			},
		})
	})
	return logs, err
}
