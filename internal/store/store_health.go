package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const healthSelectSQL = `
	SELECT drone_id, failure_count, last_failure_at, grounded_until, upload_failure_count,
		escalation_level, last_escalation_at, escalation_attempts, consecutive_probe_fails,
		first_probe_fail_at
	FROM health_records`

func scanHealth(stmt *sqlite.Stmt) types.HealthRecord {
	h := types.HealthRecord{
		DroneID:               stmt.ColumnText(0),
		FailureCount:          int(stmt.ColumnInt64(1)),
		UploadFailureCount:    int(stmt.ColumnInt64(4)),
		EscalationLevel:       int(stmt.ColumnInt64(5)),
		EscalationAttempts:    int(stmt.ColumnInt64(7)),
		ConsecutiveProbeFails: int(stmt.ColumnInt64(8)),
	}
	if stmt.ColumnType(2) != sqlite.TypeNull {
		h.LastFailureAt = unixToTimePtr(stmt.ColumnFloat(2), true)
	}
	if stmt.ColumnType(3) != sqlite.TypeNull {
		h.GroundedUntil = unixToTimePtr(stmt.ColumnFloat(3), true)
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		h.LastEscalationAt = unixToTimePtr(stmt.ColumnFloat(6), true)
	}
	return h
}

// ensureHealthRow makes sure a drone has a health_records row, defaulting
// everything to zero/healthy. Idempotent.
func ensureHealthRow(conn *sqlite.Conn, droneID string) error {
	return sqlitex.Execute(conn, `
		INSERT INTO health_records (drone_id) VALUES (?)
		ON CONFLICT (drone_id) DO NOTHING`, &sqlitex.ExecOptions{Args: []any{droneID}})
}

// GetHealth returns a drone's health record, creating a healthy default row
// if none exists yet.
func (s *Store) GetHealth(ctx context.Context, droneID string) (types.HealthRecord, error) {
	var h types.HealthRecord
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, healthSelectSQL+` WHERE drone_id = ?`, &sqlitex.ExecOptions{
			Args:       []any{droneID},
			ResultFunc: func(stmt *sqlite.Stmt) error { h = scanHealth(stmt); return nil },
		})
	})
	return h, err
}

// ListHealthRecords returns every drone's health record.
func (s *Store) ListHealthRecords(ctx context.Context) ([]types.HealthRecord, error) {
	var records []types.HealthRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, healthSelectSQL+` ORDER BY drone_id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanHealth(stmt))
				return nil
			},
		})
	})
	return records, err
}

// RecordDroneFailure increments the build-failure counter and, on crossing
// maxFailures, grounds the drone until now+groundingSeconds. Returns the
// updated record.
func (s *Store) RecordDroneFailure(ctx context.Context, droneID string, maxFailures int, groundingSeconds float64) (types.HealthRecord, error) {
	var h types.HealthRecord
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		now := nowUnix()
		if err := sqlitex.Execute(conn, `
			UPDATE health_records SET failure_count = failure_count + 1, last_failure_at = ?
			WHERE drone_id = ?`, &sqlitex.ExecOptions{Args: []any{now, droneID}}); err != nil {
			return err
		}
		if err := sqlitex.Execute(conn, healthSelectSQL+` WHERE drone_id = ?`, &sqlitex.ExecOptions{
			Args:       []any{droneID},
			ResultFunc: func(stmt *sqlite.Stmt) error { h = scanHealth(stmt); return nil },
		}); err != nil {
			return err
		}
		if h.FailureCount >= maxFailures {
			until := now + groundingSeconds
			if err := sqlitex.Execute(conn, `UPDATE health_records SET grounded_until = ? WHERE drone_id = ?`,
				&sqlitex.ExecOptions{Args: []any{until, droneID}}); err != nil {
				return err
			}
			t := unixToTime(until)
			h.GroundedUntil = &t
		}
		return nil
	})
	return h, err
}

// DecayDroneFailures reduces the failure counter after a successful
// completion, never below zero.
func (s *Store) DecayDroneFailures(ctx context.Context, droneID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE health_records SET failure_count = MAX(0, failure_count - 1) WHERE drone_id = ?`,
			&sqlitex.ExecOptions{Args: []any{droneID}})
	})
}

// RecordUploadFailure and ResetUploadFailures drive the independent
// upload-impairment circuit breaker.
func (s *Store) RecordUploadFailure(ctx context.Context, droneID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE health_records SET upload_failure_count = upload_failure_count + 1 WHERE drone_id = ?`,
			&sqlitex.ExecOptions{Args: []any{droneID}})
	})
}

func (s *Store) ResetUploadFailures(ctx context.Context, droneID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE health_records SET upload_failure_count = 0 WHERE drone_id = ?`,
			&sqlitex.ExecOptions{Args: []any{droneID}})
	})
}

// GroundDrone opens the circuit breaker directly until the given unix time.
// RecordDroneFailure grounds on a threshold crossing by itself and does not
// go through this method.
func (s *Store) GroundDrone(ctx context.Context, droneID string, until float64) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `UPDATE health_records SET grounded_until = ? WHERE drone_id = ?`,
			&sqlitex.ExecOptions{Args: []any{until, droneID}})
	})
}

// UngroundDrone clears the circuit breaker and resets the failure counter.
func (s *Store) UngroundDrone(ctx context.Context, droneID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE health_records SET grounded_until = NULL, failure_count = 0 WHERE drone_id = ?`,
			&sqlitex.ExecOptions{Args: []any{droneID}})
	})
}

// ResetDroneHealth clears every counter for one drone, or every drone when
// droneID is empty.
func (s *Store) ResetDroneHealth(ctx context.Context, droneID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		query := `UPDATE health_records SET failure_count = 0, grounded_until = NULL, upload_failure_count = 0`
		var args []any
		if droneID != "" {
			query += ` WHERE drone_id = ?`
			args = append(args, droneID)
		}
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
	})
}

// RecordProbeFailure bumps the consecutive-fail streak used by the
// self-healer's escalation guard, stamping the window start on the first
// failure in a streak.
func (s *Store) RecordProbeFailure(ctx context.Context, droneID string) (streak int, windowStart float64, err error) {
	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		now := nowUnix()
		if err := sqlitex.Execute(conn, `
			UPDATE health_records SET
				consecutive_probe_fails = consecutive_probe_fails + 1,
				first_probe_fail_at = COALESCE(first_probe_fail_at, ?)
			WHERE drone_id = ?`, &sqlitex.ExecOptions{Args: []any{now, droneID}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			SELECT consecutive_probe_fails, first_probe_fail_at FROM health_records WHERE drone_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{droneID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					streak = int(stmt.ColumnInt64(0))
					windowStart = stmt.ColumnFloat(1)
					return nil
				},
			})
	})
	return streak, windowStart, err
}

// ResetProbeStreak clears the consecutive-failure counter, called on a
// successful probe or a fresh heartbeat.
func (s *Store) ResetProbeStreak(ctx context.Context, droneID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE health_records SET consecutive_probe_fails = 0, first_probe_fail_at = NULL
			WHERE drone_id = ?`, &sqlitex.ExecOptions{Args: []any{droneID}})
	})
}

// SetEscalationLevel records the self-healer's ladder position.
func (s *Store) SetEscalationLevel(ctx context.Context, droneID string, level, attempts int) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE health_records SET escalation_level = ?, escalation_attempts = ?, last_escalation_at = ?
			WHERE drone_id = ?`, &sqlitex.ExecOptions{Args: []any{level, attempts, nowUnix(), droneID}})
	})
}

// ResetEscalation returns a drone to level 0, as if its last probe
// succeeded.
func (s *Store) ResetEscalation(ctx context.Context, droneID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := ensureHealthRow(conn, droneID); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE health_records SET escalation_level = 0, escalation_attempts = 0,
				consecutive_probe_fails = 0, first_probe_fail_at = NULL
			WHERE drone_id = ?`, &sqlitex.ExecOptions{Args: []any{droneID}})
	})
}
