package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const queueSelectSQL = `
	SELECT id, package, status, assigned_to, assigned_at, completed_at,
		failure_count, error_message, session_id, created_at
	FROM queue`

func scanQueueItem(stmt *sqlite.Stmt) types.QueueItem {
	item := types.QueueItem{
		ID:           stmt.ColumnInt64(0),
		Package:      stmt.ColumnText(1),
		Status:       types.QueueStatus(stmt.ColumnText(2)),
		AssignedTo:   stmt.ColumnText(3),
		FailureCount: int(stmt.ColumnInt64(6)),
		ErrorMessage: stmt.ColumnText(7),
		SessionID:    stmt.ColumnInt64(8),
		CreatedAt:    unixToTime(stmt.ColumnFloat(9)),
	}
	if stmt.ColumnType(4) != sqlite.TypeNull {
		item.AssignedAt = unixToTimePtr(stmt.ColumnFloat(4), true)
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		item.CompletedAt = unixToTimePtr(stmt.ColumnFloat(5), true)
	}
	return item
}

// QueuePackages inserts a new `needed` row for each package not already
// active (needed or delegated) within the given session. Submitting the
// same package twice to the same session is therefore a no-op for the
// duplicate. sessionID is 0 for session-less admin submissions.
func (s *Store) QueuePackages(ctx context.Context, packages []string, sessionID int64) (inserted int, err error) {
	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		now := nowUnix()
		for _, pkg := range packages {
			exists := false
			if scanErr := sqlitex.Execute(conn, `
				SELECT 1 FROM queue
				WHERE package = ? AND session_id IS ? AND status IN ('needed', 'delegated')
				LIMIT 1`, &sqlitex.ExecOptions{
				Args:       []any{pkg, nullableSessionID(sessionID)},
				ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
			}); scanErr != nil {
				return scanErr
			}
			if exists {
				continue
			}
			if err := sqlitex.Execute(conn, `
				INSERT INTO queue (package, status, session_id, created_at)
				VALUES (?, 'needed', ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{pkg, nullableSessionID(sessionID), now},
			}); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

func nullableSessionID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// GetNeededPackages returns up to limit `needed` items in FIFO order.
func (s *Store) GetNeededPackages(ctx context.Context, limit int) ([]types.QueueItem, error) {
	var items []types.QueueItem
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, queueSelectSQL+`
			WHERE status = 'needed' ORDER BY created_at ASC LIMIT ?`, &sqlitex.ExecOptions{
			Args:       []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error { items = append(items, scanQueueItem(stmt)); return nil },
		})
	})
	return items, err
}

// GetBlockedPackages returns every item in status `blocked`.
func (s *Store) GetBlockedPackages(ctx context.Context) ([]types.QueueItem, error) {
	var items []types.QueueItem
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, queueSelectSQL+` WHERE status = 'blocked' ORDER BY created_at ASC`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error { items = append(items, scanQueueItem(stmt)); return nil },
		})
	})
	return items, err
}

// GetDelegatedPackages returns every `delegated` item, optionally narrowed
// to one drone.
func (s *Store) GetDelegatedPackages(ctx context.Context, droneID string) ([]types.QueueItem, error) {
	var items []types.QueueItem
	query := queueSelectSQL + ` WHERE status = 'delegated'`
	var args []any
	if droneID != "" {
		query += ` AND assigned_to = ?`
		args = append(args, droneID)
	}
	query += ` ORDER BY assigned_at DESC`
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args:       args,
			ResultFunc: func(stmt *sqlite.Stmt) error { items = append(items, scanQueueItem(stmt)); return nil },
		})
	})
	return items, err
}

// GetQueueItemByPackage returns the single active (non-terminal) row for a
// package, if any. Terminal rows (received) are excluded so callers always
// see the live assignment state.
func (s *Store) GetQueueItemByPackage(ctx context.Context, pkg string) (*types.QueueItem, error) {
	var item *types.QueueItem
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, queueSelectSQL+`
			WHERE package = ? AND status != 'received' ORDER BY created_at DESC LIMIT 1`, &sqlitex.ExecOptions{
			Args: []any{pkg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				qi := scanQueueItem(stmt)
				item = &qi
				return nil
			},
		})
	})
	return item, err
}

// AssignPackage atomically transitions one `needed` row to `delegated`.
// Returns false (no error) if the row was no longer `needed` — another
// caller won the race.
func (s *Store) AssignPackage(ctx context.Context, queueID int64, droneID string) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `
			UPDATE queue SET status = 'delegated', assigned_to = ?, assigned_at = ?
			WHERE id = ? AND status = 'needed'`, &sqlitex.ExecOptions{
			Args: []any{droneID, nowUnix(), queueID},
		}); err != nil {
			return err
		}
		ok = conn.Changes() > 0
		return nil
	})
	return ok, err
}

// AssignBlockedPackage is AssignPackage's sweeper-lane counterpart: it
// unblocks and delegates in one step instead of requiring the item to be
// `needed` first.
func (s *Store) AssignBlockedPackage(ctx context.Context, queueID int64, droneID string) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `
			UPDATE queue SET status = 'delegated', assigned_to = ?, assigned_at = ?
			WHERE id = ? AND status = 'blocked'`, &sqlitex.ExecOptions{
			Args: []any{droneID, nowUnix(), queueID},
		}); err != nil {
			return err
		}
		ok = conn.Changes() > 0
		return nil
	})
	return ok, err
}

// StealPackage reassigns a `delegated` item from donorID to a new assignee,
// but only if it is still held by donorID (guards against a race with a
// concurrent reclaim or completion).
func (s *Store) StealPackage(ctx context.Context, queueID int64, donorID, newDroneID string) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `
			UPDATE queue SET assigned_to = ?, assigned_at = ?
			WHERE id = ? AND assigned_to = ? AND status = 'delegated'`, &sqlitex.ExecOptions{
			Args: []any{newDroneID, nowUnix(), queueID, donorID},
		}); err != nil {
			return err
		}
		ok = conn.Changes() > 0
		return nil
	})
	return ok, err
}

// ReclaimPackage moves a `delegated` item back to `needed`, clearing its
// assignment. No-op if the item isn't currently delegated.
func (s *Store) ReclaimPackage(ctx context.Context, queueID int64) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE queue SET status = 'needed', assigned_to = NULL, assigned_at = NULL
			WHERE id = ? AND status = 'delegated'`, &sqlitex.ExecOptions{Args: []any{queueID}})
	})
}

// SetQueueStatus forces a status transition (used for block/unblock/fail
// admin and scheduler paths that don't fit the narrower helpers above).
func (s *Store) SetQueueStatus(ctx context.Context, queueID int64, status types.QueueStatus) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE queue SET status = ? WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{string(status), queueID},
		})
	})
}

// UnblockAll reverts every `blocked` item to `needed`, clearing failure
// bookkeeping, and returns the count touched.
func (s *Store) UnblockAll(ctx context.Context) (int, error) {
	var n int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `
			UPDATE queue SET status = 'needed', failure_count = 0, assigned_to = NULL, error_message = NULL
			WHERE status = 'blocked'`, nil); err != nil {
			return err
		}
		n = conn.Changes()
		return nil
	})
	return n, err
}

// RecordCompletion applies a drone's completion report to the item's row:
// success clears failure bookkeeping and marks it received; failed
// increments counters and moves the item to failStatus (needed, blocked, or
// failed, chosen by the scheduler's cross-drone and failure-cap policy);
// returned just reverts to needed. Must be called only after the caller has
// already verified the completion is not stale.
func (s *Store) RecordCompletion(ctx context.Context, queueID int64, status types.CompletionStatus, errMsg string, failStatus types.QueueStatus) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		switch status {
		case types.CompletionSuccess:
			return sqlitex.Execute(conn, `
				UPDATE queue SET status = 'received', completed_at = ?, assigned_to = NULL, error_message = NULL
				WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{nowUnix(), queueID}})
		case types.CompletionFailed:
			newStatus := string(failStatus)
			if newStatus == "" {
				newStatus = "needed"
			}
			return sqlitex.Execute(conn, `
				UPDATE queue SET status = ?, failure_count = failure_count + 1, error_message = ?,
					assigned_to = NULL
				WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{newStatus, errMsg, queueID}})
		case types.CompletionReturned:
			return sqlitex.Execute(conn, `
				UPDATE queue SET status = 'needed', assigned_to = NULL
				WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{queueID}})
		default:
			return fmt.Errorf("unknown completion status %q", status)
		}
	})
}

// IsPackageAssignedTo reports whether pkg is currently delegated to droneID.
func (s *Store) IsPackageAssignedTo(ctx context.Context, pkg, droneID string) (bool, error) {
	var ok bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT 1 FROM queue WHERE package = ? AND assigned_to = ? AND status = 'delegated' LIMIT 1`,
			&sqlitex.ExecOptions{
				Args:       []any{pkg, droneID},
				ResultFunc: func(*sqlite.Stmt) error { ok = true; return nil },
			})
	})
	return ok, err
}

// HasDroneFailedPackage reports whether droneID has a failed build_history
// row for pkg, used to avoid reassigning a package to a drone that already
// lost to it.
func (s *Store) HasDroneFailedPackage(ctx context.Context, droneID, pkg string) (bool, error) {
	var ok bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT 1 FROM build_history WHERE package = ? AND drone_id = ? AND status = 'failed' LIMIT 1`,
			&sqlitex.ExecOptions{
				Args:       []any{pkg, droneID},
				ResultFunc: func(*sqlite.Stmt) error { ok = true; return nil },
			})
	})
	return ok, err
}

// CountDistinctDroneFailures counts distinct drones that have a failed
// build_history row for pkg within the lookback window (seconds).
func (s *Store) CountDistinctDroneFailures(ctx context.Context, pkg string, lookbackSeconds float64) (int, error) {
	var n int
	cutoff := nowUnix() - lookbackSeconds
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT COUNT(DISTINCT drone_id) FROM build_history
			WHERE package = ? AND status = 'failed' AND built_at >= ?`, &sqlitex.ExecOptions{
			Args:       []any{pkg, cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error { n = int(stmt.ColumnInt64(0)); return nil },
		})
	})
	return n, err
}

// QueueCounts returns the number of queue rows per status.
func (s *Store) QueueCounts(ctx context.Context) (map[types.QueueStatus]int, error) {
	counts := map[types.QueueStatus]int{}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT status, COUNT(*) FROM queue GROUP BY status`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[types.QueueStatus(stmt.ColumnText(0))] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	})
	return counts, err
}

// RetryFailedPackages reverts every `failed` item to `needed` so the
// scheduler will hand them out again (admin retry_failures action).
// Failure counts are kept so the per-package cap still applies.
func (s *Store) RetryFailedPackages(ctx context.Context) (int, error) {
	var n int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `
			UPDATE queue SET status = 'needed', assigned_to = NULL, error_message = NULL
			WHERE status = 'failed'`, nil); err != nil {
			return err
		}
		n = conn.Changes()
		return nil
	})
	return n, err
}

// RecordBuildHistory appends an immutable attempt record.
func (s *Store) RecordBuildHistory(ctx context.Context, entry types.BuildHistoryEntry) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO build_history (package, drone_id, session_id, status, duration_s, error, built_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{entry.Package, entry.DroneID, nullableSessionID(entry.SessionID),
				string(entry.Status), entry.DurationS, entry.Error, nowUnix()},
		})
	})
}

// GetBuildHistory returns the most recent history rows, most recent first.
func (s *Store) GetBuildHistory(ctx context.Context, limit int, status, droneID string) ([]types.BuildHistoryEntry, error) {
	query := `SELECT id, package, drone_id, session_id, status, duration_s, error, built_at FROM build_history WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if droneID != "" {
		query += ` AND drone_id = ?`
		args = append(args, droneID)
	}
	query += ` ORDER BY built_at DESC LIMIT ?`
	args = append(args, limit)

	var entries []types.BuildHistoryEntry
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, types.BuildHistoryEntry{
					ID:        stmt.ColumnInt64(0),
					Package:   stmt.ColumnText(1),
					DroneID:   stmt.ColumnText(2),
					SessionID: stmt.ColumnInt64(3),
					Status:    types.CompletionStatus(stmt.ColumnText(4)),
					DurationS: stmt.ColumnFloat(5),
					Error:     stmt.ColumnText(6),
					BuiltAt:   unixToTime(stmt.ColumnFloat(7)),
				})
				return nil
			},
		})
	})
	return entries, err
}

// LastBuildHistoryAt returns the most recent built_at for pkg as a unix
// timestamp; the bool is false, and the timestamp 0, if there is none.
func (s *Store) LastBuildHistoryAt(ctx context.Context, pkg string) (float64, bool, error) {
	var at float64
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT built_at FROM build_history WHERE package = ? ORDER BY built_at DESC LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{pkg},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					at = stmt.ColumnFloat(0)
					found = true
					return nil
				},
			})
	})
	return at, found, err
}
