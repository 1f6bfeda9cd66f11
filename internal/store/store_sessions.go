package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const sessionSelectSQL = `SELECT id, name, status, total, completed, failed, created_at, closed_at FROM sessions`

func scanSession(stmt *sqlite.Stmt) types.Session {
	sess := types.Session{
		ID:        stmt.ColumnInt64(0),
		Name:      stmt.ColumnText(1),
		Status:    types.SessionStatus(stmt.ColumnText(2)),
		Total:     int(stmt.ColumnInt64(3)),
		Completed: int(stmt.ColumnInt64(4)),
		Failed:    int(stmt.ColumnInt64(5)),
		CreatedAt: unixToTime(stmt.ColumnFloat(6)),
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		sess.ClosedAt = unixToTimePtr(stmt.ColumnFloat(7), true)
	}
	return sess
}

// CreateSession creates a new active session with the given total item
// count and returns its id.
func (s *Store) CreateSession(ctx context.Context, name string, total int) (int64, error) {
	var id int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `
			INSERT INTO sessions (name, status, total, created_at) VALUES (?, 'active', ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{name, total, nowUnix()}}); err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	return id, err
}

// GetSession returns nil, nil if the session does not exist.
func (s *Store) GetSession(ctx context.Context, id int64) (*types.Session, error) {
	var sess *types.Session
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sessionSelectSQL+` WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanSession(stmt)
				sess = &v
				return nil
			},
		})
	})
	return sess, err
}

// ListSessions returns every session, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sessionSelectSQL+` ORDER BY created_at DESC`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error { sessions = append(sessions, scanSession(stmt)); return nil },
		})
	})
	return sessions, err
}

// RecomputeSessionTotals recounts a session's member items and closes it
// when every member is terminal (received, blocked, or failed).
func (s *Store) RecomputeSessionTotals(ctx context.Context, sessionID int64) error {
	if sessionID == 0 {
		return nil
	}
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		var total, completed, failed, pending int
		if err := sqlitex.Execute(conn, `
			SELECT
				COUNT(*),
				SUM(CASE WHEN status = 'received' THEN 1 ELSE 0 END),
				SUM(CASE WHEN status IN ('blocked', 'failed') THEN 1 ELSE 0 END),
				SUM(CASE WHEN status IN ('needed', 'delegated') THEN 1 ELSE 0 END)
			FROM queue WHERE session_id = ?`, &sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = int(stmt.ColumnInt64(0))
				completed = int(stmt.ColumnInt64(1))
				failed = int(stmt.ColumnInt64(2))
				pending = int(stmt.ColumnInt64(3))
				return nil
			},
		}); err != nil {
			return err
		}

		status := "active"
		var closedAt any
		if total > 0 && pending == 0 {
			status = "completed"
			if failed == total {
				status = "aborted"
			}
			closedAt = nowUnix()
		}

		return sqlitex.Execute(conn, `
			UPDATE sessions SET total = ?, completed = ?, failed = ?, status = ?, closed_at = ?
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{total, completed, failed, status, closedAt, sessionID},
		})
	})
}
