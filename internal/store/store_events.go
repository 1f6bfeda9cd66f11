package store

import (
	"context"
	"encoding/json"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const eventSelectSQL = `
	SELECT id, timestamp, kind, message, details_json, drone_id, package FROM events`

func scanEvent(stmt *sqlite.Stmt) (types.Event, error) {
	e := types.Event{
		ID:        stmt.ColumnInt64(0),
		Timestamp: unixToTime(stmt.ColumnFloat(1)),
		Kind:      types.EventKind(stmt.ColumnText(2)),
		Message:   stmt.ColumnText(3),
		DroneID:   stmt.ColumnText(5),
		Package:   stmt.ColumnText(6),
	}
	if raw := stmt.ColumnText(4); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Details); err != nil {
			return types.Event{}, err
		}
	}
	return e, nil
}

// AppendEvent persists one event row. It is called from the event bus's
// write-behind flush loop, never synchronously from a request handler.
func (s *Store) AppendEvent(ctx context.Context, e types.Event) (int64, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `
			INSERT INTO events (timestamp, kind, message, details_json, drone_id, package)
			VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{timeToUnix(e.Timestamp), string(e.Kind), e.Message, string(details), e.DroneID, e.Package},
		}); err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	return id, err
}

// ListEvents returns up to limit most-recent events. kind, droneID, and
// sinceUnix filter when non-zero.
func (s *Store) ListEvents(ctx context.Context, limit int, kind types.EventKind, droneID string, sinceUnix float64) ([]types.Event, error) {
	query := eventSelectSQL + ` WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if droneID != "" {
		query += ` AND drone_id = ?`
		args = append(args, droneID)
	}
	if sinceUnix > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, sinceUnix)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var events []types.Event
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := scanEvent(stmt)
				if err != nil {
					return err
				}
				events = append(events, e)
				return nil
			},
		})
	})
	return events, err
}

// PruneEvents deletes events older than the given unix cutoff, keeping the
// events table from growing without bound since the ring buffer only
// bounds what is held in memory.
func (s *Store) PruneEvents(ctx context.Context, beforeUnix float64) (int, error) {
	var deleted int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM events WHERE timestamp < ?`, &sqlitex.ExecOptions{
			Args: []any{beforeUnix},
		}); err != nil {
			return err
		}
		deleted = conn.Changes()
		return nil
	})
	return deleted, err
}
