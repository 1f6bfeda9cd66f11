package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const protocolSelectSQL = `
	SELECT id, timestamp, source_addr, method, path, classification, status_code, latency_ms,
		drone_hint, package_hint, request_body, response_body
	FROM protocol_entries`

func scanProtocolEntry(stmt *sqlite.Stmt) types.ProtocolEntry {
	return types.ProtocolEntry{
		ID:             stmt.ColumnInt64(0),
		Timestamp:      unixToTime(stmt.ColumnFloat(1)),
		SourceAddr:     stmt.ColumnText(2),
		Method:         stmt.ColumnText(3),
		Path:           stmt.ColumnText(4),
		Classification: stmt.ColumnText(5),
		StatusCode:     int(stmt.ColumnInt64(6)),
		LatencyMs:      stmt.ColumnFloat(7),
		DroneHint:      stmt.ColumnText(8),
		PackageHint:    stmt.ColumnText(9),
		RequestBody:    stmt.ColumnText(10),
		ResponseBody:   stmt.ColumnText(11),
	}
}

// AppendProtocolEntry persists one completed HTTP exchange record. Called
// from the protocol logger's write-behind flush loop.
func (s *Store) AppendProtocolEntry(ctx context.Context, e types.ProtocolEntry) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO protocol_entries (timestamp, source_addr, method, path, classification,
				status_code, latency_ms, drone_hint, package_hint, request_body, response_body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{timeToUnix(e.Timestamp), e.SourceAddr, e.Method, e.Path, e.Classification,
				e.StatusCode, e.LatencyMs, e.DroneHint, e.PackageHint, e.RequestBody, e.ResponseBody},
		})
	})
}

// ListProtocolEntries returns up to limit most-recent entries, optionally
// filtered to one classification (empty string means no filter).
func (s *Store) ListProtocolEntries(ctx context.Context, limit int, classification string) ([]types.ProtocolEntry, error) {
	query := protocolSelectSQL
	var args []any
	if classification != "" {
		query += ` WHERE classification = ?`
		args = append(args, classification)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var entries []types.ProtocolEntry
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, scanProtocolEntry(stmt))
				return nil
			},
		})
	})
	return entries, err
}

// ActivityBucket is one time-bucketed count in an activity density report.
type ActivityBucket struct {
	BucketStart float64 `json:"bucket_start"`
	Count       int     `json:"count"`
}

// ActivityDensity buckets protocol traffic between since and until into
// fixed-width windows, supporting the admin activity-density endpoint.
func (s *Store) ActivityDensity(ctx context.Context, sinceUnix, untilUnix, bucketSeconds float64) ([]ActivityBucket, error) {
	var buckets []ActivityBucket
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT CAST((timestamp - ?) / ? AS INTEGER) * ? + ? AS bucket_start, COUNT(*)
			FROM protocol_entries
			WHERE timestamp >= ? AND timestamp < ?
			GROUP BY bucket_start
			ORDER BY bucket_start ASC`, &sqlitex.ExecOptions{
			Args: []any{sinceUnix, bucketSeconds, bucketSeconds, sinceUnix, sinceUnix, untilUnix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				buckets = append(buckets, ActivityBucket{
					BucketStart: stmt.ColumnFloat(0),
					Count:       int(stmt.ColumnInt64(1)),
				})
				return nil
			},
		})
	})
	return buckets, err
}

// StateAtTime replays the protocol log up to atUnix and returns the entry
// that was in effect then for a given path prefix, supporting the admin
// protocol-replay endpoint. Returns nil, nil if no such entry exists.
func (s *Store) StateAtTime(ctx context.Context, pathPrefix string, atUnix float64) (*types.ProtocolEntry, error) {
	var entry *types.ProtocolEntry
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, protocolSelectSQL+`
			WHERE path LIKE ? AND timestamp <= ?
			ORDER BY timestamp DESC LIMIT 1`, &sqlitex.ExecOptions{
			Args: []any{pathPrefix + "%", atUnix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanProtocolEntry(stmt)
				entry = &v
				return nil
			},
		})
	})
	return entry, err
}

// PruneProtocolEntries deletes entries older than the given unix cutoff.
func (s *Store) PruneProtocolEntries(ctx context.Context, beforeUnix float64) (int, error) {
	var deleted int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM protocol_entries WHERE timestamp < ?`, &sqlitex.ExecOptions{
			Args: []any{beforeUnix},
		}); err != nil {
			return err
		}
		deleted = conn.Changes()
		return nil
	})
	return deleted, err
}
