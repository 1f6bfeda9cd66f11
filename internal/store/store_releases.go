package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/pkg/types"
)

const releaseSelectSQL = `
	SELECT version, name, status, package_count, size_bytes, path, created_at, promoted_at, archived_at, deleted_at
	FROM releases`

func scanRelease(stmt *sqlite.Stmt) types.Release {
	r := types.Release{
		Version:      stmt.ColumnText(0),
		Name:         stmt.ColumnText(1),
		Status:       types.ReleaseStatus(stmt.ColumnText(2)),
		PackageCount: int(stmt.ColumnInt64(3)),
		SizeBytes:    stmt.ColumnInt64(4),
		Path:         stmt.ColumnText(5),
		CreatedAt:    unixToTime(stmt.ColumnFloat(6)),
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		r.PromotedAt = unixToTimePtr(stmt.ColumnFloat(7), true)
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		r.ArchivedAt = unixToTimePtr(stmt.ColumnFloat(8), true)
	}
	if stmt.ColumnType(9) != sqlite.TypeNull {
		r.DeletedAt = unixToTimePtr(stmt.ColumnFloat(9), true)
	}
	return r
}

// CreateRelease registers a new release in the staging state.
func (s *Store) CreateRelease(ctx context.Context, r types.Release) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO releases (version, name, status, package_count, size_bytes, path, created_at)
			VALUES (?, ?, 'staging', ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{r.Version, r.Name, r.PackageCount, r.SizeBytes, r.Path, nowUnix()},
		})
	})
}

// GetRelease returns nil, nil if the version is unknown.
func (s *Store) GetRelease(ctx context.Context, version string) (*types.Release, error) {
	var r *types.Release
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, releaseSelectSQL+` WHERE version = ?`, &sqlitex.ExecOptions{
			Args: []any{version},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanRelease(stmt)
				r = &v
				return nil
			},
		})
	})
	return r, err
}

// ActiveRelease returns the single release currently in the active state,
// nil if none is active.
func (s *Store) ActiveRelease(ctx context.Context) (*types.Release, error) {
	var r *types.Release
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, releaseSelectSQL+` WHERE status = 'active' LIMIT 1`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v := scanRelease(stmt)
				r = &v
				return nil
			},
		})
	})
	return r, err
}

// ListReleases returns every release, optionally filtered to one status
// (empty string means no filter), newest first.
func (s *Store) ListReleases(ctx context.Context, status types.ReleaseStatus) ([]types.Release, error) {
	query := releaseSelectSQL
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	var releases []types.Release
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args:       args,
			ResultFunc: func(stmt *sqlite.Stmt) error { releases = append(releases, scanRelease(stmt)); return nil },
		})
	})
	return releases, err
}

// PromoteRelease moves a staging release to active, demoting whatever was
// previously active to archived. Only one release is ever active.
func (s *Store) PromoteRelease(ctx context.Context, version string) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		var status string
		if err := sqlitex.Execute(conn, `SELECT status FROM releases WHERE version = ?`, &sqlitex.ExecOptions{
			Args:       []any{version},
			ResultFunc: func(stmt *sqlite.Stmt) error { status = stmt.ColumnText(0); return nil },
		}); err != nil {
			return err
		}
		if status == "" {
			return fmt.Errorf("release %s not found", version)
		}
		if status != string(types.ReleaseStaging) {
			return fmt.Errorf("release %s is %s, not staging", version, status)
		}

		now := nowUnix()
		if err := sqlitex.Execute(conn, `
			UPDATE releases SET status = 'archived', archived_at = ? WHERE status = 'active'`,
			&sqlitex.ExecOptions{Args: []any{now}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE releases SET status = 'active', promoted_at = ? WHERE version = ?`,
			&sqlitex.ExecOptions{Args: []any{now, version}})
	})
}

// RollbackRelease re-activates a previously archived release, archiving
// whatever is currently active. Used when a freshly promoted release fails
// its post-promotion health check.
func (s *Store) RollbackRelease(ctx context.Context, toVersion string) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		var status string
		if err := sqlitex.Execute(conn, `SELECT status FROM releases WHERE version = ?`, &sqlitex.ExecOptions{
			Args:       []any{toVersion},
			ResultFunc: func(stmt *sqlite.Stmt) error { status = stmt.ColumnText(0); return nil },
		}); err != nil {
			return err
		}
		if status != string(types.ReleaseArchived) {
			return fmt.Errorf("release %s is %s, not archived", toVersion, status)
		}

		now := nowUnix()
		if err := sqlitex.Execute(conn, `
			UPDATE releases SET status = 'archived', archived_at = ? WHERE status = 'active'`,
			&sqlitex.ExecOptions{Args: []any{now}}); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			UPDATE releases SET status = 'active', archived_at = NULL, promoted_at = ? WHERE version = ?`,
			&sqlitex.ExecOptions{Args: []any{now, toVersion}})
	})
}

// ArchiveRelease moves a release to archived. Archiving the active
// release is allowed and leaves no release active until the next promote.
func (s *Store) ArchiveRelease(ctx context.Context, version string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE releases SET status = 'archived', archived_at = ?
			WHERE version = ? AND status != 'deleted'`, &sqlitex.ExecOptions{
			Args: []any{nowUnix(), version},
		})
	})
}

// DeleteRelease marks a release deleted. Active releases cannot be deleted
// directly; they must be demoted first.
func (s *Store) DeleteRelease(ctx context.Context, version string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE releases SET status = 'deleted', deleted_at = ?
			WHERE version = ? AND status != 'active'`, &sqlitex.ExecOptions{
			Args: []any{nowUnix(), version},
		})
	})
}
