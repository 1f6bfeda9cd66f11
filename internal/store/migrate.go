package store

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	sql     string
}

// runMigrations applies every embedded migration that hasn't run yet,
// tracked in a schema_migrations table, then adds any column that an
// earlier schema version is missing. Both steps are idempotent and safe to
// run on every process start; neither ever drops or renames a column.
func runMigrations(conn *sqlite.Conn, logger *slog.Logger) error {
	if err := sqlitex.ExecuteTransient(conn, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at REAL NOT NULL
		)`, nil); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	if err := sqlitex.ExecuteTransient(conn, `SELECT version FROM schema_migrations`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			applied[int(stmt.ColumnInt64(0))] = true
			return nil
		},
	}); err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}

	migrations, err := availableMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		logger.Info("applying migration", "version", m.version, "name", m.name)
		if err := sqlitex.ExecuteScript(conn, m.sql, nil); err != nil {
			return fmt.Errorf("applying migration %03d_%s: %w", m.version, m.name, err)
		}
		if err := sqlitex.Execute(conn,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, unixepoch('subsec'))`,
			&sqlitex.ExecOptions{Args: []any{m.version, m.name}}); err != nil {
			return fmt.Errorf("recording migration %03d_%s: %w", m.version, m.name, err)
		}
	}

	return ensureColumns(conn)
}

func availableMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}
	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid migration filename %s (want NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version in %s: %w", filename, err)
	}
	return version, parts[1], nil
}

// columnAdditions lists columns that later code has come to expect on a
// table created by an earlier migration. Entries here are added with ALTER
// TABLE ... ADD COLUMN when missing; nothing is ever removed.
var columnAdditions = map[string][]struct{ name, decl string }{
	"health_records": {
		{"consecutive_probe_fails", "INTEGER NOT NULL DEFAULT 0"},
		{"first_probe_fail_at", "REAL"},
	},
}

func ensureColumns(conn *sqlite.Conn) error {
	for table, cols := range columnAdditions {
		existing := map[string]bool{}
		if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA table_info(%s)", table), &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existing[stmt.ColumnText(1)] = true
				return nil
			},
		}); err != nil {
			return fmt.Errorf("inspecting %s columns: %w", table, err)
		}
		for _, col := range cols {
			if existing[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.decl)
			if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
				return fmt.Errorf("adding column %s.%s: %w", table, col.name, err)
			}
		}
	}
	return nil
}
