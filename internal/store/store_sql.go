package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// QueryResult is the tabular output of a restricted read-only query.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// readOnlyVerbs is the strict whitelist the SQL explorer accepts. Anything
// else, including EXPLAIN and PRAGMA, is rejected before reaching SQLite.
var readOnlyVerbs = map[string]bool{
	"SELECT": true,
	"WITH":   true,
}

// validateReadOnly rejects everything except a single read-only statement.
func validateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	if strings.Count(trimmed, ";") > 1 || (strings.Contains(trimmed, ";") && !strings.HasSuffix(trimmed, ";")) {
		return fmt.Errorf("only a single statement is allowed")
	}
	verb := strings.ToUpper(strings.Fields(trimmed)[0])
	if !readOnlyVerbs[verb] {
		return fmt.Errorf("only SELECT queries are allowed, got %s", verb)
	}
	return nil
}

// ReadOnlyQuery runs one whitelisted read-only statement with a row cap,
// for the admin SQL explorer. The connection is forced read-only for the
// duration so even a crafted statement cannot write.
func (s *Store) ReadOnlyQuery(ctx context.Context, query string, maxRows int) (*QueryResult, error) {
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = 500
	}

	res := &QueryResult{Rows: [][]any{}}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteTransient(conn, `PRAGMA query_only = 1`, nil); err != nil {
			return err
		}
		defer func() {
			_ = sqlitex.ExecuteTransient(conn, `PRAGMA query_only = 0`, nil)
		}()

		return sqlitex.ExecuteTransient(conn, strings.TrimSuffix(strings.TrimSpace(query), ";"), &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if res.Columns == nil {
					for i := 0; i < stmt.ColumnCount(); i++ {
						res.Columns = append(res.Columns, stmt.ColumnName(i))
					}
				}
				if len(res.Rows) >= maxRows {
					res.Truncated = true
					return nil
				}
				row := make([]any, stmt.ColumnCount())
				for i := 0; i < stmt.ColumnCount(); i++ {
					switch stmt.ColumnType(i) {
					case sqlite.TypeInteger:
						row[i] = stmt.ColumnInt64(i)
					case sqlite.TypeFloat:
						row[i] = stmt.ColumnFloat(i)
					case sqlite.TypeNull:
						row[i] = nil
					default:
						row[i] = stmt.ColumnText(i)
					}
				}
				res.Rows = append(res.Rows, row)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Tables lists user tables, for the SQL explorer's schema browser.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
			ORDER BY name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tables = append(tables, stmt.ColumnText(0))
				return nil
			},
		})
	})
	return tables, err
}

// TableSchema returns the CREATE statement for one table.
func (s *Store) TableSchema(ctx context.Context, table string) (string, error) {
	var schema string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, &sqlitex.ExecOptions{
			Args:       []any{table},
			ResultFunc: func(stmt *sqlite.Stmt) error { schema = stmt.ColumnText(0); return nil },
		})
	})
	if err != nil {
		return "", err
	}
	if schema == "" {
		return "", fmt.Errorf("table %s not found", table)
	}
	return schema, nil
}
