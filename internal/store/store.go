// Package store is the control plane's single source of durable truth:
// drones, queue items, sessions, health records, events, the protocol log,
// payload/release registries, and admin-owned drone configuration.
//
// It is backed by one local SQLite database file in WAL mode: writes are
// serialized by SQLite itself, reads are concurrent, and every commit
// survives a process restart. Callers that need a cross-entity
// invariant enforced atomically (assign an item, bump a health counter,
// and emit an event in one commit) use WithTx.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/buildswarm/controlplane/internal/sqlitepool"
)

// Store is safe for concurrent use from multiple goroutines.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open creates (if needed) and migrates the database at path, returning a
// ready Store. path must name a file, not a directory; the parent
// directory must already exist (the config resolver creates it).
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var migrateErr error
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			if err := runMigrations(conn, logger); err != nil {
				migrateErr = err
				return err
			}
			return nil
		},
	})
	if err != nil {
		if migrateErr != nil {
			return nil, fmt.Errorf("opening store: %w", migrateErr)
		}
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Ping verifies the database is reachable by taking and releasing a
// connection.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

// withConn borrows a connection for the duration of fn.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// WithTx runs fn inside an immediate (write-locking) transaction, committing
// on success and rolling back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		endTx, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() {
			endTx(&err)
		}()
		err = fn(conn)
		return err
	})
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func timeToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func unixToTime(v float64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func unixToTimePtr(v float64, present bool) *time.Time {
	if !present || v == 0 {
		return nil
	}
	t := unixToTime(v)
	return &t
}

func timeToUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return float64(t.UnixNano()) / 1e9
}
