package docdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		policy_number TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		record_status TEXT NOT NULL,
		vehicle_ref TEXT NOT NULL DEFAULT '',
		service_count INTEGER NOT NULL DEFAULT 0,
		priority_score INTEGER NOT NULL DEFAULT 0,
		doc TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_status_kind ON policies(record_status, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_priority ON policies(priority_score DESC, id)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_vehicle_ref ON policies(vehicle_ref)`,
	`CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		serial_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		policy_ref TEXT NOT NULL DEFAULT '',
		doc TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vehicles_status ON vehicles(status)`,
	`CREATE INDEX IF NOT EXISTS idx_vehicles_policy_ref ON vehicles(policy_ref)`,
}

// OpenSQLite opens (and migrates) a SQLite document store.
// Use ":memory:" for an in-memory database.
//
// The pool is pinned to one connection since SQLite allows one writer at a
// time. ":memory:" becomes a uniquely named shared-cache database held open
// by a second connection, so the data survives database/sql discarding the
// pooled connection after a cancelled transaction.
func OpenSQLite(path string) (*DB, error) {
	memory := path == ":memory:"
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	if memory {
		dsn = "file:policy-" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	var keepalive func() error
	if memory {
		if keepalive, err = holdOpen(dsn); err != nil {
			db.Close()
			return nil, err
		}
	}

	s, err := newDB(db, dialect{
		name:        "sqlite",
		schema:      sqliteSchema,
		placeholder: func(int) string { return "?" },
		jsonParam:   func(int) string { return "?" },
		classify:    classifySQLite,
	})
	if err != nil {
		if keepalive != nil {
			keepalive()
		}
		return nil, err
	}
	s.release = keepalive
	return s, nil
}

// holdOpen pins a connection to a shared-cache in-memory database; the
// database is dropped when its last connection closes.
func holdOpen(dsn string) (func() error, error) {
	pool, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn, err := pool.Conn(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to pin in-memory database: %w", err)
	}
	return func() error {
		return errors.Join(conn.Close(), pool.Close())
	}, nil
}

func classifySQLite(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return errUniqueViolation
	}
	return nil
}
