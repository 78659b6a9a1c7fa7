package docdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/policy-engine/policy"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		policy_number TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		record_status TEXT NOT NULL,
		vehicle_ref TEXT NOT NULL DEFAULT '',
		service_count INTEGER NOT NULL DEFAULT 0,
		priority_score INTEGER NOT NULL DEFAULT 0,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_status_kind ON policies(record_status, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_priority ON policies(priority_score DESC, id)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_vehicle_ref ON policies(vehicle_ref)`,
	`CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		serial_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		policy_ref TEXT NOT NULL DEFAULT '',
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vehicles_status ON vehicles(status)`,
	`CREATE INDEX IF NOT EXISTS idx_vehicles_policy_ref ON vehicles(policy_ref)`,
}

// OpenPostgres opens (and migrates) a PostgreSQL document store through the
// pgx database/sql driver.
func OpenPostgres(dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return newDB(db, dialect{
		name:        "postgres",
		schema:      postgresSchema,
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		jsonParam:   func(n int) string { return "$" + strconv.Itoa(n) + "::jsonb" },
		forUpdate:   " FOR UPDATE",
		txOptions:   &sql.TxOptions{Isolation: sql.LevelSerializable},
		classify:    classifyPostgres,
	})
}

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return errUniqueViolation
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: concurrent transaction: %s", policy.ErrConflict, pgErr.Message)
	}
	return nil
}
