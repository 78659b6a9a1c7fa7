/*
Package docdb provides a SQL-backed implementation of policy.TxStore.

PURPOSE:
  Stores Policy and Vehicle records as JSON documents next to a handful of
  promoted, indexed columns. Filters and sorting only touch the promoted
  columns; the document is the record of truth for everything else.

DIALECTS:
  sqlite:   mattn/go-sqlite3, single connection, used for dev and tests
  postgres: jackc/pgx/v5 stdlib driver, SERIALIZABLE transactions, JSONB docs

KEY TABLES:
  policies: id, policy_number (UNIQUE), kind, record_status, vehicle_ref,
            service_count, priority_score, doc
  vehicles: id, serial_number (UNIQUE), status, policy_ref, doc

UNIQUENESS:
  The UNIQUE constraints on policy_number and serial_number are what
  arbitrate concurrent conversions: the second insert of the same number
  fails at commit and surfaces as policy.ConflictError.

UPDATES:
  UpdatePolicy/UpdateVehicle read the document, run the shared Apply()
  from package policy, and write document + columns back in one statement,
  always inside a transaction.

SEE ALSO:
  - policy/store.go: Interface definitions
  - policy/store/memory.go: In-memory implementation for testing
*/
package docdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/policy-engine/policy"
)

var _ policy.TxStore = (*DB)(nil)

// DB implements policy.TxStore over database/sql.
type DB struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	release func() error
}

// dialect captures the SQL differences between backends.
type dialect struct {
	name        string
	schema      []string
	placeholder func(n int) string
	jsonParam   func(n int) string
	forUpdate   string
	txOptions   *sql.TxOptions
	classify    func(err error) error
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func newDB(db *sql.DB, d dialect) (*DB, error) {
	s := &DB{db: db, dialect: d, now: time.Now}
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// WithClock overrides the clock used for UpdatedAt stamps.
func (s *DB) WithClock(now func() time.Time) *DB {
	s.now = now
	return s
}

// Close closes the database connection.
func (s *DB) Close() error {
	err := s.db.Close()
	if s.release != nil {
		err = errors.Join(err, s.release())
	}
	return err
}

// Ping checks connectivity.
func (s *DB) Ping(ctx context.Context) error {
	return s.wrap("ping", s.db.PingContext(ctx))
}

// =============================================================================
// policy.Store (outside a transaction)
// =============================================================================

func (s *DB) FindPolicy(ctx context.Context, f policy.PolicyFilter) (*policy.Policy, error) {
	return s.findPolicy(ctx, s.db, f)
}

func (s *DB) FindPolicies(ctx context.Context, f policy.PolicyFilter, page policy.Page) ([]policy.Policy, error) {
	return s.findPolicies(ctx, s.db, f, page)
}

func (s *DB) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	return s.createPolicy(ctx, s.db, p)
}

func (s *DB) UpdatePolicy(ctx context.Context, id string, patch policy.PolicyPatch) (*policy.Policy, error) {
	var out *policy.Policy
	err := s.WithTx(ctx, func(tx policy.Store) error {
		var err error
		out, err = tx.UpdatePolicy(ctx, id, patch)
		return err
	})
	return out, err
}

func (s *DB) FindVehicle(ctx context.Context, f policy.VehicleFilter) (*policy.Vehicle, error) {
	return s.findVehicle(ctx, s.db, f)
}

func (s *DB) FindVehicles(ctx context.Context, f policy.VehicleFilter, page policy.Page) ([]policy.Vehicle, error) {
	return s.findVehicles(ctx, s.db, f, page)
}

func (s *DB) CreateVehicle(ctx context.Context, v *policy.Vehicle) error {
	return s.createVehicle(ctx, s.db, v)
}

func (s *DB) UpdateVehicle(ctx context.Context, id string, patch policy.VehiclePatch) (*policy.Vehicle, error) {
	var out *policy.Vehicle
	err := s.WithTx(ctx, func(tx policy.Store) error {
		var err error
		out, err = tx.UpdateVehicle(ctx, id, patch)
		return err
	})
	return out, err
}

// =============================================================================
// TRANSACTIONAL STORE (policy.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Every operation made
// through the Store handed to fn runs on that transaction.
func (s *DB) WithTx(ctx context.Context, fn func(policy.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.txOptions)
	if err != nil {
		return s.wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return s.wrap("commit", sqlTx.Commit())
}

type txStore struct {
	tx     *sql.Tx
	parent *DB
}

func (ts *txStore) FindPolicy(ctx context.Context, f policy.PolicyFilter) (*policy.Policy, error) {
	return ts.parent.findPolicy(ctx, ts.tx, f)
}

func (ts *txStore) FindPolicies(ctx context.Context, f policy.PolicyFilter, page policy.Page) ([]policy.Policy, error) {
	return ts.parent.findPolicies(ctx, ts.tx, f, page)
}

func (ts *txStore) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	return ts.parent.createPolicy(ctx, ts.tx, p)
}

func (ts *txStore) UpdatePolicy(ctx context.Context, id string, patch policy.PolicyPatch) (*policy.Policy, error) {
	return ts.parent.updatePolicy(ctx, ts.tx, id, patch)
}

func (ts *txStore) FindVehicle(ctx context.Context, f policy.VehicleFilter) (*policy.Vehicle, error) {
	return ts.parent.findVehicle(ctx, ts.tx, f)
}

func (ts *txStore) FindVehicles(ctx context.Context, f policy.VehicleFilter, page policy.Page) ([]policy.Vehicle, error) {
	return ts.parent.findVehicles(ctx, ts.tx, f, page)
}

func (ts *txStore) CreateVehicle(ctx context.Context, v *policy.Vehicle) error {
	return ts.parent.createVehicle(ctx, ts.tx, v)
}

func (ts *txStore) UpdateVehicle(ctx context.Context, id string, patch policy.VehiclePatch) (*policy.Vehicle, error) {
	return ts.parent.updateVehicle(ctx, ts.tx, id, patch)
}

// =============================================================================
// POLICIES
// =============================================================================

func (s *DB) findPolicy(ctx context.Context, q queryer, f policy.PolicyFilter) (*policy.Policy, error) {
	found, err := s.findPolicies(ctx, q, f, policy.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &policy.NotFoundError{Collection: policy.CollectionPolicies, Key: firstNonEmpty(f.ID, f.PolicyNumber, f.VehicleRef, "filter")}
	}
	return &found[0], nil
}

func (s *DB) findPolicies(ctx context.Context, q queryer, f policy.PolicyFilter, page policy.Page) ([]policy.Policy, error) {
	w := s.where()
	w.eq("id", f.ID)
	w.eq("policy_number", f.PolicyNumber)
	w.eq("vehicle_ref", f.VehicleRef)
	w.in("record_status", toStrings(f.Statuses))
	w.in("kind", toStrings(f.Kinds))

	order := "id ASC"
	if page.Sort == policy.SortByPriority {
		order = "priority_score DESC, id ASC"
	} else if page.AfterID != "" {
		w.gt("id", page.AfterID)
	}

	query := "SELECT doc FROM policies" + w.sql() + " ORDER BY " + order + limitClause(page.Limit)
	rows, err := q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, s.wrap("query policies", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var p policy.Policy
		if err := scanDoc(rows, &p); err != nil {
			return nil, s.wrap("scan policy", err)
		}
		out = append(out, p)
	}
	return out, s.wrap("iterate policies", rows.Err())
}

func (s *DB) createPolicy(ctx context.Context, q queryer, p *policy.Policy) error {
	if p.ID == "" {
		return &policy.ValidationError{Field: "id", Reason: "missing"}
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	ph := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO policies (id, policy_number, kind, record_status, vehicle_ref, service_count, priority_score, doc, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), s.dialect.jsonParam(8), ph(9))

	_, err = q.ExecContext(ctx, query,
		p.ID, p.PolicyNumber, string(p.Kind), string(p.RecordStatus), p.VehicleRef,
		p.ServiceCount, p.PriorityScore, string(doc), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return s.classify(err, policy.CollectionPolicies, p.PolicyNumber, "insert policy")
	}
	return nil
}

func (s *DB) updatePolicy(ctx context.Context, q queryer, id string, patch policy.PolicyPatch) (*policy.Policy, error) {
	ph := s.dialect.placeholder
	rows, err := q.QueryContext(ctx, "SELECT doc FROM policies WHERE id = "+ph(1)+s.dialect.forUpdate, id)
	if err != nil {
		return nil, s.wrap("load policy", err)
	}
	var p policy.Policy
	found := rows.Next()
	if found {
		err = scanDoc(rows, &p)
	}
	rows.Close()
	if err != nil {
		return nil, s.wrap("scan policy", err)
	}
	if !found {
		return nil, &policy.NotFoundError{Collection: policy.CollectionPolicies, Key: id}
	}

	if err := p.Apply(patch, s.now()); err != nil {
		return nil, err
	}
	doc, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE policies SET kind = %s, record_status = %s, vehicle_ref = %s,
			service_count = %s, priority_score = %s, doc = %s, updated_at = %s
		WHERE id = %s`,
		ph(1), ph(2), ph(3), ph(4), ph(5), s.dialect.jsonParam(6), ph(7), ph(8))
	_, err = q.ExecContext(ctx, query,
		string(p.Kind), string(p.RecordStatus), p.VehicleRef, p.ServiceCount, p.PriorityScore,
		string(doc), p.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, s.classify(err, policy.CollectionPolicies, id, "update policy")
	}
	return &p, nil
}

// =============================================================================
// VEHICLES
// =============================================================================

func (s *DB) findVehicle(ctx context.Context, q queryer, f policy.VehicleFilter) (*policy.Vehicle, error) {
	found, err := s.findVehicles(ctx, q, f, policy.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &policy.NotFoundError{Collection: policy.CollectionVehicles, Key: firstNonEmpty(f.ID, f.SerialNumber, f.PolicyRef, "filter")}
	}
	return &found[0], nil
}

func (s *DB) findVehicles(ctx context.Context, q queryer, f policy.VehicleFilter, page policy.Page) ([]policy.Vehicle, error) {
	w := s.where()
	w.eq("id", f.ID)
	w.eq("serial_number", f.SerialNumber)
	w.eq("policy_ref", f.PolicyRef)
	w.in("status", toStrings(f.Statuses))
	if page.AfterID != "" {
		w.gt("id", page.AfterID)
	}

	query := "SELECT doc FROM vehicles" + w.sql() + " ORDER BY id ASC" + limitClause(page.Limit)
	rows, err := q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, s.wrap("query vehicles", err)
	}
	defer rows.Close()

	var out []policy.Vehicle
	for rows.Next() {
		var v policy.Vehicle
		if err := scanDoc(rows, &v); err != nil {
			return nil, s.wrap("scan vehicle", err)
		}
		out = append(out, v)
	}
	return out, s.wrap("iterate vehicles", rows.Err())
}

func (s *DB) createVehicle(ctx context.Context, q queryer, v *policy.Vehicle) error {
	if v.ID == "" {
		return &policy.ValidationError{Field: "id", Reason: "missing"}
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode vehicle: %w", err)
	}
	ph := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO vehicles (id, serial_number, status, policy_ref, doc, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s)`,
		ph(1), ph(2), ph(3), ph(4), s.dialect.jsonParam(5), ph(6))
	_, err = q.ExecContext(ctx, query,
		v.ID, v.SerialNumber, string(v.Status), v.PolicyRef, string(doc),
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return s.classify(err, policy.CollectionVehicles, v.SerialNumber, "insert vehicle")
	}
	return nil
}

func (s *DB) updateVehicle(ctx context.Context, q queryer, id string, patch policy.VehiclePatch) (*policy.Vehicle, error) {
	ph := s.dialect.placeholder
	rows, err := q.QueryContext(ctx, "SELECT doc FROM vehicles WHERE id = "+ph(1)+s.dialect.forUpdate, id)
	if err != nil {
		return nil, s.wrap("load vehicle", err)
	}
	var v policy.Vehicle
	found := rows.Next()
	if found {
		err = scanDoc(rows, &v)
	}
	rows.Close()
	if err != nil {
		return nil, s.wrap("scan vehicle", err)
	}
	if !found {
		return nil, &policy.NotFoundError{Collection: policy.CollectionVehicles, Key: id}
	}

	if err := v.Apply(patch, s.now()); err != nil {
		return nil, err
	}
	doc, err := json.Marshal(&v)
	if err != nil {
		return nil, fmt.Errorf("encode vehicle: %w", err)
	}
	query := fmt.Sprintf(`
		UPDATE vehicles SET status = %s, policy_ref = %s, doc = %s, updated_at = %s
		WHERE id = %s`,
		ph(1), ph(2), s.dialect.jsonParam(3), ph(4), ph(5))
	_, err = q.ExecContext(ctx, query,
		string(v.Status), v.PolicyRef, string(doc), v.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, s.classify(err, policy.CollectionVehicles, id, "update vehicle")
	}
	return &v, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// wrap maps driver failures into the policy error taxonomy. Context errors
// pass through untouched so policy.RunTx can recognize a blown budget.
func (s *DB) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	switch classified := s.dialect.classify(err); {
	case classified == nil:
		return &policy.PersistenceError{Op: op, Err: err}
	case errors.Is(classified, errUniqueViolation):
		return fmt.Errorf("%w: %s: %v", policy.ErrConflict, op, err)
	default:
		return classified
	}
}

// classify is wrap for writes, where a unique violation names a record.
func (s *DB) classify(err error, coll policy.Collection, key, op string) error {
	if errors.Is(s.dialect.classify(err), errUniqueViolation) {
		return &policy.ConflictError{Collection: coll, Key: key, Reason: "already exists"}
	}
	return s.wrap(op, err)
}

// errUniqueViolation is returned by dialect classifiers for UNIQUE/PK hits.
var errUniqueViolation = errors.New("unique violation")

func scanDoc(rows *sql.Rows, dst any) error {
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

type whereBuilder struct {
	ph      func(n int) string
	clauses []string
	args    []any
}

func (s *DB) where() *whereBuilder { return &whereBuilder{ph: s.dialect.placeholder} }

func (w *whereBuilder) next(v any) string {
	w.args = append(w.args, v)
	return w.ph(len(w.args))
}

func (w *whereBuilder) eq(col, v string) {
	if v != "" {
		w.clauses = append(w.clauses, col+" = "+w.next(v))
	}
}

func (w *whereBuilder) gt(col, v string) {
	w.clauses = append(w.clauses, col+" > "+w.next(v))
}

func (w *whereBuilder) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	marks := make([]string, len(vals))
	for i, v := range vals {
		marks[i] = w.next(v)
	}
	w.clauses = append(w.clauses, col+" IN ("+strings.Join(marks, ", ")+")")
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
