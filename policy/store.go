/*
store.go - Persistence contract for policy and vehicle records

PURPOSE:
  Defines the interface between the lifecycle components and the database.
  Every algorithm in the engine is written against these operations only:

    findOne      -> FindPolicy / FindVehicle
    findMany     -> FindPolicies / FindVehicles
    updateOne    -> UpdatePolicy / UpdateVehicle
    createOne    -> CreatePolicy / CreateVehicle
    withTx       -> TxStore.WithTx

TRANSACTIONS:
  WithTx gives fn a Store bound to one transaction. Reads through that Store
  see the transaction's own writes; other callers see them only after
  commit. Returning an error from fn rolls everything back.

IMPLEMENTATIONS:
  - policy/store/memory.go: In-memory, for tests and development
  - store/docdb: SQLite and PostgreSQL

SEE ALSO:
  - patch.go: Update semantics shared by every implementation
  - errors.go: Error taxonomy returned by stores
*/
package policy

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Collection names a record family.
type Collection string

const (
	CollectionPolicies Collection = "policies"
	CollectionVehicles Collection = "vehicles"
)

// =============================================================================
// FILTERS AND PAGING
// =============================================================================

// PolicyFilter selects policies. Zero fields match everything.
type PolicyFilter struct {
	ID           string
	PolicyNumber string
	VehicleRef   string
	Statuses     []RecordStatus
	Kinds        []PolicyKind
}

// Match reports whether p satisfies the filter.
func (f PolicyFilter) Match(p *Policy) bool {
	if f.ID != "" && p.ID != f.ID {
		return false
	}
	if f.PolicyNumber != "" && p.PolicyNumber != f.PolicyNumber {
		return false
	}
	if f.VehicleRef != "" && p.VehicleRef != f.VehicleRef {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.RecordStatus) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, p.Kind) {
		return false
	}
	return true
}

// VehicleFilter selects vehicles. Zero fields match everything.
type VehicleFilter struct {
	ID           string
	SerialNumber string
	PolicyRef    string
	Statuses     []VehicleStatus
}

// Match reports whether v satisfies the filter.
func (f VehicleFilter) Match(v *Vehicle) bool {
	if f.ID != "" && v.ID != f.ID {
		return false
	}
	if f.SerialNumber != "" && v.SerialNumber != f.SerialNumber {
		return false
	}
	if f.PolicyRef != "" && v.PolicyRef != f.PolicyRef {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, v.Status) {
		return false
	}
	return true
}

// SortOrder selects the ordering of FindPolicies/FindVehicles.
type SortOrder int

const (
	// SortByID orders by id ascending and supports AfterID paging.
	SortByID SortOrder = iota
	// SortByPriority orders by priority score descending, then id.
	// Vehicles ignore it and fall back to SortByID.
	SortByPriority
)

// Page bounds a findMany call.
type Page struct {
	AfterID string // only honored with SortByID
	Limit   int    // <= 0 means unlimited
	Sort    SortOrder
}

// =============================================================================
// STORE
// =============================================================================

// Store is the persistence contract for policies and vehicles.
type Store interface {
	FindPolicy(ctx context.Context, f PolicyFilter) (*Policy, error)
	FindPolicies(ctx context.Context, f PolicyFilter, page Page) ([]Policy, error)
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, id string, patch PolicyPatch) (*Policy, error)

	FindVehicle(ctx context.Context, f VehicleFilter) (*Vehicle, error)
	FindVehicles(ctx context.Context, f VehicleFilter, page Page) ([]Vehicle, error)
	CreateVehicle(ctx context.Context, v *Vehicle) error
	UpdateVehicle(ctx context.Context, id string, patch VehiclePatch) (*Vehicle, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// RunTx runs fn in a transaction bounded by budget. fn receives the bounded
// context and must use it for its store calls. A transaction that outlives
// its budget is rolled back and reported as TransactionTimeoutError.
// A zero budget means no bound beyond ctx.
func RunTx(ctx context.Context, store TxStore, budget time.Duration, fn func(ctx context.Context, tx Store) error) error {
	if budget <= 0 {
		return store.WithTx(ctx, func(tx Store) error { return fn(ctx, tx) })
	}
	txCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := store.WithTx(txCtx, func(tx Store) error { return fn(txCtx, tx) })
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransactionTimeout) {
		return err
	}
	// Only the budget imposed here counts as a transaction timeout; a parent
	// deadline belongs to the caller.
	if txCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &TransactionTimeoutError{Budget: budget}
	}
	return err
}
