// Package store provides in-memory Store implementations.
package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/warp/policy-engine/policy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var _ policy.TxStore = (*Memory)(nil)

// Memory keeps policies and vehicles in maps guarded by one lock.
// Transactions are serialized and rolled back by restoring a snapshot.
type Memory struct {
	mu       sync.RWMutex
	policies map[string]policy.Policy
	vehicles map[string]policy.Vehicle
	now      func() time.Time
}

// NewMemory returns an empty transactional memory store.
func NewMemory() *Memory {
	return &Memory{
		policies: make(map[string]policy.Policy),
		vehicles: make(map[string]policy.Vehicle),
		now:      time.Now,
	}
}

// WithClock overrides the clock used for UpdatedAt stamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) FindPolicy(ctx context.Context, f policy.PolicyFilter) (*policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findPolicyLocked(ctx, f)
}

func (m *Memory) FindPolicies(ctx context.Context, f policy.PolicyFilter, page policy.Page) ([]policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findPoliciesLocked(ctx, f, page)
}

func (m *Memory) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPolicyLocked(ctx, p)
}

func (m *Memory) UpdatePolicy(ctx context.Context, id string, patch policy.PolicyPatch) (*policy.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePolicyLocked(ctx, id, patch)
}

func (m *Memory) FindVehicle(ctx context.Context, f policy.VehicleFilter) (*policy.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findVehicleLocked(ctx, f)
}

func (m *Memory) FindVehicles(ctx context.Context, f policy.VehicleFilter, page policy.Page) ([]policy.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findVehiclesLocked(ctx, f, page)
}

func (m *Memory) CreateVehicle(ctx context.Context, v *policy.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createVehicleLocked(ctx, v)
}

func (m *Memory) UpdateVehicle(ctx context.Context, id string, patch policy.VehiclePatch) (*policy.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateVehicleLocked(ctx, id, patch)
}

// =============================================================================
// LOCKED OPERATIONS
// =============================================================================

func (m *Memory) findPolicyLocked(ctx context.Context, f policy.PolicyFilter) (*policy.Policy, error) {
	found, err := m.findPoliciesLocked(ctx, f, policy.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &policy.NotFoundError{Collection: policy.CollectionPolicies, Key: policyKey(f)}
	}
	return &found[0], nil
}

func (m *Memory) findPoliciesLocked(ctx context.Context, f policy.PolicyFilter, page policy.Page) ([]policy.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []policy.Policy
	for _, p := range m.policies {
		if !f.Match(&p) {
			continue
		}
		if page.Sort == policy.SortByID && page.AfterID != "" && p.ID <= page.AfterID {
			continue
		}
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b policy.Policy) int {
		if page.Sort == policy.SortByPriority {
			if c := cmp.Compare(b.PriorityScore, a.PriorityScore); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (m *Memory) createPolicyLocked(ctx context.Context, p *policy.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		return &policy.ValidationError{Field: "id", Reason: "missing"}
	}
	if _, ok := m.policies[p.ID]; ok {
		return &policy.ConflictError{Collection: policy.CollectionPolicies, Key: p.ID, Reason: "id already exists"}
	}
	for _, existing := range m.policies {
		if existing.PolicyNumber == p.PolicyNumber {
			return &policy.ConflictError{Collection: policy.CollectionPolicies, Key: p.PolicyNumber, Reason: "policy number already exists"}
		}
	}
	m.policies[p.ID] = p.Clone()
	return nil
}

func (m *Memory) updatePolicyLocked(ctx context.Context, id string, patch policy.PolicyPatch) (*policy.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := m.policies[id]
	if !ok {
		return nil, &policy.NotFoundError{Collection: policy.CollectionPolicies, Key: id}
	}
	p = p.Clone()
	if err := p.Apply(patch, m.now()); err != nil {
		return nil, err
	}
	m.policies[id] = p
	out := p.Clone()
	return &out, nil
}

func (m *Memory) findVehicleLocked(ctx context.Context, f policy.VehicleFilter) (*policy.Vehicle, error) {
	found, err := m.findVehiclesLocked(ctx, f, policy.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &policy.NotFoundError{Collection: policy.CollectionVehicles, Key: vehicleKey(f)}
	}
	return &found[0], nil
}

func (m *Memory) findVehiclesLocked(ctx context.Context, f policy.VehicleFilter, page policy.Page) ([]policy.Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []policy.Vehicle
	for _, v := range m.vehicles {
		if !f.Match(&v) {
			continue
		}
		if page.AfterID != "" && v.ID <= page.AfterID {
			continue
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b policy.Vehicle) int { return cmp.Compare(a.ID, b.ID) })
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (m *Memory) createVehicleLocked(ctx context.Context, v *policy.Vehicle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.ID == "" {
		return &policy.ValidationError{Field: "id", Reason: "missing"}
	}
	if _, ok := m.vehicles[v.ID]; ok {
		return &policy.ConflictError{Collection: policy.CollectionVehicles, Key: v.ID, Reason: "id already exists"}
	}
	for _, existing := range m.vehicles {
		if existing.SerialNumber == v.SerialNumber {
			return &policy.ConflictError{Collection: policy.CollectionVehicles, Key: v.SerialNumber, Reason: "serial number already exists"}
		}
	}
	m.vehicles[v.ID] = *v
	return nil
}

func (m *Memory) updateVehicleLocked(ctx context.Context, id string, patch policy.VehiclePatch) (*policy.Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.vehicles[id]
	if !ok {
		return nil, &policy.NotFoundError{Collection: policy.CollectionVehicles, Key: id}
	}
	if err := v.Apply(patch, m.now()); err != nil {
		return nil, err
	}
	m.vehicles[id] = v
	return &v, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(policy.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	// A transaction whose context ended before commit does not commit.
	if err := ctx.Err(); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	policies map[string]policy.Policy
	vehicles map[string]policy.Vehicle
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		policies: make(map[string]policy.Policy, len(m.policies)),
		vehicles: make(map[string]policy.Vehicle, len(m.vehicles)),
	}
	for k, v := range m.policies {
		s.policies[k] = v.Clone()
	}
	for k, v := range m.vehicles {
		s.vehicles[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.policies = s.policies
	m.vehicles = s.vehicles
}

// txView runs operations against the parent while WithTx holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) FindPolicy(ctx context.Context, f policy.PolicyFilter) (*policy.Policy, error) {
	return tv.parent.findPolicyLocked(ctx, f)
}

func (tv *txView) FindPolicies(ctx context.Context, f policy.PolicyFilter, page policy.Page) ([]policy.Policy, error) {
	return tv.parent.findPoliciesLocked(ctx, f, page)
}

func (tv *txView) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	return tv.parent.createPolicyLocked(ctx, p)
}

func (tv *txView) UpdatePolicy(ctx context.Context, id string, patch policy.PolicyPatch) (*policy.Policy, error) {
	return tv.parent.updatePolicyLocked(ctx, id, patch)
}

func (tv *txView) FindVehicle(ctx context.Context, f policy.VehicleFilter) (*policy.Vehicle, error) {
	return tv.parent.findVehicleLocked(ctx, f)
}

func (tv *txView) FindVehicles(ctx context.Context, f policy.VehicleFilter, page policy.Page) ([]policy.Vehicle, error) {
	return tv.parent.findVehiclesLocked(ctx, f, page)
}

func (tv *txView) CreateVehicle(ctx context.Context, v *policy.Vehicle) error {
	return tv.parent.createVehicleLocked(ctx, v)
}

func (tv *txView) UpdateVehicle(ctx context.Context, id string, patch policy.VehiclePatch) (*policy.Vehicle, error) {
	return tv.parent.updateVehicleLocked(ctx, id, patch)
}

func policyKey(f policy.PolicyFilter) string {
	return firstNonEmpty(f.ID, f.PolicyNumber, f.VehicleRef, "filter")
}

func vehicleKey(f policy.VehicleFilter) string {
	return firstNonEmpty(f.ID, f.SerialNumber, f.PolicyRef, "filter")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
