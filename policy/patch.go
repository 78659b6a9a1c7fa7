package policy

import (
	"slices"
	"time"
)

// PolicyPatch is a typed partial update. Nil fields are left unchanged.
//
// There is deliberately no ServiceCount field: the count is re-derived from
// ServiceHistory whenever the history is written.
type PolicyPatch struct {
	Kind           *PolicyKind
	RecordStatus   *RecordStatus
	DeletedAt      *time.Time
	DeletionReason *string
	Coverage       *Coverage
	PriorityScore  *int
	Payments       *[]Payment
	ServiceHistory *[]ServiceRecord
	VehicleRef     *string
	Holder         *Contact
}

// Apply writes the patch onto p, enforcing the record invariants.
// Stores call it inside their write path so every backend behaves the same.
func (p *Policy) Apply(patch PolicyPatch, now time.Time) error {
	if p.RecordStatus == StatusDeleted {
		return &ConflictError{Collection: CollectionPolicies, Key: p.ID, Reason: "policy is deleted"}
	}
	if patch.RecordStatus != nil {
		switch *patch.RecordStatus {
		case StatusActive:
		case StatusDeleted:
			if patch.DeletedAt == nil || patch.DeletionReason == nil || *patch.DeletionReason == "" {
				return &ValidationError{Field: "deletion", Reason: "timestamp and reason are required"}
			}
		default:
			return &ValidationError{Field: "record_status", Reason: string(*patch.RecordStatus)}
		}
	}
	if patch.Kind != nil && !patch.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: string(*patch.Kind)}
	}
	if patch.Coverage != nil && !patch.Coverage.State.Valid() {
		return &ValidationError{Field: "coverage.state", Reason: string(patch.Coverage.State)}
	}

	if patch.Kind != nil {
		p.Kind = *patch.Kind
	}
	if patch.RecordStatus != nil {
		p.RecordStatus = *patch.RecordStatus
		if p.RecordStatus == StatusDeleted {
			at := patch.DeletedAt.UTC()
			p.DeletedAt = &at
			p.DeletionReason = *patch.DeletionReason
		}
	}
	if patch.Coverage != nil {
		p.Coverage = *patch.Coverage
	}
	if patch.PriorityScore != nil {
		p.PriorityScore = *patch.PriorityScore
	}
	if patch.Payments != nil {
		p.Payments = slices.Clone(*patch.Payments)
	}
	if patch.ServiceHistory != nil {
		p.ServiceHistory = slices.Clone(*patch.ServiceHistory)
		p.ServiceCount = len(p.ServiceHistory)
	}
	if patch.VehicleRef != nil {
		p.VehicleRef = *patch.VehicleRef
	}
	if patch.Holder != nil {
		p.Holder = *patch.Holder
	}
	p.UpdatedAt = now.UTC()
	return nil
}

// VehiclePatch is a typed partial update. Nil fields are left unchanged.
type VehiclePatch struct {
	Status    *VehicleStatus
	PolicyRef *string
	Owner     *Contact
}

// Apply writes the patch onto v.
func (v *Vehicle) Apply(patch VehiclePatch, now time.Time) error {
	if patch.Status != nil {
		switch *patch.Status {
		case VehicleUnassigned, VehicleAssigned, VehicleConverted, VehicleRemoved:
		default:
			return &ValidationError{Field: "vehicle_status", Reason: string(*patch.Status)}
		}
		v.Status = *patch.Status
	}
	if patch.PolicyRef != nil {
		v.PolicyRef = *patch.PolicyRef
	}
	if patch.Owner != nil {
		v.Owner = *patch.Owner
	}
	v.UpdatedAt = now.UTC()
	return nil
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	p.Payments = slices.Clone(p.Payments)
	p.ServiceHistory = slices.Clone(p.ServiceHistory)
	if p.DeletedAt != nil {
		at := *p.DeletedAt
		p.DeletedAt = &at
	}
	return p
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }
