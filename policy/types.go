/*
Package policy provides the core policy lifecycle model.

PURPOSE:
  Holds the two record families the engine administers (Policy and Vehicle),
  the pure functions that derive a policy's coverage state and dispatch
  priority, and the persistence contract every store implements.

KEY CONCEPTS IN THIS FILE (types.go):
  - Policy: an insurance policy with payment and service history
  - Vehicle: a registered vehicle that may be converted into a policy
  - Coverage: the derived coverage fields, always written together
  - Link: the typed bidirectional Vehicle <-> Policy reference

DESIGN PRINCIPLES:
  1. Derived fields are never hand-edited. Coverage is replaced as one value.
  2. ServiceCount is a cache of len(ServiceHistory). Only Apply() sets it.
  3. DELETED is terminal. A deleted policy rejects every patch.
  4. Legacy labels (NIV/NIP) are readable but never written.

SEE ALSO:
  - coverage.go: CoverageStateCalculator
  - priority.go: PriorityScorer
  - patch.go: Update semantics shared by all stores
  - store.go: PersistentStore contract
*/
package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

// PolicyKind classifies how a policy was issued.
type PolicyKind string

const (
	KindRegular     PolicyKind = "REGULAR"
	KindProvisional PolicyKind = "PROVISIONAL"

	// KindLegacyProvisional is the older label for provisional policies.
	// Still present in unmigrated records; never written by this engine.
	KindLegacyProvisional PolicyKind = "NIP"
)

// IsProvisional reports whether the kind is provisional under either label.
func (k PolicyKind) IsProvisional() bool {
	return k == KindProvisional || k == KindLegacyProvisional
}

// Valid reports whether k is a known kind.
func (k PolicyKind) Valid() bool {
	switch k {
	case KindRegular, KindProvisional, KindLegacyProvisional:
		return true
	}
	return false
}

// RecordStatus is a policy's lifecycle status.
type RecordStatus string

const (
	StatusActive  RecordStatus = "ACTIVE"
	StatusDeleted RecordStatus = "DELETED"
)

// CoverageState is the derived state of a policy's paid-up window.
type CoverageState string

const (
	CoverageCurrent     CoverageState = "CURRENT"
	CoverageGracePeriod CoverageState = "GRACE_PERIOD"
	CoverageExpired     CoverageState = "EXPIRED"
)

// Valid reports whether s is a known coverage state.
func (s CoverageState) Valid() bool {
	switch s {
	case CoverageCurrent, CoverageGracePeriod, CoverageExpired:
		return true
	}
	return false
}

// PaymentStatus tells realized payments apart from scheduled ones.
type PaymentStatus string

const (
	PaymentRealized PaymentStatus = "REALIZED"
	PaymentPlanned  PaymentStatus = "PLANNED"
	PaymentPending  PaymentStatus = "PENDING"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentRealized, PaymentPlanned, PaymentPending:
		return true
	}
	return false
}

// VehicleStatus is a vehicle's lifecycle status.
type VehicleStatus string

const (
	VehicleUnassigned VehicleStatus = "UNASSIGNED"
	VehicleAssigned   VehicleStatus = "ASSIGNED"
	VehicleConverted  VehicleStatus = "CONVERTED"
	VehicleRemoved    VehicleStatus = "REMOVED"

	// VehicleStatusLegacyConverted is the older converted marker.
	VehicleStatusLegacyConverted VehicleStatus = "NIV"
)

// IsConverted reports whether the vehicle is converted under either label.
func (s VehicleStatus) IsConverted() bool {
	return s == VehicleConverted || s == VehicleStatusLegacyConverted
}

// Deletion reasons written by the engine.
const (
	ReasonServiceAllowanceConsumed = "service_allowance_consumed"
	ReasonOperatorRequest          = "operator_request"
)

// =============================================================================
// RECORDS
// =============================================================================

// Payment is one entry of a policy's financial history.
type Payment struct {
	Amount   decimal.Decimal `json:"amount"`
	PaidDate time.Time       `json:"paid_date"`
	Status   PaymentStatus   `json:"status"`
}

// ServiceRecord is one dispatched service charged against a policy.
type ServiceRecord struct {
	SequenceNumber int       `json:"sequence_number"`
	ServiceDate    time.Time `json:"service_date"`
	CaseNumber     string    `json:"case_number"`
	Route          string    `json:"route,omitempty"`
}

// Contact is the owner/holder data attached to vehicles and policies.
type Contact struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

// IsZero reports whether no contact field is set.
func (c Contact) IsZero() bool {
	return c == Contact{}
}

// Coverage groups every derived coverage field. Stores replace it whole.
type Coverage struct {
	State                 CoverageState `json:"state"`
	EndDate               time.Time     `json:"end_date"`
	GraceEndDate          time.Time     `json:"grace_end_date"`
	DaysRemainingCoverage int           `json:"days_remaining_coverage"`
	DaysRemainingGrace    int           `json:"days_remaining_grace"`
}

// Policy is an insurance policy record.
type Policy struct {
	ID             string          `json:"id"`
	PolicyNumber   string          `json:"policy_number"`
	Kind           PolicyKind      `json:"kind"`
	RecordStatus   RecordStatus    `json:"record_status"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	DeletionReason string          `json:"deletion_reason,omitempty"`
	EmissionDate   time.Time       `json:"emission_date"`
	Coverage       Coverage        `json:"coverage"`
	Payments       []Payment       `json:"payments"`
	ServiceHistory []ServiceRecord `json:"service_history"`
	ServiceCount   int             `json:"service_count"`
	VehicleRef     string          `json:"vehicle_ref,omitempty"`
	PriorityScore  int             `json:"priority_score"`
	Holder         Contact         `json:"holder"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsActive reports whether the policy is ACTIVE.
func (p *Policy) IsActive() bool { return p.RecordStatus == StatusActive }

// LastService returns the most recent service date, if any.
func (p *Policy) LastService() (time.Time, bool) {
	var last time.Time
	for _, s := range p.ServiceHistory {
		if s.ServiceDate.After(last) {
			last = s.ServiceDate
		}
	}
	return last, len(p.ServiceHistory) > 0
}

// RealizedPayments returns the number of payments with REALIZED status.
func (p *Policy) RealizedPayments() int {
	n := 0
	for _, pay := range p.Payments {
		if pay.Status == PaymentRealized {
			n++
		}
	}
	return n
}

// Vehicle is a registered vehicle record.
type Vehicle struct {
	ID           string        `json:"id"`
	SerialNumber string        `json:"serial_number"`
	Status       VehicleStatus `json:"status"`
	PolicyRef    string        `json:"policy_ref,omitempty"`
	Plate        string        `json:"plate,omitempty"`
	Owner        Contact       `json:"owner"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
