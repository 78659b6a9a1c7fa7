/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers that are not plain domain records

Policies, vehicles, conversion outcomes, batch results and audit reports
are returned as their domain types; their JSON tags are the wire contract.

VALIDATION:
  Validation is done by the domain operations, not in DTOs.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/policy-engine/audit"
	"github.com/warp/policy-engine/policy"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// IssuePolicyRequest registers a REGULAR policy from the insurer feed.
type IssuePolicyRequest struct {
	PolicyNumber string         `json:"policy_number"`
	EmissionDate time.Time      `json:"emission_date"`
	Holder       policy.Contact `json:"holder"`
}

// PaymentRequest appends a payment.
type PaymentRequest struct {
	Amount   decimal.Decimal      `json:"amount"`
	PaidDate time.Time            `json:"paid_date"`
	Status   policy.PaymentStatus `json:"status"`
}

// ServiceRequest appends a service record. A zero date means now.
type ServiceRequest struct {
	ServiceDate time.Time `json:"service_date"`
	CaseNumber  string    `json:"case_number"`
	Route       string    `json:"route,omitempty"`
}

// CreateVehicleRequest registers an UNASSIGNED vehicle.
type CreateVehicleRequest struct {
	SerialNumber string         `json:"serial_number"`
	Plate        string         `json:"plate,omitempty"`
	Owner        policy.Contact `json:"owner"`
}

// ConvertBatchRequest converts the listed vehicles, or up to Limit
// UNASSIGNED vehicles when IDs is empty.
type ConvertBatchRequest struct {
	IDs   []string `json:"ids,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ListResponse pages a collection. Next is the cursor for the following
// page, empty on the last one.
type ListResponse[T any] struct {
	Items []T    `json:"items"`
	Next  string `json:"next,omitempty"`
}

// AuditResponse carries a scan and, when requested, its repair.
type AuditResponse struct {
	Report audit.Report        `json:"report"`
	Repair *policy.BatchResult `json:"repair,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func (r IssuePolicyRequest) toPolicy() policy.Policy {
	return policy.Policy{
		PolicyNumber: r.PolicyNumber,
		Kind:         policy.KindRegular,
		EmissionDate: r.EmissionDate,
		Holder:       r.Holder,
	}
}
