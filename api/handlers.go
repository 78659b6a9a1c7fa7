/*
handlers.go - HTTP API handlers for the policy lifecycle engine

PURPOSE:
  Thin operator surface over the engine. Handlers decode the request,
  call one domain operation and encode its result.

ENDPOINTS:
  Policies:
    GET    /api/policies               List policies (status, kind, after, limit)
    POST   /api/policies               Issue a REGULAR policy
    GET    /api/policies/{id}          Get one policy
    DELETE /api/policies/{id}          Operator retirement (?reason=)
    POST   /api/policies/{id}/payments Append a payment
    POST   /api/policies/{id}/services Append a service record
    GET    /api/dispatch               ACTIVE policies by priority score

  Vehicles:
    GET    /api/vehicles               List vehicles (status, after, limit)
    POST   /api/vehicles               Register an UNASSIGNED vehicle
    POST   /api/vehicles/{id}/convert  Convert one vehicle
    POST   /api/vehicles/convert       Batch conversion

  Admin:
    POST   /api/admin/cleanup          Run the cleanup passes now
    POST   /api/admin/audit            Consistency scan (?repair=true)

ERROR HANDLING:
  Domain errors map to HTTP status through writeDomainError:
  - 400: ValidationError, malformed input
  - 404: NotFoundError
  - 409: ConflictError, cleanup already running
  - 504: TransactionTimeoutError
  - 503: PersistenceError
  - 500: anything else

SECURITY NOTE:
  No authentication. Deploy behind an authenticating proxy.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/audit"
	"github.com/warp/policy-engine/cleanup"
	"github.com/warp/policy-engine/conversion"
	"github.com/warp/policy-engine/policy"
	"github.com/warp/policy-engine/usage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the components the handlers call.
type Deps struct {
	Store       policy.TxStore
	Coordinator *conversion.Coordinator
	Recorder    *usage.Recorder
	Scheduler   *cleanup.Scheduler
	Auditor     *audit.Auditor
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	store       policy.TxStore
	coordinator *conversion.Coordinator
	recorder    *usage.Recorder
	scheduler   *cleanup.Scheduler
	auditor     *audit.Auditor
	log         zerolog.Logger
	now         func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		store:       d.Store,
		coordinator: d.Coordinator,
		recorder:    d.Recorder,
		scheduler:   d.Scheduler,
		auditor:     d.Auditor,
		log:         d.Logger,
		now:         d.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns one page of policies ordered by id.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	q := r.URL.Query()
	f := policy.PolicyFilter{
		Statuses: splitQuery[policy.RecordStatus](q["status"]),
		Kinds:    splitQuery[policy.PolicyKind](q["kind"]),
	}

	items, err := h.store.FindPolicies(r.Context(), f, page)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(items, page.Limit, func(p policy.Policy) string { return p.ID }))
}

// IssuePolicy registers an externally issued policy.
func (h *Handler) IssuePolicy(w http.ResponseWriter, r *http.Request) {
	var req IssuePolicyRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.recorder.Issue(r.Context(), req.toPolicy())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPolicy returns a single policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.FindPolicy(r.Context(), policy.PolicyFilter{ID: chi.URLParam(r, "id")})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RetirePolicy deletes a policy on operator request.
func (h *Handler) RetirePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.scheduler.RetirePolicy(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RecordPayment appends a payment to a policy.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.recorder.RecordPayment(r.Context(), chi.URLParam(r, "id"), policy.Payment{
		Amount:   req.Amount,
		PaidDate: req.PaidDate,
		Status:   req.Status,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RecordService appends a service record to a policy.
func (h *Handler) RecordService(w http.ResponseWriter, r *http.Request) {
	var req ServiceRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.recorder.RecordService(r.Context(), chi.URLParam(r, "id"), policy.ServiceRecord{
		ServiceDate: req.ServiceDate,
		CaseNumber:  req.CaseNumber,
		Route:       req.Route,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Dispatch returns ACTIVE policies ranked by priority score.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	page.AfterID = ""
	page.Sort = policy.SortByPriority

	items, err := h.store.FindPolicies(r.Context(), policy.PolicyFilter{Statuses: []policy.RecordStatus{policy.StatusActive}}, page)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[policy.Policy]{Items: nonNil(items)})
}

// =============================================================================
// VEHICLE HANDLERS
// =============================================================================

// ListVehicles returns one page of vehicles ordered by id.
func (h *Handler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	f := policy.VehicleFilter{Statuses: splitQuery[policy.VehicleStatus](r.URL.Query()["status"])}

	items, err := h.store.FindVehicles(r.Context(), f, page)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(items, page.Limit, func(v policy.Vehicle) string { return v.ID }))
}

// CreateVehicle registers a vehicle as UNASSIGNED.
func (h *Handler) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	var req CreateVehicleRequest
	if !decode(w, r, &req) {
		return
	}
	serial := strings.TrimSpace(req.SerialNumber)
	if serial == "" {
		h.writeDomainError(w, &policy.ValidationError{Field: "serial_number", Reason: "missing"})
		return
	}

	now := h.now().UTC()
	v := &policy.Vehicle{
		ID:           uuid.NewString(),
		SerialNumber: serial,
		Status:       policy.VehicleUnassigned,
		Plate:        req.Plate,
		Owner:        req.Owner,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateVehicle(r.Context(), v); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ConvertVehicle promotes one vehicle to a provisional policy, or upgrades
// its legacy labels.
func (h *Handler) ConvertVehicle(w http.ResponseWriter, r *http.Request) {
	out, err := h.coordinator.Convert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if out.Case == conversion.CaseCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// ConvertBatch converts the listed vehicles, or a bounded number of
// UNASSIGNED ones. Per-record failures are reported in the result.
func (h *Handler) ConvertBatch(w http.ResponseWriter, r *http.Request) {
	var req ConvertBatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) > 0 {
		writeJSON(w, http.StatusOK, h.coordinator.ConvertBatch(r.Context(), req.IDs))
		return
	}
	if req.Limit <= 0 {
		h.writeDomainError(w, &policy.ValidationError{Field: "limit", Reason: "ids or a positive limit is required"})
		return
	}
	result, err := h.coordinator.ConvertUnassigned(r.Context(), req.Limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerCleanup runs every cleanup pass once. It returns 409 while another
// run holds the guard.
func (h *Handler) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.Run(r.Context())
	if errors.Is(err, cleanup.ErrAlreadyRunning) {
		h.writeDomainError(w, err)
		return
	}
	if err != nil {
		// The passes that could run still produced summaries.
		h.log.Warn().Err(err).Msg("cleanup run finished with errors")
		writeJSON(w, http.StatusInternalServerError, struct {
			ErrorResponse
			Report cleanup.Report `json:"report"`
		}{ErrorResponse{Error: "cleanup run incomplete", Details: err.Error()}, report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Audit runs the consistency scan, and the counter repair when repair=true.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	repair, err := boolQuery(r, "repair")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	report, err := h.auditor.Scan(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := AuditResponse{Report: report}
	if repair {
		result := h.auditor.Repair(r.Context(), report)
		resp.Repair = &result
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy to an HTTP status.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", "Invalid request", err)
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Record not found", err)
	case errors.Is(err, policy.ErrConflict), errors.Is(err, cleanup.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "conflict", "Conflicting state", err)
	case errors.Is(err, policy.ErrTransactionTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Transaction timed out", err)
	case errors.Is(err, policy.ErrPersistence):
		h.log.Error().Err(err).Msg("store failure")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Store unavailable", err)
	default:
		h.log.Error().Err(err).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal", "Internal error", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body", err)
		return false
	}
	return true
}

func pageFromQuery(r *http.Request) (policy.Page, error) {
	q := r.URL.Query()
	page := policy.Page{AfterID: q.Get("after"), Limit: defaultPageSize}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page, &policy.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		page.Limit = min(n, maxPageSize)
	}
	return page, nil
}

func boolQuery(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &policy.ValidationError{Field: key, Reason: "must be a boolean"}
	}
	return v, nil
}

// splitQuery accepts both repeated keys and comma-separated values.
func splitQuery[T ~string](vals []string) []T {
	var out []T
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, T(strings.ToUpper(part)))
			}
		}
	}
	return out
}

func listResponse[T any](items []T, limit int, id func(T) string) ListResponse[T] {
	resp := ListResponse[T]{Items: nonNil(items)}
	if len(items) == limit && limit > 0 {
		resp.Next = id(items[len(items)-1])
	}
	return resp
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
