// Package usage owns the write paths that grow a policy's history: issuing
// REGULAR policies, appending payments, and appending service records.
//
// Every append rewrites the derived fields in the same update, so coverage,
// priority and the cached service count never lag the history they summarize.
package usage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/metrics"
	"github.com/warp/policy-engine/policy"
)

// Recorder appends to policy histories.
type Recorder struct {
	store     policy.TxStore
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	txTimeout time.Duration
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithLogger(l zerolog.Logger) Option        { return func(r *Recorder) { r.log = l } }
func WithMetrics(m *metrics.Metrics) Option     { return func(r *Recorder) { r.metrics = m } }
func WithClock(now func() time.Time) Option     { return func(r *Recorder) { r.now = now } }
func WithTxTimeout(budget time.Duration) Option { return func(r *Recorder) { r.txTimeout = budget } }

func NewRecorder(store policy.TxStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:     store,
		log:       zerolog.Nop(),
		now:       time.Now,
		txTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue creates an externally issued policy. Kind defaults to REGULAR; the
// record starts ACTIVE with empty histories and freshly derived fields.
func (r *Recorder) Issue(ctx context.Context, p policy.Policy) (*policy.Policy, error) {
	p.PolicyNumber = strings.TrimSpace(p.PolicyNumber)
	if p.PolicyNumber == "" {
		return nil, &policy.ValidationError{Field: "policy_number", Reason: "missing"}
	}
	if p.EmissionDate.IsZero() {
		return nil, &policy.ValidationError{Field: "emission_date", Reason: "missing"}
	}
	if p.Kind == "" {
		p.Kind = policy.KindRegular
	}
	if p.Kind != policy.KindRegular {
		return nil, &policy.ValidationError{Field: "kind", Reason: "provisional policies are created by conversion"}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	now := r.now().UTC()
	p.RecordStatus = policy.StatusActive
	p.DeletedAt = nil
	p.DeletionReason = ""
	p.Payments = []policy.Payment{}
	p.ServiceHistory = []policy.ServiceRecord{}
	p.ServiceCount = 0
	p.VehicleRef = ""
	p.CreatedAt = now
	p.UpdatedAt = now

	d, err := policy.Derive(&p, now)
	if err != nil {
		return nil, err
	}
	p.Coverage = d.Coverage
	p.PriorityScore = d.PriorityScore

	if err := r.store.CreatePolicy(ctx, &p); err != nil {
		return nil, err
	}
	r.log.Info().Str("policy_id", p.ID).Str("policy_number", p.PolicyNumber).Msg("policy issued")
	return &p, nil
}

// RecordPayment appends a payment and recomputes coverage and priority.
func (r *Recorder) RecordPayment(ctx context.Context, policyID string, pay policy.Payment) (*policy.Policy, error) {
	if !pay.Status.Valid() {
		return nil, &policy.ValidationError{Field: "status", Reason: string(pay.Status)}
	}
	if pay.PaidDate.IsZero() {
		return nil, &policy.ValidationError{Field: "paid_date", Reason: "missing"}
	}
	if pay.Amount.IsNegative() {
		return nil, &policy.ValidationError{Field: "amount", Reason: "negative"}
	}
	pay.PaidDate = pay.PaidDate.UTC()

	out, err := r.append(ctx, policyID, func(p *policy.Policy) {
		p.Payments = append(p.Payments, pay)
	})
	if err != nil {
		return nil, err
	}
	r.metrics.IncUsage("payment")
	r.log.Info().
		Str("policy_id", policyID).
		Str("amount", pay.Amount.StringFixed(2)).
		Str("status", string(pay.Status)).
		Str("coverage_state", string(out.Coverage.State)).
		Msg("payment recorded")
	return out, nil
}

// RecordService appends a service record. The sequence number is assigned
// here as history length + 1; a zero service date means now.
func (r *Recorder) RecordService(ctx context.Context, policyID string, rec policy.ServiceRecord) (*policy.Policy, error) {
	rec.CaseNumber = strings.TrimSpace(rec.CaseNumber)
	if rec.CaseNumber == "" {
		return nil, &policy.ValidationError{Field: "case_number", Reason: "missing"}
	}
	if rec.ServiceDate.IsZero() {
		rec.ServiceDate = r.now()
	}
	rec.ServiceDate = rec.ServiceDate.UTC()

	out, err := r.append(ctx, policyID, func(p *policy.Policy) {
		rec.SequenceNumber = len(p.ServiceHistory) + 1
		p.ServiceHistory = append(p.ServiceHistory, rec)
	})
	if err != nil {
		return nil, err
	}
	r.metrics.IncUsage("service")
	r.log.Info().
		Str("policy_id", policyID).
		Int("sequence_number", rec.SequenceNumber).
		Int("service_count", out.ServiceCount).
		Msg("service recorded")
	return out, nil
}

// append runs grow on a copy of the policy inside a transaction, then writes
// both histories together with the fields derived from them.
func (r *Recorder) append(ctx context.Context, policyID string, grow func(p *policy.Policy)) (*policy.Policy, error) {
	var out *policy.Policy
	err := policy.RunTx(ctx, r.store, r.txTimeout, func(ctx context.Context, tx policy.Store) error {
		current, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: policyID})
		if err != nil {
			return err
		}
		if !current.IsActive() {
			return &policy.ConflictError{Collection: policy.CollectionPolicies, Key: policyID, Reason: "policy is deleted"}
		}

		next := current.Clone()
		grow(&next)
		d, err := policy.Derive(&next, r.now())
		if err != nil {
			return err
		}
		patch := d.RefreshPatch(&next)
		patch.Payments = &next.Payments
		out, err = tx.UpdatePolicy(ctx, policyID, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
