/*
Package audit detects cross-record inconsistencies and repairs counter drift.

FINDINGS:
  COUNT_DRIFT         policy whose service_count != len(service_history)
  INCONSISTENT        one-sided vehicle <-> policy reference
  DANGLING_REFERENCE  reference to a record that does not exist
  NUMBER_MISMATCH     provisional policy whose number is not its vehicle's serial
  TERMINOLOGY_DRIFT   policy kind label disagrees with its vehicle's status label

Scan never writes. Repair only resets drifted counters of ACTIVE policies to
the history length, in one transaction per policy, and never touches the
history itself. Drift on a DELETED policy is reported but left as is.
Reference findings are reported for operators and are not auto-corrected.
*/
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/metrics"
	"github.com/warp/policy-engine/notify"
	"github.com/warp/policy-engine/policy"
)

// Kind classifies a finding.
type Kind string

const (
	KindCountDrift       Kind = "COUNT_DRIFT"
	KindInconsistent     Kind = "INCONSISTENT"
	KindDangling         Kind = "DANGLING_REFERENCE"
	KindNumberMismatch   Kind = "NUMBER_MISMATCH"
	KindTerminologyDrift Kind = "TERMINOLOGY_DRIFT"
)

// OpRepair is the BatchResult operation name of Repair.
const OpRepair = "audit_repair"

// Finding is one detected inconsistency.
type Finding struct {
	Kind       Kind              `json:"kind"`
	Collection policy.Collection `json:"collection"`
	RecordID   string            `json:"record_id"`
	Details    string            `json:"details"`
}

// Report is the result of a Scan.
type Report struct {
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	PoliciesScanned int       `json:"policies_scanned"`
	VehiclesScanned int       `json:"vehicles_scanned"`
	Findings        []Finding `json:"findings"`
}

// Count returns the number of findings of kind k.
func (r Report) Count(k Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// Clean reports whether the scan found nothing.
func (r Report) Clean() bool { return len(r.Findings) == 0 }

// Auditor scans the store.
type Auditor struct {
	store     policy.TxStore
	log       zerolog.Logger
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	now       func() time.Time
	batchSize int
	txTimeout time.Duration
}

// Option configures an Auditor.
type Option func(*Auditor)

func WithLogger(l zerolog.Logger) Option        { return func(a *Auditor) { a.log = l } }
func WithMetrics(m *metrics.Metrics) Option     { return func(a *Auditor) { a.metrics = m } }
func WithNotifier(n notify.Notifier) Option     { return func(a *Auditor) { a.notifier = n } }
func WithClock(now func() time.Time) Option     { return func(a *Auditor) { a.now = now } }
func WithBatchSize(n int) Option                { return func(a *Auditor) { a.batchSize = n } }
func WithTxTimeout(budget time.Duration) Option { return func(a *Auditor) { a.txTimeout = budget } }

func NewAuditor(store policy.TxStore, opts ...Option) *Auditor {
	a := &Auditor{
		store:     store,
		log:       zerolog.Nop(),
		notifier:  notify.Nop{},
		now:       time.Now,
		batchSize: 200,
		txTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.batchSize <= 0 {
		a.batchSize = 200
	}
	return a
}

// =============================================================================
// SCAN
// =============================================================================

// Scan walks every vehicle and policy once and reports what disagrees.
func (a *Auditor) Scan(ctx context.Context) (Report, error) {
	report := Report{StartedAt: a.now().UTC(), Findings: []Finding{}}

	if err := a.scanVehicles(ctx, &report); err != nil {
		return report, err
	}
	if err := a.scanPolicies(ctx, &report); err != nil {
		return report, err
	}
	report.FinishedAt = a.now().UTC()

	for _, f := range report.Findings {
		a.metrics.IncFinding(string(f.Kind))
	}
	a.log.Info().
		Int("policies", report.PoliciesScanned).
		Int("vehicles", report.VehiclesScanned).
		Int("findings", len(report.Findings)).
		Int("count_drift", report.Count(KindCountDrift)).
		Int("inconsistent", report.Count(KindInconsistent)).
		Msg("consistency scan finished")
	return report, nil
}

func (a *Auditor) scanVehicles(ctx context.Context, r *Report) error {
	after := ""
	for {
		page, err := a.store.FindVehicles(ctx, policy.VehicleFilter{}, policy.Page{AfterID: after, Limit: a.batchSize})
		if err != nil {
			return fmt.Errorf("list vehicles: %w", err)
		}
		for i := range page {
			r.VehiclesScanned++
			if err := a.checkVehicle(ctx, &page[i], r); err != nil {
				return err
			}
		}
		if len(page) < a.batchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (a *Auditor) checkVehicle(ctx context.Context, v *policy.Vehicle, r *Report) error {
	add := func(k Kind, format string, args ...any) {
		r.Findings = append(r.Findings, Finding{Kind: k, Collection: policy.CollectionVehicles, RecordID: v.ID, Details: fmt.Sprintf(format, args...)})
	}

	switch {
	case v.Status.IsConverted() && v.PolicyRef == "":
		add(KindInconsistent, "status %s without policy_ref", v.Status)
		return nil
	case v.Status == policy.VehicleUnassigned && v.PolicyRef != "":
		add(KindInconsistent, "policy_ref %s set on %s vehicle", v.PolicyRef, v.Status)
	}
	if v.PolicyRef == "" {
		return nil
	}

	p, err := a.store.FindPolicy(ctx, policy.PolicyFilter{ID: v.PolicyRef})
	if errors.Is(err, policy.ErrNotFound) {
		add(KindDangling, "policy_ref %s does not exist", v.PolicyRef)
		return nil
	}
	if err != nil {
		return err
	}
	if p.VehicleRef != v.ID {
		add(KindInconsistent, "policy %s points at vehicle %q, not back at this vehicle", p.ID, p.VehicleRef)
	}
	return nil
}

func (a *Auditor) scanPolicies(ctx context.Context, r *Report) error {
	after := ""
	for {
		page, err := a.store.FindPolicies(ctx, policy.PolicyFilter{}, policy.Page{AfterID: after, Limit: a.batchSize})
		if err != nil {
			return fmt.Errorf("list policies: %w", err)
		}
		for i := range page {
			r.PoliciesScanned++
			if err := a.checkPolicy(ctx, &page[i], r); err != nil {
				return err
			}
		}
		if len(page) < a.batchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (a *Auditor) checkPolicy(ctx context.Context, p *policy.Policy, r *Report) error {
	add := func(k Kind, format string, args ...any) {
		r.Findings = append(r.Findings, Finding{Kind: k, Collection: policy.CollectionPolicies, RecordID: p.ID, Details: fmt.Sprintf(format, args...)})
	}

	if p.ServiceCount != len(p.ServiceHistory) {
		add(KindCountDrift, "%s service_count=%d history=%d", p.RecordStatus, p.ServiceCount, len(p.ServiceHistory))
	}
	if p.VehicleRef == "" {
		return nil
	}

	v, err := a.store.FindVehicle(ctx, policy.VehicleFilter{ID: p.VehicleRef})
	if errors.Is(err, policy.ErrNotFound) {
		add(KindDangling, "vehicle_ref %s does not exist", p.VehicleRef)
		return nil
	}
	if err != nil {
		return err
	}
	if v.PolicyRef != p.ID {
		add(KindInconsistent, "vehicle %s points at policy %q, not back at this policy", v.ID, v.PolicyRef)
	}
	if p.Kind.IsProvisional() && p.PolicyNumber != v.SerialNumber {
		add(KindNumberMismatch, "policy_number %q != vehicle serial %q", p.PolicyNumber, v.SerialNumber)
	}
	if terminologyDrift(p.Kind, v.Status) {
		add(KindTerminologyDrift, "policy kind %s with vehicle status %s", p.Kind, v.Status)
	}
	return nil
}

// terminologyDrift is true when exactly one side of a converted pair still
// uses the legacy label.
func terminologyDrift(k policy.PolicyKind, s policy.VehicleStatus) bool {
	if !k.IsProvisional() || !s.IsConverted() {
		return false
	}
	return (k == policy.KindLegacyProvisional) != (s == policy.VehicleStatusLegacyConverted)
}

// =============================================================================
// REPAIR
// =============================================================================

// Repair resets the cached service count of every COUNT_DRIFT finding to the
// history length. Each policy is re-read in its own transaction; one that
// was deleted or already fixed since the scan counts as skipped.
func (a *Auditor) Repair(ctx context.Context, report Report) policy.BatchResult {
	result := policy.NewBatchResult(OpRepair, a.now().UTC())
	for _, f := range report.Findings {
		if f.Kind != KindCountDrift {
			continue
		}
		switch err := a.repairCount(ctx, f.RecordID); {
		case err == nil:
			result.Succeeded++
		case errors.Is(err, errSkip):
			result.Skipped++
		default:
			result.Fail(f.RecordID, err)
			a.log.Warn().Str("policy_id", f.RecordID).Err(err).Msg("count repair failed")
		}
	}
	result.FinishedAt = a.now().UTC()
	if err := a.notifier.Publish(ctx, result); err != nil {
		a.log.Warn().Err(err).Msg("failed to publish repair summary")
	}
	return result
}

var errSkip = errors.New("nothing to repair")

func (a *Auditor) repairCount(ctx context.Context, id string) error {
	return policy.RunTx(ctx, a.store, a.txTimeout, func(ctx context.Context, tx policy.Store) error {
		p, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: id})
		if err != nil {
			return err
		}
		if !p.IsActive() || p.ServiceCount == len(p.ServiceHistory) {
			return errSkip
		}
		history := p.ServiceHistory
		if history == nil {
			history = []policy.ServiceRecord{}
		}
		_, err = tx.UpdatePolicy(ctx, id, policy.PolicyPatch{ServiceHistory: &history})
		return err
	})
}
