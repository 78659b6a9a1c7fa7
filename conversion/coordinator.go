/*
Package conversion promotes vehicles into provisional policies.

CONVERSION CASES:
  A. Vehicle is UNASSIGNED:
     create a PROVISIONAL policy numbered after the vehicle serial and mark
     the vehicle CONVERTED with a policy_ref to it.
  B. Vehicle carries the legacy converted marker:
     rewrite only the terminology (vehicle status, policy kind) on both
     records; history, counters and references stay as they are.

ATOMICITY:
  Each conversion is one transaction. Preconditions are re-read inside the
  transaction, both sides of the link are written there, and the link is
  verified against the transaction's own view before commit. Any failure
  rolls back both records.

BATCHES:
  ConvertBatch walks vehicles sequentially, one transaction per vehicle, so
  a failure never undoes conversions already committed.
*/
package conversion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/metrics"
	"github.com/warp/policy-engine/notify"
	"github.com/warp/policy-engine/policy"
)

// ErrAlreadyConverted marks a vehicle that already carries the current
// converted status. It is always wrapped together with a ConflictError.
var ErrAlreadyConverted = errors.New("vehicle already converted")

// Case tells which conversion path ran.
type Case string

const (
	CaseCreated  Case = "created"
	CaseUpgraded Case = "legacy_upgraded"
)

// Outcome describes a committed conversion.
type Outcome struct {
	Case    Case           `json:"case"`
	Vehicle policy.Vehicle `json:"vehicle"`
	Policy  policy.Policy  `json:"policy"`
}

// Coordinator runs conversions against a transactional store.
type Coordinator struct {
	store     policy.TxStore
	log       zerolog.Logger
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	now       func() time.Time
	newID     func() string
	txTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option        { return func(c *Coordinator) { c.log = l } }
func WithMetrics(m *metrics.Metrics) Option     { return func(c *Coordinator) { c.metrics = m } }
func WithNotifier(n notify.Notifier) Option     { return func(c *Coordinator) { c.notifier = n } }
func WithClock(now func() time.Time) Option     { return func(c *Coordinator) { c.now = now } }
func WithIDGenerator(gen func() string) Option  { return func(c *Coordinator) { c.newID = gen } }
func WithTxTimeout(budget time.Duration) Option { return func(c *Coordinator) { c.txTimeout = budget } }

// NewCoordinator creates a Coordinator. Defaults: no logging, no metrics,
// wall clock, random UUIDs, 10s transaction budget.
func NewCoordinator(store policy.TxStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		log:       zerolog.Nop(),
		notifier:  notify.Nop{},
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		txTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// =============================================================================
// SINGLE CONVERSION
// =============================================================================

// Convert converts one vehicle in its own transaction.
//
// Errors:
//   - NotFoundError: the vehicle (or, for case B, its policy) does not exist
//   - ConflictError: the vehicle is not convertible or its serial is taken
//   - TransactionTimeoutError: the transaction exceeded its budget
func (c *Coordinator) Convert(ctx context.Context, vehicleID string) (Outcome, error) {
	start := time.Now()
	var out Outcome

	err := policy.RunTx(ctx, c.store, c.txTimeout, func(ctx context.Context, tx policy.Store) error {
		v, err := tx.FindVehicle(ctx, policy.VehicleFilter{ID: vehicleID})
		if err != nil {
			return err
		}
		switch v.Status {
		case policy.VehicleUnassigned:
			out, err = c.create(ctx, tx, v)
		case policy.VehicleStatusLegacyConverted:
			out, err = c.upgrade(ctx, tx, v)
		case policy.VehicleConverted:
			err = fmt.Errorf("%w: %w", ErrAlreadyConverted,
				&policy.ConflictError{Collection: policy.CollectionVehicles, Key: v.ID, Reason: "vehicle is already converted"})
		default:
			err = &policy.ConflictError{Collection: policy.CollectionVehicles, Key: v.ID, Reason: fmt.Sprintf("vehicle status %s is not convertible", v.Status)}
		}
		if err != nil {
			return err
		}
		return c.verify(ctx, tx, out)
	})

	c.metrics.ObserveConversion(outcomeLabel(out.Case, err), start)
	if errors.Is(err, policy.ErrTransactionTimeout) {
		c.metrics.IncTxTimeout("convert")
	}
	if err != nil {
		c.log.Warn().Err(err).Str("vehicle_id", vehicleID).Msg("conversion failed")
		return Outcome{}, err
	}
	c.log.Info().
		Str("vehicle_id", out.Vehicle.ID).
		Str("policy_id", out.Policy.ID).
		Str("policy_number", out.Policy.PolicyNumber).
		Str("case", string(out.Case)).
		Msg("vehicle converted")
	return out, nil
}

// create is case A. The vehicle side is written first; the policy insert
// that follows is the step the store's uniqueness arbitrates.
func (c *Coordinator) create(ctx context.Context, tx policy.Store, v *policy.Vehicle) (Outcome, error) {
	if v.SerialNumber == "" {
		return Outcome{}, &policy.ValidationError{Field: "serial_number", Reason: "missing"}
	}
	_, err := tx.FindPolicy(ctx, policy.PolicyFilter{PolicyNumber: v.SerialNumber})
	switch {
	case err == nil:
		return Outcome{}, &policy.ConflictError{Collection: policy.CollectionPolicies, Key: v.SerialNumber, Reason: "policy number already exists"}
	case !errors.Is(err, policy.ErrNotFound):
		return Outcome{}, err
	}

	now := c.now().UTC()
	owner := v.Owner
	if owner.IsZero() {
		owner = SyntheticContact(v.SerialNumber)
	}

	p := &policy.Policy{
		ID:             c.newID(),
		PolicyNumber:   v.SerialNumber,
		Kind:           policy.KindProvisional,
		RecordStatus:   policy.StatusActive,
		EmissionDate:   now,
		Payments:       []policy.Payment{},
		ServiceHistory: []policy.ServiceRecord{},
		VehicleRef:     v.ID,
		Holder:         owner,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	derived, err := policy.Derive(p, now)
	if err != nil {
		return Outcome{}, err
	}
	p.Coverage = derived.Coverage
	p.PriorityScore = derived.PriorityScore

	patch := policy.VehiclePatch{
		Status:    policy.Ptr(policy.VehicleConverted),
		PolicyRef: &p.ID,
	}
	if v.Owner.IsZero() {
		patch.Owner = &owner
	}
	updated, err := tx.UpdateVehicle(ctx, v.ID, patch)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.CreatePolicy(ctx, p); err != nil {
		return Outcome{}, err
	}
	return Outcome{Case: CaseCreated, Vehicle: *updated, Policy: *p}, nil
}

// upgrade is case B: terminology only.
func (c *Coordinator) upgrade(ctx context.Context, tx policy.Store, v *policy.Vehicle) (Outcome, error) {
	if v.PolicyRef == "" {
		return Outcome{}, &policy.ConflictError{Collection: policy.CollectionVehicles, Key: v.ID, Reason: "legacy converted vehicle has no policy_ref"}
	}
	p, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: v.PolicyRef})
	if err != nil {
		return Outcome{}, err
	}

	updated, err := tx.UpdateVehicle(ctx, v.ID, policy.VehiclePatch{Status: policy.Ptr(policy.VehicleConverted)})
	if err != nil {
		return Outcome{}, err
	}
	// Deleted policies are frozen and keep whatever label they were retired with.
	if p.Kind == policy.KindLegacyProvisional && p.IsActive() {
		p, err = tx.UpdatePolicy(ctx, p.ID, policy.PolicyPatch{Kind: policy.Ptr(policy.KindProvisional)})
		if err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Case: CaseUpgraded, Vehicle: *updated, Policy: *p}, nil
}

// verify re-reads both records inside the transaction and checks the link.
func (c *Coordinator) verify(ctx context.Context, tx policy.Store, out Outcome) error {
	v, err := tx.FindVehicle(ctx, policy.VehicleFilter{ID: out.Vehicle.ID})
	if err != nil {
		return err
	}
	p, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: out.Policy.ID})
	if err != nil {
		return err
	}
	return policy.LinkOf(v, p).Verify(v, p)
}

// SyntheticContact is the placeholder owner written when a converted vehicle
// has none. The format is deterministic per serial, not unique.
func SyntheticContact(serial string) policy.Contact {
	s := strings.ToUpper(strings.TrimSpace(serial))
	return policy.Contact{
		Name:       "Titular " + s,
		Phone:      "0000000000",
		Email:      strings.ToLower(s) + "@provisional.invalid",
		DocumentID: "PROV-" + s,
	}
}

func outcomeLabel(c Case, err error) string {
	switch {
	case err == nil:
		return string(c)
	case errors.Is(err, policy.ErrTransactionTimeout):
		return "timeout"
	case errors.Is(err, policy.ErrConflict):
		return "conflict"
	case errors.Is(err, policy.ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}
