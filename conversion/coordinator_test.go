package conversion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/policy-engine/conversion"
	"github.com/warp/policy-engine/metrics"
	"github.com/warp/policy-engine/policy"
	"github.com/warp/policy-engine/policy/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("pol-%d", n)
	}
}

func newCoordinator(s policy.TxStore, opts ...conversion.Option) *conversion.Coordinator {
	base := []conversion.Option{
		conversion.WithClock(clock),
		conversion.WithIDGenerator(sequentialIDs()),
	}
	return conversion.NewCoordinator(s, append(base, opts...)...)
}

func seedVehicle(t *testing.T, s policy.Store, id, serial string, status policy.VehicleStatus) {
	t.Helper()
	require.NoError(t, s.CreateVehicle(context.Background(), &policy.Vehicle{
		ID:           id,
		SerialNumber: serial,
		Status:       status,
		CreatedAt:    fixedNow.AddDate(0, -1, 0),
	}))
}

// faultStore injects failures into the Store handed to transactions.
type faultStore struct {
	*store.Memory
	createPolicyErr error
	createDelay     time.Duration
}

func (f *faultStore) WithTx(ctx context.Context, fn func(policy.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx policy.Store) error {
		return fn(&faultTx{Store: tx, parent: f})
	})
}

type faultTx struct {
	policy.Store
	parent *faultStore
}

func (t *faultTx) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	if d := t.parent.createDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.parent.createPolicyErr != nil {
		return t.parent.createPolicyErr
	}
	return t.Store.CreatePolicy(ctx, p)
}

// =============================================================================
// CASE A: UNASSIGNED -> PROVISIONAL
// =============================================================================

func TestConvert_CreatesProvisionalPolicy(t *testing.T) {
	// GIVEN: an UNASSIGNED vehicle with serial ABC123
	mem := store.NewMemory()
	seedVehicle(t, mem, "veh-1", "ABC123", policy.VehicleUnassigned)
	ctx := context.Background()

	// WHEN: it is converted
	out, err := newCoordinator(mem).Convert(ctx, "veh-1")
	require.NoError(t, err)

	// THEN: a provisional policy numbered after the serial exists
	assert.Equal(t, conversion.CaseCreated, out.Case)
	p, err := mem.FindPolicy(ctx, policy.PolicyFilter{PolicyNumber: "ABC123"})
	require.NoError(t, err)
	assert.Equal(t, policy.KindProvisional, p.Kind)
	assert.Equal(t, policy.StatusActive, p.RecordStatus)
	assert.Equal(t, 0, p.ServiceCount)
	assert.Empty(t, p.ServiceHistory)
	assert.Equal(t, "veh-1", p.VehicleRef)
	assert.Equal(t, policy.CoverageGracePeriod, p.Coverage.State)
	assert.Equal(t, fixedNow.AddDate(0, 1, 0), p.Coverage.EndDate)
	assert.Equal(t, 40, p.PriorityScore)

	// AND: the vehicle points back at it
	v, err := mem.FindVehicle(ctx, policy.VehicleFilter{ID: "veh-1"})
	require.NoError(t, err)
	assert.Equal(t, policy.VehicleConverted, v.Status)
	assert.Equal(t, p.ID, v.PolicyRef)
	assert.NoError(t, policy.LinkOf(v, p).Verify(v, p))

	// AND: owner data was filled in on both sides
	assert.Equal(t, conversion.SyntheticContact("ABC123"), v.Owner)
	assert.Equal(t, v.Owner, p.Holder)
}

func TestConvert_KeepsExistingOwner(t *testing.T) {
	mem := store.NewMemory()
	owner := policy.Contact{Name: "Ana Ruiz", Phone: "5551234"}
	require.NoError(t, mem.CreateVehicle(context.Background(), &policy.Vehicle{
		ID: "veh-1", SerialNumber: "ABC123", Status: policy.VehicleUnassigned, Owner: owner,
	}))

	out, err := newCoordinator(mem).Convert(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.Equal(t, owner, out.Policy.Holder)
	assert.Equal(t, owner, out.Vehicle.Owner)
}

func TestConvert_DuplicateSerialIsConflict(t *testing.T) {
	// GIVEN: a REGULAR policy already holds the number ABC123
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreatePolicy(ctx, &policy.Policy{
		ID: "existing", PolicyNumber: "ABC123", Kind: policy.KindRegular, RecordStatus: policy.StatusActive,
		EmissionDate: fixedNow,
	}))
	seedVehicle(t, mem, "veh-1", "ABC123", policy.VehicleUnassigned)

	// WHEN: the vehicle is converted
	_, err := newCoordinator(mem).Convert(ctx, "veh-1")

	// THEN: conflict, and the vehicle is untouched
	var conflict *policy.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "ABC123", conflict.Key)

	v, err := mem.FindVehicle(ctx, policy.VehicleFilter{ID: "veh-1"})
	require.NoError(t, err)
	assert.Equal(t, policy.VehicleUnassigned, v.Status)
	assert.Empty(t, v.PolicyRef)
}

func TestConvert_RejectsNonConvertibleVehicles(t *testing.T) {
	mem := store.NewMemory()
	seedVehicle(t, mem, "veh-assigned", "S1", policy.VehicleAssigned)
	seedVehicle(t, mem, "veh-removed", "S2", policy.VehicleRemoved)
	seedVehicle(t, mem, "veh-done", "S3", policy.VehicleConverted)
	c := newCoordinator(mem)
	ctx := context.Background()

	_, err := c.Convert(ctx, "veh-assigned")
	assert.ErrorIs(t, err, policy.ErrConflict)
	_, err = c.Convert(ctx, "veh-removed")
	assert.ErrorIs(t, err, policy.ErrConflict)

	_, err = c.Convert(ctx, "veh-done")
	assert.ErrorIs(t, err, policy.ErrConflict)
	assert.ErrorIs(t, err, conversion.ErrAlreadyConverted)
}

func TestConvert_MissingVehicle(t *testing.T) {
	_, err := newCoordinator(store.NewMemory()).Convert(context.Background(), "ghost")
	assert.ErrorIs(t, err, policy.ErrNotFound)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestConvert_FailureAfterVehicleUpdateLeavesNoTrace(t *testing.T) {
	// GIVEN: a store whose policy insert fails after the vehicle was updated
	fs := &faultStore{Memory: store.NewMemory(), createPolicyErr: &policy.PersistenceError{Op: "insert policy", Err: errors.New("disk full")}}
	seedVehicle(t, fs, "veh-1", "ABC123", policy.VehicleUnassigned)
	ctx := context.Background()

	// WHEN: converting
	_, err := newCoordinator(fs).Convert(ctx, "veh-1")

	// THEN: the error surfaces and neither side changed
	require.ErrorIs(t, err, policy.ErrPersistence)

	v, err := fs.FindVehicle(ctx, policy.VehicleFilter{ID: "veh-1"})
	require.NoError(t, err)
	assert.Equal(t, policy.VehicleUnassigned, v.Status)
	assert.Empty(t, v.PolicyRef)

	all, err := fs.FindPolicies(ctx, policy.PolicyFilter{}, policy.Page{})
	require.NoError(t, err)
	assert.Empty(t, all, "no orphaned policy")
}

func TestConvert_TransactionBudget(t *testing.T) {
	fs := &faultStore{Memory: store.NewMemory(), createDelay: time.Second}
	seedVehicle(t, fs, "veh-1", "ABC123", policy.VehicleUnassigned)
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())

	_, err := newCoordinator(fs, conversion.WithTxTimeout(20*time.Millisecond), conversion.WithMetrics(m)).Convert(ctx, "veh-1")

	var timeout *policy.TransactionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, policy.IsRetryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxTimeouts.WithLabelValues("convert")))

	v, err := fs.FindVehicle(ctx, policy.VehicleFilter{ID: "veh-1"})
	require.NoError(t, err)
	assert.Equal(t, policy.VehicleUnassigned, v.Status)
}

// =============================================================================
// CASE B: LEGACY TERMINOLOGY
// =============================================================================

func TestConvert_UpgradesLegacyTerminology(t *testing.T) {
	// GIVEN: a legacy-marked pair with one recorded service
	mem := store.NewMemory()
	ctx := context.Background()
	history := []policy.ServiceRecord{{SequenceNumber: 1, ServiceDate: fixedNow.AddDate(0, 0, -3), CaseNumber: "C-1"}}
	require.NoError(t, mem.CreatePolicy(ctx, &policy.Policy{
		ID: "pol-old", PolicyNumber: "OLD1", Kind: policy.KindLegacyProvisional, RecordStatus: policy.StatusActive,
		EmissionDate: fixedNow.AddDate(0, -2, 0), ServiceHistory: history, ServiceCount: 1, VehicleRef: "veh-old",
		PriorityScore: 30,
	}))
	require.NoError(t, mem.CreateVehicle(ctx, &policy.Vehicle{
		ID: "veh-old", SerialNumber: "OLD1", Status: policy.VehicleStatusLegacyConverted, PolicyRef: "pol-old",
	}))

	// WHEN: converted
	out, err := newCoordinator(mem).Convert(ctx, "veh-old")
	require.NoError(t, err)

	// THEN: only the labels changed
	assert.Equal(t, conversion.CaseUpgraded, out.Case)
	p, err := mem.FindPolicy(ctx, policy.PolicyFilter{ID: "pol-old"})
	require.NoError(t, err)
	assert.Equal(t, policy.KindProvisional, p.Kind)
	assert.Equal(t, 1, p.ServiceCount)
	assert.Equal(t, history, p.ServiceHistory)
	assert.Equal(t, 30, p.PriorityScore)
	assert.Equal(t, "veh-old", p.VehicleRef)

	v, err := mem.FindVehicle(ctx, policy.VehicleFilter{ID: "veh-old"})
	require.NoError(t, err)
	assert.Equal(t, policy.VehicleConverted, v.Status)
	assert.Equal(t, "pol-old", v.PolicyRef)
}

func TestConvert_LegacyWithoutPolicyRefIsConflict(t *testing.T) {
	mem := store.NewMemory()
	seedVehicle(t, mem, "veh-old", "OLD1", policy.VehicleStatusLegacyConverted)

	_, err := newCoordinator(mem).Convert(context.Background(), "veh-old")
	assert.ErrorIs(t, err, policy.ErrConflict)
}

// =============================================================================
// BATCHES
// =============================================================================

type recordingNotifier struct{ results []policy.BatchResult }

func (r *recordingNotifier) Publish(_ context.Context, res policy.BatchResult) error {
	r.results = append(r.results, res)
	return nil
}

func TestConvertBatch_IsolatesFailures(t *testing.T) {
	// GIVEN: three convertible vehicles, one colliding with an existing number,
	// and one vehicle that is already converted
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreatePolicy(ctx, &policy.Policy{
		ID: "existing", PolicyNumber: "DUP", Kind: policy.KindRegular, RecordStatus: policy.StatusActive, EmissionDate: fixedNow,
	}))
	seedVehicle(t, mem, "veh-1", "S1", policy.VehicleUnassigned)
	seedVehicle(t, mem, "veh-2", "DUP", policy.VehicleUnassigned)
	seedVehicle(t, mem, "veh-3", "S3", policy.VehicleUnassigned)
	seedVehicle(t, mem, "veh-4", "S4", policy.VehicleConverted)
	n := &recordingNotifier{}

	// WHEN: converted as a batch
	res := newCoordinator(mem, conversion.WithNotifier(n)).ConvertBatch(ctx, []string{"veh-1", "veh-2", "veh-3", "veh-4"})

	// THEN: the failure did not undo its neighbours
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "veh-2", res.Failures[0].RecordID)

	for _, serial := range []string{"S1", "S3"} {
		_, err := mem.FindPolicy(ctx, policy.PolicyFilter{PolicyNumber: serial})
		assert.NoError(t, err, serial)
	}
	require.Len(t, n.results, 1)
	assert.Equal(t, conversion.OpConvertBatch, n.results[0].Operation)
}

func TestConvertUnassigned_RespectsLimit(t *testing.T) {
	mem := store.NewMemory()
	for i := 1; i <= 3; i++ {
		seedVehicle(t, mem, fmt.Sprintf("veh-%d", i), fmt.Sprintf("S%d", i), policy.VehicleUnassigned)
	}
	seedVehicle(t, mem, "veh-9", "S9", policy.VehicleAssigned)
	ctx := context.Background()

	res, err := newCoordinator(mem).ConvertUnassigned(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	left, err := mem.FindVehicles(ctx, policy.VehicleFilter{Statuses: []policy.VehicleStatus{policy.VehicleUnassigned}}, policy.Page{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "veh-3", left[0].ID)
}

func TestSyntheticContact_Deterministic(t *testing.T) {
	a := conversion.SyntheticContact(" abc123 ")
	assert.Equal(t, a, conversion.SyntheticContact("ABC123"))
	assert.Equal(t, "abc123@provisional.invalid", a.Email)
	assert.False(t, a.IsZero())
}
