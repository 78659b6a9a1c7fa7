package cleanup_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/policy-engine/cleanup"
	"github.com/warp/policy-engine/conversion"
	"github.com/warp/policy-engine/policy"
	"github.com/warp/policy-engine/policy/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var base = time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)

func newScheduler(mem policy.TxStore, clk *testClock, opts ...cleanup.Option) *cleanup.Scheduler {
	cfg := cleanup.DefaultConfig()
	cfg.BatchSize = 2
	all := append([]cleanup.Option{cleanup.WithClock(clk.Now), cleanup.WithConfig(cfg)}, opts...)
	return cleanup.NewScheduler(mem, all...)
}

func provisional(id string, services ...time.Time) *policy.Policy {
	history := make([]policy.ServiceRecord, len(services))
	for i, at := range services {
		history[i] = policy.ServiceRecord{SequenceNumber: i + 1, ServiceDate: at, CaseNumber: fmt.Sprintf("C-%d", i+1)}
	}
	return &policy.Policy{
		ID:             id,
		PolicyNumber:   "SER-" + id,
		Kind:           policy.KindProvisional,
		RecordStatus:   policy.StatusActive,
		EmissionDate:   base.AddDate(0, 0, -5),
		ServiceHistory: history,
		ServiceCount:   len(history),
		VehicleRef:     "veh-" + id,
	}
}

func mustGet(t *testing.T, s policy.Store, id string) *policy.Policy {
	t.Helper()
	p, err := s.FindPolicy(context.Background(), policy.PolicyFilter{ID: id})
	require.NoError(t, err)
	return p
}

// =============================================================================
// RETIREMENT
// =============================================================================

func TestRetireConsumed_RespectsRetentionWindow(t *testing.T) {
	// GIVEN: a provisional policy with one service recorded 10 minutes ago
	mem := store.NewMemory()
	clk := &testClock{now: base}
	require.NoError(t, mem.CreatePolicy(context.Background(), provisional("p-1", base.Add(-10*time.Minute))))
	s := newScheduler(mem, clk)

	// WHEN: the retirement pass runs now
	res, err := s.RetireConsumed(context.Background())
	require.NoError(t, err)

	// THEN: it is kept
	assert.Equal(t, 0, res.Succeeded)
	assert.True(t, mustGet(t, mem, "p-1").IsActive())

	// WHEN: the service is more than an hour old
	clk.Set(base.Add(51 * time.Minute))
	res, err = s.RetireConsumed(context.Background())
	require.NoError(t, err)

	// THEN: it is retired with a machine-readable reason
	assert.Equal(t, 1, res.Succeeded)
	p := mustGet(t, mem, "p-1")
	assert.Equal(t, policy.StatusDeleted, p.RecordStatus)
	assert.Equal(t, policy.ReasonServiceAllowanceConsumed, p.DeletionReason)
	require.NotNil(t, p.DeletedAt)
	assert.Equal(t, base.Add(51*time.Minute), *p.DeletedAt)
}

func TestRetireConsumed_NeverRetiresUnusedPolicies(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	ctx := context.Background()

	unused := provisional("p-unused")
	unused.EmissionDate = base.AddDate(-2, 0, 0)
	require.NoError(t, mem.CreatePolicy(ctx, unused))

	regular := provisional("p-regular", base.AddDate(0, 0, -30))
	regular.Kind = policy.KindRegular
	require.NoError(t, mem.CreatePolicy(ctx, regular))

	res, err := newScheduler(mem, clk).RetireConsumed(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Total())
	assert.True(t, mustGet(t, mem, "p-unused").IsActive())
	assert.True(t, mustGet(t, mem, "p-regular").IsActive())
}

func TestRetireConsumed_LegacyKindQualifies(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	p := provisional("p-1", base.Add(-2*time.Hour))
	p.Kind = policy.KindLegacyProvisional
	require.NoError(t, mem.CreatePolicy(context.Background(), p))

	res, err := newScheduler(mem, clk).RetireConsumed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestRetireConsumed_PagesThroughCandidates(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	for i := 1; i <= 5; i++ {
		require.NoError(t, mem.CreatePolicy(context.Background(), provisional(fmt.Sprintf("p-%d", i), base.Add(-3*time.Hour))))
	}

	res, err := newScheduler(mem, clk).RetireConsumed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Succeeded)
}

// staleReads answers non-transactional reads with an ACTIVE copy, as a
// lagging replica would.
type staleReads struct{ *store.Memory }

func (s staleReads) FindPolicy(ctx context.Context, f policy.PolicyFilter) (*policy.Policy, error) {
	p, err := s.Memory.FindPolicy(ctx, f)
	if err != nil {
		return nil, err
	}
	p.RecordStatus = policy.StatusActive
	return p, nil
}

func TestRetireConsumed_VerifiesAfterCommit(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	require.NoError(t, mem.CreatePolicy(context.Background(), provisional("p-1", base.Add(-2*time.Hour))))

	res, err := newScheduler(staleReads{mem}, clk).RetireConsumed(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Succeeded)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "p-1", res.Failures[0].RecordID)
	assert.Contains(t, res.Failures[0].Error, cleanup.ErrNotRetired.Error())
}

// abortedCommits rolls back every transaction and reports a serialization
// conflict, as a database that lost a commit race would.
type abortedCommits struct{ *store.Memory }

var errRollback = errors.New("rollback")

func (s abortedCommits) WithTx(ctx context.Context, fn func(policy.Store) error) error {
	var fnErr error
	_ = s.Memory.WithTx(ctx, func(tx policy.Store) error {
		if fnErr = fn(tx); fnErr != nil {
			return fnErr
		}
		return errRollback
	})
	if fnErr != nil {
		return fnErr
	}
	return &policy.ConflictError{Collection: policy.CollectionPolicies, Reason: "concurrent transaction"}
}

func TestPasses_AbortedCommitsAreFailures(t *testing.T) {
	// GIVEN: a store whose commits lose to a concurrent transaction
	mem := store.NewMemory()
	clk := &testClock{now: base}
	ctx := context.Background()
	require.NoError(t, mem.CreatePolicy(ctx, provisional("p-1", base.Add(-2*time.Hour))))
	s := newScheduler(abortedCommits{mem}, clk)

	// WHEN: the refresh and retirement passes run
	refresh, err := s.RefreshStates(ctx)
	require.NoError(t, err)
	retire, err := s.RetireConsumed(ctx)
	require.NoError(t, err)

	// THEN: each aborted record is a retryable failure, not a skip
	for _, res := range []policy.BatchResult{refresh, retire} {
		assert.Equal(t, 0, res.Skipped, res.Operation)
		assert.Equal(t, 1, res.Failed, res.Operation)
		require.Len(t, res.Failures, 1, res.Operation)
		assert.Equal(t, "p-1", res.Failures[0].RecordID)
		assert.Contains(t, res.Failures[0].Error, "concurrent transaction")
	}
	assert.Equal(t, policy.StatusActive, mustGet(t, mem, "p-1").RecordStatus)
}

// =============================================================================
// STATE REFRESH
// =============================================================================

func TestRefreshStates_RecomputesAndResyncsCounters(t *testing.T) {
	// GIVEN: active policies with stale derived fields and a drifted counter
	mem := store.NewMemory()
	clk := &testClock{now: time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		p := provisional(fmt.Sprintf("p-%d", i))
		p.EmissionDate = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, mem.CreatePolicy(ctx, p))
	}
	drifted := provisional("p-drift", time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC))
	drifted.EmissionDate = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	drifted.ServiceCount = 4
	require.NoError(t, mem.CreatePolicy(ctx, drifted))

	// WHEN: the refresh pass runs
	res, err := newScheduler(mem, clk).RefreshStates(ctx)
	require.NoError(t, err)

	// THEN: every policy is current and counters match histories
	assert.Equal(t, 4, res.Succeeded)
	for _, id := range []string{"p-1", "p-2", "p-3", "p-drift"} {
		p := mustGet(t, mem, id)
		assert.Equal(t, policy.CoverageGracePeriod, p.Coverage.State, id)
		assert.Equal(t, 12, p.Coverage.DaysRemainingCoverage, id)
		assert.Equal(t, len(p.ServiceHistory), p.ServiceCount, id)
	}
	assert.Equal(t, 40, mustGet(t, mem, "p-1").PriorityScore)
	assert.Equal(t, 30, mustGet(t, mem, "p-drift").PriorityScore)

	// AND: a second run at the same instant has nothing to write
	again, err := newScheduler(mem, clk).RefreshStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Succeeded)
	assert.Equal(t, 4, again.Skipped)
}

func TestRefreshStates_IsolatesBadRecords(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	ctx := context.Background()
	require.NoError(t, mem.CreatePolicy(ctx, provisional("p-1")))
	broken := provisional("p-2")
	broken.EmissionDate = time.Time{}
	require.NoError(t, mem.CreatePolicy(ctx, broken))
	require.NoError(t, mem.CreatePolicy(ctx, provisional("p-3")))

	var logs bytes.Buffer
	res, err := newScheduler(mem, clk, cleanup.WithLogger(zerolog.New(zerolog.SyncWriter(&logs)))).RefreshStates(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "p-2", res.Failures[0].RecordID)
	assert.Contains(t, logs.String(), `"policy_id":"p-2"`)
}

func TestRefreshStates_LeavesDeletedPoliciesAlone(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	ctx := context.Background()
	p := provisional("p-1")
	p.Coverage = policy.Coverage{State: policy.CoverageCurrent, DaysRemainingCoverage: 99}
	deletedAt := base.AddDate(0, 0, -1)
	p.RecordStatus = policy.StatusDeleted
	p.DeletedAt = &deletedAt
	p.DeletionReason = policy.ReasonOperatorRequest
	require.NoError(t, mem.CreatePolicy(ctx, p))

	res, err := newScheduler(mem, clk).RefreshStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())

	got := mustGet(t, mem, "p-1")
	assert.Equal(t, policy.CoverageCurrent, got.Coverage.State)
	assert.Equal(t, 99, got.Coverage.DaysRemainingCoverage)
}

// =============================================================================
// RUN, GUARD, OPERATOR RETIREMENT
// =============================================================================

type recordingNotifier struct {
	mu      sync.Mutex
	results []policy.BatchResult
}

func (r *recordingNotifier) Publish(_ context.Context, res policy.BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func TestRun_DriftedCounterIsResyncedBeforeRetirement(t *testing.T) {
	// GIVEN: a used provisional policy whose cached count says 0
	mem := store.NewMemory()
	clk := &testClock{now: base}
	p := provisional("p-1", base.Add(-3*time.Hour))
	p.ServiceCount = 0
	require.NoError(t, mem.CreatePolicy(context.Background(), p))
	n := &recordingNotifier{}

	// WHEN: a full run executes
	report, err := newScheduler(mem, clk, cleanup.WithNotifier(n)).Run(context.Background())
	require.NoError(t, err)

	// THEN: refresh fixed the count and retirement picked it up
	assert.Equal(t, 1, report.Refresh.Succeeded)
	assert.Equal(t, 1, report.Retire.Succeeded)
	assert.Equal(t, policy.StatusDeleted, mustGet(t, mem, "p-1").RecordStatus)

	require.Len(t, n.results, 3)
	assert.Equal(t, []string{cleanup.PassRefresh, cleanup.PassRetire, cleanup.PassLegacy},
		[]string{n.results[0].Operation, n.results[1].Operation, n.results[2].Operation})
}

func TestRun_IsNotReentrant(t *testing.T) {
	guard := cleanup.NewLocalGuard()
	clk := &testClock{now: base}
	s := newScheduler(store.NewMemory(), clk, cleanup.WithGuard(guard))

	release, err := guard.TryAcquire(context.Background(), "cleanup")
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, cleanup.ErrAlreadyRunning)

	release()
	release() // idempotent
	_, err = s.Run(context.Background())
	assert.NoError(t, err)
}

func TestRetirePolicy_Operator(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	require.NoError(t, mem.CreatePolicy(context.Background(), provisional("p-1")))
	s := newScheduler(mem, clk)

	out, err := s.RetirePolicy(context.Background(), "p-1", "")
	require.NoError(t, err)
	assert.Equal(t, policy.StatusDeleted, out.RecordStatus)
	assert.Equal(t, policy.ReasonOperatorRequest, out.DeletionReason)

	_, err = s.RetirePolicy(context.Background(), "p-1", "duplicate")
	assert.ErrorIs(t, err, policy.ErrConflict)

	_, err = s.RetirePolicy(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, policy.ErrNotFound)
}

// =============================================================================
// LEGACY TERMINOLOGY
// =============================================================================

func TestUpgradeLegacy_UnifiesLabels(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: base}
	ctx := context.Background()

	// A fully legacy pair.
	pair := provisional("p-1")
	pair.Kind = policy.KindLegacyProvisional
	pair.PolicyNumber = "OLD1"
	pair.VehicleRef = "veh-1"
	require.NoError(t, mem.CreatePolicy(ctx, pair))
	require.NoError(t, mem.CreateVehicle(ctx, &policy.Vehicle{
		ID: "veh-1", SerialNumber: "OLD1", Status: policy.VehicleStatusLegacyConverted, PolicyRef: "p-1",
	}))

	// A policy whose vehicle was already relabelled.
	half := provisional("p-2")
	half.Kind = policy.KindLegacyProvisional
	half.PolicyNumber = "OLD2"
	half.VehicleRef = "veh-2"
	require.NoError(t, mem.CreatePolicy(ctx, half))
	require.NoError(t, mem.CreateVehicle(ctx, &policy.Vehicle{
		ID: "veh-2", SerialNumber: "OLD2", Status: policy.VehicleConverted, PolicyRef: "p-2",
	}))

	coord := conversion.NewCoordinator(mem, conversion.WithClock(clk.Now))
	res, err := newScheduler(mem, clk, cleanup.WithConverter(coord)).UpgradeLegacy(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, policy.KindProvisional, mustGet(t, mem, "p-1").Kind)
	assert.Equal(t, policy.KindProvisional, mustGet(t, mem, "p-2").Kind)

	legacy, err := mem.FindVehicles(ctx, policy.VehicleFilter{Statuses: []policy.VehicleStatus{policy.VehicleStatusLegacyConverted}}, policy.Page{})
	require.NoError(t, err)
	assert.Empty(t, legacy)
}
