package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/policy-engine/policy"
	"github.com/warp/policy-engine/policy/store"
	"github.com/warp/policy-engine/usage"
)

var fixedNow = time.Date(2024, time.January, 20, 9, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T) (*usage.Recorder, *store.Memory, *policy.Policy) {
	t.Helper()
	mem := store.NewMemory()
	r := usage.NewRecorder(mem, usage.WithClock(func() time.Time { return fixedNow }))
	p, err := r.Issue(context.Background(), policy.Policy{
		PolicyNumber: "REG-001",
		EmissionDate: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return r, mem, p
}

func TestIssue_DerivesFields(t *testing.T) {
	_, _, p := newRecorder(t)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, policy.KindRegular, p.Kind)
	assert.Equal(t, policy.StatusActive, p.RecordStatus)
	assert.Equal(t, policy.CoverageGracePeriod, p.Coverage.State)
	assert.Equal(t, 12, p.Coverage.DaysRemainingCoverage)
}

func TestIssue_Validation(t *testing.T) {
	r := usage.NewRecorder(store.NewMemory())
	ctx := context.Background()

	_, err := r.Issue(ctx, policy.Policy{EmissionDate: fixedNow})
	assert.ErrorIs(t, err, policy.ErrValidation)

	_, err = r.Issue(ctx, policy.Policy{PolicyNumber: "X", EmissionDate: fixedNow, Kind: policy.KindProvisional})
	assert.ErrorIs(t, err, policy.ErrValidation)
}

func TestIssue_DuplicateNumber(t *testing.T) {
	r, _, _ := newRecorder(t)
	_, err := r.Issue(context.Background(), policy.Policy{PolicyNumber: "REG-001", EmissionDate: fixedNow})
	assert.ErrorIs(t, err, policy.ErrConflict)
}

func TestRecordPayment_MovesCoverage(t *testing.T) {
	// GIVEN: an unpaid policy in its first-month grace window
	r, _, p := newRecorder(t)

	// WHEN: a realized payment is recorded
	out, err := r.RecordPayment(context.Background(), p.ID, policy.Payment{
		Amount:   decimal.RequireFromString("450.00"),
		PaidDate: fixedNow,
		Status:   policy.PaymentRealized,
	})
	require.NoError(t, err)

	// THEN: the policy is CURRENT in the same write
	assert.Len(t, out.Payments, 1)
	assert.Equal(t, policy.CoverageCurrent, out.Coverage.State)
	assert.Equal(t, 30, out.PriorityScore)
}

func TestRecordPayment_PlannedDoesNotExtend(t *testing.T) {
	r, _, p := newRecorder(t)
	out, err := r.RecordPayment(context.Background(), p.ID, policy.Payment{
		Amount: decimal.NewFromInt(450), PaidDate: fixedNow, Status: policy.PaymentPlanned,
	})
	require.NoError(t, err)
	assert.Equal(t, policy.CoverageGracePeriod, out.Coverage.State)
}

func TestRecordPayment_Validation(t *testing.T) {
	r, _, p := newRecorder(t)
	ctx := context.Background()

	_, err := r.RecordPayment(ctx, p.ID, policy.Payment{Status: "REFUNDED", PaidDate: fixedNow})
	assert.ErrorIs(t, err, policy.ErrValidation)
	_, err = r.RecordPayment(ctx, p.ID, policy.Payment{Status: policy.PaymentRealized})
	assert.ErrorIs(t, err, policy.ErrValidation)
	_, err = r.RecordPayment(ctx, p.ID, policy.Payment{Status: policy.PaymentRealized, PaidDate: fixedNow, Amount: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, policy.ErrValidation)
	_, err = r.RecordPayment(ctx, "ghost", policy.Payment{Status: policy.PaymentRealized, PaidDate: fixedNow})
	assert.ErrorIs(t, err, policy.ErrNotFound)
}

func TestRecordService_SequencesAndCounts(t *testing.T) {
	r, mem, p := newRecorder(t)
	ctx := context.Background()

	first, err := r.RecordService(ctx, p.ID, policy.ServiceRecord{CaseNumber: "C-1", Route: "A-B"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.ServiceCount)
	assert.Equal(t, fixedNow, first.ServiceHistory[0].ServiceDate)

	second, err := r.RecordService(ctx, p.ID, policy.ServiceRecord{CaseNumber: "C-2", ServiceDate: fixedNow.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, second.ServiceCount)
	assert.Equal(t, 2, second.ServiceHistory[1].SequenceNumber)
	assert.Equal(t, policy.ScoreConsumed, second.PriorityScore)

	stored, err := mem.FindPolicy(ctx, policy.PolicyFilter{ID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, len(stored.ServiceHistory), stored.ServiceCount)
}

func TestRecordService_RequiresCaseNumber(t *testing.T) {
	r, _, p := newRecorder(t)
	_, err := r.RecordService(context.Background(), p.ID, policy.ServiceRecord{CaseNumber: "  "})
	assert.ErrorIs(t, err, policy.ErrValidation)
}

func TestRecord_DeletedPolicyIsConflict(t *testing.T) {
	r, mem, p := newRecorder(t)
	ctx := context.Background()
	_, err := mem.UpdatePolicy(ctx, p.ID, policy.PolicyPatch{
		RecordStatus:   policy.Ptr(policy.StatusDeleted),
		DeletedAt:      &fixedNow,
		DeletionReason: policy.Ptr(policy.ReasonOperatorRequest),
	})
	require.NoError(t, err)

	_, err = r.RecordService(ctx, p.ID, policy.ServiceRecord{CaseNumber: "C-1"})
	assert.ErrorIs(t, err, policy.ErrConflict)
	_, err = r.RecordPayment(ctx, p.ID, policy.Payment{Status: policy.PaymentRealized, PaidDate: fixedNow})
	assert.ErrorIs(t, err, policy.ErrConflict)
}
