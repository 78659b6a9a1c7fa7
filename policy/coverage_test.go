package policy_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/policy-engine/policy"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func realized(n int) []policy.Payment {
	out := make([]policy.Payment, n)
	for i := range out {
		out[i] = policy.Payment{Amount: decimal.NewFromInt(450), PaidDate: date(2024, time.January, 1).AddDate(0, i, 0), Status: policy.PaymentRealized}
	}
	return out
}

func TestCalculateCoverage_NoPaymentsInsideFirstMonth(t *testing.T) {
	// GIVEN: a policy emitted 2024-01-01 with no realized payment
	// WHEN: evaluated on 2024-01-20
	cov, err := policy.CalculateCoverage(date(2024, time.January, 1), nil, date(2024, time.January, 20))
	require.NoError(t, err)

	// THEN: it is in grace until 2024-02-01, never CURRENT
	assert.Equal(t, policy.CoverageGracePeriod, cov.State)
	assert.Equal(t, date(2024, time.February, 1), cov.EndDate)
	assert.Equal(t, cov.EndDate, cov.GraceEndDate)
	assert.Equal(t, 12, cov.DaysRemainingCoverage)
}

func TestCalculateCoverage_PaidMonthsLapsedIntoGrace(t *testing.T) {
	// GIVEN: three realized payments from 2024-01-01
	// WHEN: evaluated on 2024-04-15
	cov, err := policy.CalculateCoverage(date(2024, time.January, 1), realized(3), date(2024, time.April, 15))
	require.NoError(t, err)

	// THEN: coverage ended 2024-04-01 and grace runs until 2024-05-01
	assert.Equal(t, date(2024, time.April, 1), cov.EndDate)
	assert.Equal(t, date(2024, time.May, 1), cov.GraceEndDate)
	assert.Equal(t, policy.CoverageGracePeriod, cov.State)
	assert.Equal(t, 16, cov.DaysRemainingGrace)
	assert.Negative(t, cov.DaysRemainingCoverage)
}

func TestCalculateCoverage_States(t *testing.T) {
	emission := date(2024, time.January, 1)
	tests := []struct {
		name     string
		payments []policy.Payment
		now      time.Time
		want     policy.CoverageState
	}{
		{"paid and inside window", realized(2), date(2024, time.February, 10), policy.CoverageCurrent},
		{"end date itself is still current", realized(2), date(2024, time.March, 1), policy.CoverageCurrent},
		{"past grace", realized(2), date(2024, time.April, 2), policy.CoverageExpired},
		{"unpaid past first month", nil, date(2024, time.February, 2), policy.CoverageExpired},
		{"unpaid on first month boundary", nil, date(2024, time.February, 1), policy.CoverageGracePeriod},
		{
			"planned payments do not count",
			[]policy.Payment{{Status: policy.PaymentPlanned}, {Status: policy.PaymentPending}},
			date(2024, time.February, 2),
			policy.CoverageExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cov, err := policy.CalculateCoverage(emission, tt.payments, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cov.State)
		})
	}
}

func TestCalculateCoverage_Idempotent(t *testing.T) {
	now := date(2024, time.March, 5).Add(7 * time.Hour)
	first, err := policy.CalculateCoverage(date(2024, time.January, 1), realized(1), now)
	require.NoError(t, err)
	second, err := policy.CalculateCoverage(date(2024, time.January, 1), realized(1), now)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCalculateCoverage_PartialDaysRoundUp(t *testing.T) {
	// One hour before the end date still counts as a full day remaining.
	cov, err := policy.CalculateCoverage(date(2024, time.January, 1), realized(1), date(2024, time.February, 1).Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, policy.CoverageCurrent, cov.State)
	assert.Equal(t, 1, cov.DaysRemainingCoverage)
}

func TestCalculateCoverage_MonthOverflow(t *testing.T) {
	// Calendar month arithmetic rolls Jan 31 + 1 month into March.
	cov, err := policy.CalculateCoverage(date(2023, time.January, 31), realized(1), date(2023, time.February, 15))
	require.NoError(t, err)
	assert.Equal(t, date(2023, time.March, 3), cov.EndDate)
}

func TestCalculateCoverage_Validation(t *testing.T) {
	_, err := policy.CalculateCoverage(time.Time{}, nil, date(2024, time.January, 1))
	assert.ErrorIs(t, err, policy.ErrValidation)

	_, err = policy.CalculateCoverage(date(2024, time.January, 1), []policy.Payment{{Status: "REFUNDED"}}, date(2024, time.January, 2))
	var verr *policy.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payments[0].status", verr.Field)
}
