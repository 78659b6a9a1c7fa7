package policy

import (
	"math"
	"strconv"
	"time"
)

// =============================================================================
// COVERAGE STATE CALCULATOR
// =============================================================================

const day = 24 * time.Hour

// CalculateCoverage derives the coverage fields of a policy from its emission
// date and payment history, evaluated at now.
//
// Only REALIZED payments count. With n realized payments the policy is paid up
// to emission+n months and has a grace window up to emission+(n+1) months. A
// policy with no realized payment gets a single month and no separate grace
// window; it is never CURRENT.
//
// The result depends only on its inputs, so repeated runs with the same now
// produce identical values.
func CalculateCoverage(emission time.Time, payments []Payment, now time.Time) (Coverage, error) {
	if emission.IsZero() {
		return Coverage{}, &ValidationError{Field: "emission_date", Reason: "missing"}
	}
	if now.IsZero() {
		return Coverage{}, &ValidationError{Field: "now", Reason: "missing"}
	}
	n := 0
	for i, p := range payments {
		if !p.Status.Valid() {
			return Coverage{}, &ValidationError{Field: "payments[" + strconv.Itoa(i) + "].status", Reason: string(p.Status)}
		}
		if p.Status == PaymentRealized {
			n++
		}
	}
	return coverageFor(emission.UTC(), n, now.UTC()), nil
}

func coverageFor(emission time.Time, n int, now time.Time) Coverage {
	var c Coverage
	if n == 0 {
		c.EndDate = AddMonths(emission, 1)
		c.GraceEndDate = c.EndDate
		if c.EndDate.Before(now) {
			c.State = CoverageExpired
		} else {
			c.State = CoverageGracePeriod
		}
	} else {
		c.EndDate = AddMonths(emission, n)
		c.GraceEndDate = AddMonths(emission, n+1)
		switch {
		case !c.EndDate.Before(now):
			c.State = CoverageCurrent
		case !c.GraceEndDate.Before(now):
			c.State = CoverageGracePeriod
		default:
			c.State = CoverageExpired
		}
	}
	c.DaysRemainingCoverage = DaysUntil(c.EndDate, now)
	c.DaysRemainingGrace = DaysUntil(c.GraceEndDate, now)
	return c
}

// AddMonths adds calendar months the way time.AddDate does: overflowing days
// roll into the following month (Jan 31 + 1 month = Mar 2 or 3).
func AddMonths(t time.Time, n int) time.Time {
	return t.AddDate(0, n, 0)
}

// DaysUntil returns ceil((end - now) / 1 day). Negative when end is past.
func DaysUntil(end, now time.Time) int {
	return int(math.Ceil(float64(end.Sub(now)) / float64(day)))
}
