package policy

// =============================================================================
// PRIORITY SCORER
// =============================================================================

// ScoreConsumed is the score of a policy that already used its service quota.
const ScoreConsumed = 10

// Step scales indexed by bucket: <=1, <=3, <=7, >7 days remaining.
var (
	scaleNoService  = [4]int{100, 80, 60, 40}
	scaleOneService = [4]int{90, 70, 50, 30}
)

// PriorityScore ranks a policy for service dispatch. Higher is more urgent.
//
// Precedence, first match wins:
//  1. EXPIRED            -> 0, whatever the service count
//  2. serviceCount >= 2  -> ScoreConsumed
//  3. step function of the relevant days remaining (grace days in
//     GRACE_PERIOD, coverage days otherwise), on the 0- or 1-service scale
//  4. CURRENT policies lose 10 points, floored at 0
//
// The score is used for ranking only and never drives a state transition.
func PriorityScore(state CoverageState, daysCoverage, daysGrace, serviceCount int) (int, error) {
	if !state.Valid() {
		return 0, &ValidationError{Field: "coverage_state", Reason: string(state)}
	}
	if serviceCount < 0 {
		return 0, &ValidationError{Field: "service_count", Reason: "negative"}
	}

	if state == CoverageExpired {
		return 0, nil
	}
	if serviceCount >= 2 {
		return ScoreConsumed, nil
	}

	days := daysCoverage
	if state == CoverageGracePeriod {
		days = daysGrace
	}

	scale := scaleNoService
	if serviceCount == 1 {
		scale = scaleOneService
	}

	var score int
	switch {
	case days <= 1:
		score = scale[0]
	case days <= 3:
		score = scale[1]
	case days <= 7:
		score = scale[2]
	default:
		score = scale[3]
	}

	if state == CoverageCurrent {
		score = max(score-10, 0)
	}
	return score, nil
}
