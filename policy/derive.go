package policy

import "time"

// Derived holds everything recomputed for a policy in one pass.
type Derived struct {
	Coverage      Coverage
	PriorityScore int
}

// Derive runs the coverage calculator and the priority scorer over p at now.
// The service count fed to the scorer is the authoritative history length,
// not the cached counter.
func Derive(p *Policy, now time.Time) (Derived, error) {
	cov, err := CalculateCoverage(p.EmissionDate, p.Payments, now)
	if err != nil {
		return Derived{}, err
	}
	score, err := PriorityScore(cov.State, cov.DaysRemainingCoverage, cov.DaysRemainingGrace, len(p.ServiceHistory))
	if err != nil {
		return Derived{}, err
	}
	return Derived{Coverage: cov, PriorityScore: score}, nil
}

// RefreshPatch builds the single patch that persists a Derive result. It also
// rewrites the service history unchanged so the cached count is resynced in
// the same write.
func (d Derived) RefreshPatch(p *Policy) PolicyPatch {
	history := p.ServiceHistory
	if history == nil {
		history = []ServiceRecord{}
	}
	return PolicyPatch{
		Coverage:       &d.Coverage,
		PriorityScore:  &d.PriorityScore,
		ServiceHistory: &history,
	}
}
