package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/policy-engine/policy"
)

// errSkip marks a record that no longer needs the pass.
var errSkip = errors.New("skip")

// =============================================================================
// PASS 1: STATE REFRESH
// =============================================================================

// RefreshStates recomputes every ACTIVE policy at one instant. Records that
// were deleted since listing, or are already up to date, count as skipped.
func (s *Scheduler) RefreshStates(ctx context.Context) (policy.BatchResult, error) {
	started := time.Now()
	now := s.now().UTC()
	result := policy.NewBatchResult(PassRefresh, now)
	defer s.finish(ctx, &result, started)

	var mu sync.Mutex
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			result.Succeeded++
		case errors.Is(err, errSkip):
			result.Skipped++
		default:
			result.Fail(id, err)
			s.logFailure(PassRefresh, id, err)
		}
	}

	active := policy.PolicyFilter{Statuses: []policy.RecordStatus{policy.StatusActive}}
	after := ""
	for {
		page, err := s.store.FindPolicies(ctx, active, policy.Page{AfterID: after, Limit: s.cfg.BatchSize})
		if err != nil {
			return result, listError(PassRefresh, err)
		}
		if len(page) == 0 {
			return result, nil
		}

		g := new(errgroup.Group)
		g.SetLimit(s.cfg.Concurrency)
		for _, p := range page {
			id := p.ID
			g.Go(func() error {
				record(id, s.refreshOne(ctx, id, now))
				return nil
			})
		}
		_ = g.Wait()

		after = page[len(page)-1].ID
		if len(page) < s.cfg.BatchSize {
			return result, nil
		}
	}
}

func (s *Scheduler) refreshOne(ctx context.Context, id string, now time.Time) error {
	return policy.RunTx(ctx, s.store, s.cfg.TxTimeout, func(ctx context.Context, tx policy.Store) error {
		p, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: id})
		if err != nil {
			return err
		}
		if !p.IsActive() {
			return errSkip
		}
		d, err := policy.Derive(p, now)
		if err != nil {
			return err
		}
		if sameCoverage(d.Coverage, p.Coverage) && d.PriorityScore == p.PriorityScore && p.ServiceCount == len(p.ServiceHistory) {
			return errSkip
		}
		_, err = tx.UpdatePolicy(ctx, id, d.RefreshPatch(p))
		return err
	})
}

func sameCoverage(a, b policy.Coverage) bool {
	return a.State == b.State &&
		a.EndDate.Equal(b.EndDate) &&
		a.GraceEndDate.Equal(b.GraceEndDate) &&
		a.DaysRemainingCoverage == b.DaysRemainingCoverage &&
		a.DaysRemainingGrace == b.DaysRemainingGrace
}

// =============================================================================
// PASS 2: RETIREMENT
// =============================================================================

// RetireConsumed deletes ACTIVE provisional policies (either label) that
// have at least one recorded service, the last one older than the retention
// window. A policy with no service is never retired.
func (s *Scheduler) RetireConsumed(ctx context.Context) (policy.BatchResult, error) {
	started := time.Now()
	now := s.now().UTC()
	result := policy.NewBatchResult(PassRetire, now)
	defer s.finish(ctx, &result, started)

	cutoff := now.Add(-s.cfg.Retention)
	candidates := policy.PolicyFilter{
		Statuses: []policy.RecordStatus{policy.StatusActive},
		Kinds:    []policy.PolicyKind{policy.KindProvisional, policy.KindLegacyProvisional},
	}
	after := ""
	for {
		page, err := s.store.FindPolicies(ctx, candidates, policy.Page{AfterID: after, Limit: s.cfg.BatchSize})
		if err != nil {
			return result, listError(PassRetire, err)
		}
		for i := range page {
			if !Retirable(&page[i], cutoff) {
				continue
			}
			switch err := s.retireOne(ctx, page[i].ID, cutoff, now); {
			case err == nil:
				result.Succeeded++
			case errors.Is(err, errSkip):
				result.Skipped++
			default:
				result.Fail(page[i].ID, err)
				s.logFailure(PassRetire, page[i].ID, err)
			}
		}
		if len(page) < s.cfg.BatchSize {
			return result, nil
		}
		after = page[len(page)-1].ID
	}
}

// Retirable reports whether p qualifies for the retirement pass given the
// retention cutoff. Both the cached count and the history must show a
// service, so a drifted counter alone never retires a policy.
func Retirable(p *policy.Policy, cutoff time.Time) bool {
	if !p.IsActive() || !p.Kind.IsProvisional() {
		return false
	}
	if p.ServiceCount < 1 {
		return false
	}
	last, ok := p.LastService()
	return ok && last.Before(cutoff)
}

func (s *Scheduler) retireOne(ctx context.Context, id string, cutoff, now time.Time) error {
	err := policy.RunTx(ctx, s.store, s.cfg.TxTimeout, func(ctx context.Context, tx policy.Store) error {
		p, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: id})
		if err != nil {
			return err
		}
		// A service recorded since listing moves the last-service time.
		if !Retirable(p, cutoff) {
			return errSkip
		}
		_, err = tx.UpdatePolicy(ctx, id, deletionPatch(now, policy.ReasonServiceAllowanceConsumed))
		return err
	})
	if err != nil {
		return err
	}

	p, err := s.store.FindPolicy(ctx, policy.PolicyFilter{ID: id})
	if err != nil {
		return err
	}
	if p.RecordStatus != policy.StatusDeleted {
		return ErrNotRetired
	}
	return nil
}

// =============================================================================
// PASS 3: LEGACY TERMINOLOGY
// =============================================================================

// UpgradeLegacy rewrites legacy labels. Vehicles carrying the legacy
// converted marker go through the Converter, which relabels both sides of
// the link in one transaction. ACTIVE policies still labelled with the
// legacy kind whose vehicle is already current are relabelled directly.
func (s *Scheduler) UpgradeLegacy(ctx context.Context) (policy.BatchResult, error) {
	started := time.Now()
	result := policy.NewBatchResult(PassLegacy, s.now().UTC())
	defer s.finish(ctx, &result, started)

	if s.converter != nil {
		if err := s.upgradeVehicles(ctx, &result); err != nil {
			return result, err
		}
	}
	return result, s.upgradePolicies(ctx, &result)
}

func (s *Scheduler) upgradeVehicles(ctx context.Context, result *policy.BatchResult) error {
	legacy := policy.VehicleFilter{Statuses: []policy.VehicleStatus{policy.VehicleStatusLegacyConverted}}
	after := ""
	for {
		page, err := s.store.FindVehicles(ctx, legacy, policy.Page{AfterID: after, Limit: s.cfg.BatchSize})
		if err != nil {
			return listError(PassLegacy, err)
		}
		for _, v := range page {
			if _, err := s.converter.Convert(ctx, v.ID); err != nil {
				result.Fail(v.ID, err)
				s.log.Warn().Str("pass", PassLegacy).Str("vehicle_id", v.ID).Err(err).Msg("record failed")
				continue
			}
			result.Succeeded++
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *Scheduler) upgradePolicies(ctx context.Context, result *policy.BatchResult) error {
	legacy := policy.PolicyFilter{
		Statuses: []policy.RecordStatus{policy.StatusActive},
		Kinds:    []policy.PolicyKind{policy.KindLegacyProvisional},
	}
	after := ""
	for {
		page, err := s.store.FindPolicies(ctx, legacy, policy.Page{AfterID: after, Limit: s.cfg.BatchSize})
		if err != nil {
			return listError(PassLegacy, err)
		}
		for _, p := range page {
			switch err := s.relabelPolicy(ctx, p.ID); {
			case err == nil:
				result.Succeeded++
			case errors.Is(err, errSkip):
				result.Skipped++
			default:
				result.Fail(p.ID, err)
				s.logFailure(PassLegacy, p.ID, err)
			}
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// relabelPolicy leaves policies whose vehicle still carries the legacy
// marker to the vehicle sweep, so both sides change together.
func (s *Scheduler) relabelPolicy(ctx context.Context, id string) error {
	return policy.RunTx(ctx, s.store, s.cfg.TxTimeout, func(ctx context.Context, tx policy.Store) error {
		p, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: id})
		if err != nil {
			return err
		}
		if !p.IsActive() || p.Kind != policy.KindLegacyProvisional {
			return errSkip
		}
		if p.VehicleRef != "" {
			v, err := tx.FindVehicle(ctx, policy.VehicleFilter{ID: p.VehicleRef})
			if err == nil && v.Status == policy.VehicleStatusLegacyConverted {
				return errSkip
			}
		}
		_, err = tx.UpdatePolicy(ctx, id, policy.PolicyPatch{Kind: policy.Ptr(policy.KindProvisional)})
		return err
	})
}
