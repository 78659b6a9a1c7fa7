/*
Package cleanup implements the recurring maintenance run over policies.

PASSES (in order, each independent and idempotent):
  1. refresh: recompute coverage, priority and the cached service count of
     every ACTIVE policy. Per-record failures are logged and skipped.
  2. retire:  delete ACTIVE provisional policies whose service allowance is
     consumed and whose last service is older than the retention window.
     Each retirement is its own transaction, verified by re-reading after
     commit.
  3. legacy:  rewrite records still carrying legacy converted labels to the
     current terminology.

SINGLE FLIGHT:
  Run holds a Guard for its whole duration. A second Run while the first is
  in flight fails fast with ErrAlreadyRunning.

USAGE:
  s := cleanup.NewScheduler(store, cleanup.WithConverter(coordinator))
  report, err := s.Run(ctx)

SEE ALSO:
  - api/ticker.go: recurring trigger
  - policy/derive.go: the recomputation applied by the refresh pass
*/
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/conversion"
	"github.com/warp/policy-engine/metrics"
	"github.com/warp/policy-engine/notify"
	"github.com/warp/policy-engine/policy"
)

// Pass names, used as BatchResult.Operation and metric labels.
const (
	PassRefresh = "refresh"
	PassRetire  = "retire"
	PassLegacy  = "legacy"
)

// ErrNotRetired means a retirement committed but the re-read did not show
// the policy as DELETED.
var ErrNotRetired = errors.New("retirement not visible after commit")

// Config tunes the passes.
type Config struct {
	BatchSize   int           // records fetched per page
	Retention   time.Duration // minimum age of the last service before retirement
	Concurrency int           // parallel refreshes within a page
	TxTimeout   time.Duration // budget of each per-record transaction
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   200,
		Retention:   time.Hour,
		Concurrency: 4,
		TxTimeout:   10 * time.Second,
	}
}

// Converter upgrades legacy-marked vehicles. *conversion.Coordinator
// implements it.
type Converter interface {
	Convert(ctx context.Context, vehicleID string) (conversion.Outcome, error)
}

// Report collects the summaries of one Run.
type Report struct {
	Refresh policy.BatchResult `json:"refresh"`
	Retire  policy.BatchResult `json:"retire"`
	Legacy  policy.BatchResult `json:"legacy"`
}

// Scheduler runs the cleanup passes.
type Scheduler struct {
	store     policy.TxStore
	converter Converter
	guard     Guard
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	cfg       Config
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithConverter(c Converter) Option          { return func(s *Scheduler) { s.converter = c } }
func WithGuard(g Guard) Option                  { return func(s *Scheduler) { s.guard = g } }
func WithNotifier(n notify.Notifier) Option     { return func(s *Scheduler) { s.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option     { return func(s *Scheduler) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option        { return func(s *Scheduler) { s.log = l } }
func WithClock(now func() time.Time) Option     { return func(s *Scheduler) { s.now = now } }
func WithConfig(cfg Config) Option              { return func(s *Scheduler) { s.cfg = cfg } }

// NewScheduler creates a Scheduler with a local guard and DefaultConfig.
// Without a Converter the legacy pass only relabels policies.
func NewScheduler(store policy.TxStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		guard:    NewLocalGuard(),
		notifier: notify.Nop{},
		log:      zerolog.Nop(),
		now:      time.Now,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.BatchSize <= 0 {
		s.cfg.BatchSize = DefaultConfig().BatchSize
	}
	if s.cfg.Concurrency <= 0 {
		s.cfg.Concurrency = 1
	}
	return s
}

// Run executes every pass once. A pass that cannot list its records stops
// early and its error is returned joined with the others; the remaining
// passes still run.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	release, err := s.guard.TryAcquire(ctx, "cleanup")
	if err != nil {
		return Report{}, err
	}
	defer release()

	var (
		report Report
		errs   []error
	)
	report.Refresh, err = s.RefreshStates(ctx)
	errs = append(errs, err)
	report.Retire, err = s.RetireConsumed(ctx)
	errs = append(errs, err)
	report.Legacy, err = s.UpgradeLegacy(ctx)
	errs = append(errs, err)

	return report, errors.Join(errs...)
}

// RetirePolicy is the operator delete: it moves an ACTIVE policy to DELETED
// with the given reason (operator_request when empty). Retiring a policy
// that is already DELETED is a ConflictError.
func (s *Scheduler) RetirePolicy(ctx context.Context, id, reason string) (*policy.Policy, error) {
	if reason == "" {
		reason = policy.ReasonOperatorRequest
	}
	var out *policy.Policy
	err := policy.RunTx(ctx, s.store, s.cfg.TxTimeout, func(ctx context.Context, tx policy.Store) error {
		p, err := tx.FindPolicy(ctx, policy.PolicyFilter{ID: id})
		if err != nil {
			return err
		}
		if !p.IsActive() {
			return &policy.ConflictError{Collection: policy.CollectionPolicies, Key: id, Reason: "policy is already deleted"}
		}
		out, err = tx.UpdatePolicy(ctx, id, deletionPatch(s.now(), reason))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("policy_id", id).Str("reason", reason).Msg("policy retired by operator")
	return out, nil
}

// finish stamps, logs, measures and publishes a pass summary.
func (s *Scheduler) finish(ctx context.Context, r *policy.BatchResult, started time.Time) {
	r.FinishedAt = s.now().UTC()
	s.metrics.ObservePass(r.Operation, r.Succeeded, r.Failed, r.Skipped, started)
	s.log.Info().
		Str("pass", r.Operation).
		Int("succeeded", r.Succeeded).
		Int("failed", r.Failed).
		Int("skipped", r.Skipped).
		Dur("elapsed", time.Since(started)).
		Msg("cleanup pass finished")
	if err := s.notifier.Publish(ctx, *r); err != nil {
		s.log.Warn().Err(err).Str("pass", r.Operation).Msg("failed to publish pass summary")
	}
}

func (s *Scheduler) logFailure(pass, id string, err error) {
	s.log.Warn().Str("pass", pass).Str("policy_id", id).Err(err).Msg("record failed")
}

func deletionPatch(now time.Time, reason string) policy.PolicyPatch {
	at := now.UTC()
	return policy.PolicyPatch{
		RecordStatus:   policy.Ptr(policy.StatusDeleted),
		DeletedAt:      &at,
		DeletionReason: &reason,
	}
}

func listError(pass string, err error) error {
	return fmt.Errorf("%s pass: list records: %w", pass, err)
}
