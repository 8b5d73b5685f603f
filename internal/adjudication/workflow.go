package adjudication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"claimcheck/internal/claim"
	"claimcheck/internal/coverage"
	"claimcheck/internal/exclusion"
	"claimcheck/internal/match"
	"claimcheck/internal/policy"
	"claimcheck/internal/scoring"
	"claimcheck/internal/util"
)

// Stage is a workflow state.
type Stage string

const (
	StageNormalizing           Stage = "normalizing"
	StageResolving             Stage = "resolving"
	StageExcludingFraudScoring Stage = "excluding_fraud_scoring"
	StageAggregating           Stage = "aggregating"
	StageDone                  Stage = "done"
)

// Stages lists the workflow states in order.
func Stages() []Stage {
	return []Stage{StageNormalizing, StageResolving, StageExcludingFraudScoring, StageAggregating, StageDone}
}

// Observer is notified after each completed stage.
type Observer func(claimID string, completed Stage, next Stage, elapsed time.Duration)

// Option customizes a workflow.
type Option func(*Workflow)

// WithEngine replaces the default fraud signal engine.
func WithEngine(engine *scoring.Engine) Option {
	return func(w *Workflow) {
		if engine != nil {
			w.engine = engine
		}
	}
}

// WithClock sets the source of DecidedAt.
func WithClock(clock func() time.Time) Option {
	return func(w *Workflow) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// WithExclusionWorkers bounds exclusion parallelism.
func WithExclusionWorkers(n int) Option {
	return func(w *Workflow) {
		w.exclusionWorkers = n
	}
}

// WithObserver registers a stage observer.
func WithObserver(fn Observer) Option {
	return func(w *Workflow) {
		w.observer = fn
	}
}

// Workflow adjudicates one claim as an explicit state machine. Each stage
// reads the previous stage's output and writes its own; completed outputs
// survive cancellation so Run can resume. A Workflow is not safe for
// concurrent use; the graph it reads may be shared.
type Workflow struct {
	graph            *policy.Graph
	claim            claim.Claim
	fraud            scoring.FraudContext
	engine           *scoring.Engine
	clock            func() time.Time
	exclusionWorkers int
	observer         Observer

	stage    Stage
	matches  []match.ItemMatches
	resolved []claim.LineItemResult
	totals   *coverage.RunningTotals
	excluded []claim.LineItemResult
	report   scoring.Report
	verdict  *Verdict
}

// New validates the inputs and prepares a workflow positioned at
// Normalizing. Invalid inputs return a *SetupError.
func New(graph *policy.Graph, c claim.Claim, fraud scoring.FraudContext, opts ...Option) (*Workflow, error) {
	if graph == nil {
		return nil, &SetupError{Kind: ErrUnknownPolicy, ClaimID: c.ClaimID, PolicyID: c.PolicyID, Err: fmt.Errorf("no policy graph supplied")}
	}
	if strings.TrimSpace(c.PolicyID) != graph.PolicyID() {
		return nil, &SetupError{Kind: ErrUnknownPolicy, ClaimID: c.ClaimID, PolicyID: c.PolicyID,
			Err: fmt.Errorf("claim references %q but graph is %q", c.PolicyID, graph.PolicyID())}
	}
	if len(c.LineItems) == 0 {
		return nil, &SetupError{Kind: ErrEmptyClaim, ClaimID: c.ClaimID, PolicyID: c.PolicyID}
	}
	if err := c.Validate(); err != nil {
		return nil, &SetupError{Kind: ErrInvalidClaim, ClaimID: c.ClaimID, PolicyID: c.PolicyID, Err: err}
	}

	w := &Workflow{
		graph: graph,
		claim: c.Clone(),
		fraud: fraud,
		clock: time.Now,
		stage: StageNormalizing,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.engine == nil {
		w.engine = scoring.NewEngine(scoring.DefaultConfig())
	}
	return w, nil
}

// Stage returns the stage the next Step will execute.
func (w *Workflow) Stage() Stage {
	return w.stage
}

// Verdict returns the verdict once the workflow is done.
func (w *Workflow) Verdict() (Verdict, bool) {
	if w.verdict == nil {
		return Verdict{}, false
	}
	return *w.verdict, true
}

// Step executes the current stage and advances. Cancellation is checked
// before the stage starts; a cancelled stage leaves the workflow where it was.
func (w *Workflow) Step(ctx context.Context) error {
	if w.stage == StageDone {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", w.stage, err)
	}

	timer := util.StartTimer()
	current := w.stage
	var next Stage
	switch current {
	case StageNormalizing:
		w.matches = match.NormalizeClaim(w.graph, w.claim)
		next = StageResolving
	case StageResolving:
		w.resolved, w.totals = coverage.NewResolver(w.graph).ResolveAll(w.claim, w.matches)
		next = StageExcludingFraudScoring
	case StageExcludingFraudScoring:
		excluded, report, err := w.fanOut(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", current, err)
		}
		w.excluded, w.report = excluded, report
		next = StageAggregating
	case StageAggregating:
		v := w.aggregate()
		w.verdict = &v
		next = StageDone
	default:
		return fmt.Errorf("unknown workflow stage %q", current)
	}
	w.stage = next

	elapsed := timer.Elapsed()
	logrus.WithFields(logrus.Fields{
		"claim_id": w.claim.ClaimID,
		"stage":    current,
		"next":     next,
		"duration": elapsed,
	}).Debug("adjudication stage completed")
	if w.observer != nil {
		w.observer(w.claim.ClaimID, current, next, elapsed)
	}
	return nil
}

// Run steps until Done and returns the verdict.
func (w *Workflow) Run(ctx context.Context) (Verdict, error) {
	for w.stage != StageDone {
		if err := w.Step(ctx); err != nil {
			return Verdict{}, err
		}
	}
	return *w.verdict, nil
}

// fanOut evaluates exclusions per line item and fraud signals over the whole
// claim concurrently. Both read only the resolved results and the claim.
func (w *Workflow) fanOut(ctx context.Context) ([]claim.LineItemResult, scoring.Report, error) {
	var (
		excluded []claim.LineItemResult
		report   scoring.Report
	)
	resolved := make([]claim.LineItemResult, len(w.resolved))
	for i, r := range w.resolved {
		resolved[i] = r.Clone()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := exclusion.NewEvaluator(w.graph, w.exclusionWorkers).EvaluateAll(gctx, w.claim, w.resolved)
		if err != nil {
			return err
		}
		excluded = out
		return nil
	})
	g.Go(func() error {
		out, err := w.engine.Evaluate(ctx, scoring.Input{
			Claim:    w.claim,
			Policy:   w.graph.Info(),
			Resolved: resolved,
			Context:  w.fraud,
		})
		if err != nil {
			return err
		}
		report = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, scoring.Report{}, err
	}
	return excluded, report, nil
}

func (w *Workflow) aggregate() Verdict {
	results := w.releaseExcluded()
	claimed, approved := totals(results)
	signals := append([]scoring.SignalResult(nil), w.report.Signals...)
	triggered := make(map[string]float64, len(w.report.Triggered))
	for k, v := range w.report.Triggered {
		triggered[k] = v
	}
	info := w.graph.Info()
	return Verdict{
		ClaimID:          w.claim.ClaimID,
		PolicyID:         info.PolicyID,
		PolicyVersion:    info.Version,
		DecidedAt:        w.clock().UTC(),
		LineItemResults:  results,
		FraudScore:       w.report.Score,
		FraudThreshold:   w.report.Threshold,
		RiskLevel:        w.report.RiskLevel,
		TriggeredSignals: triggered,
		Signals:          signals,
		OverallStatus:    DeriveStatus(results, w.report.Score, w.report.Threshold),
		ClaimedTotal:     claimed,
		ApprovedTotal:    approved,
	}
}

// releaseExcluded returns the final line item results. An excluded item pays
// nothing, so when exclusion overrode a payable result the remaining items
// are resolved again in claim order without it consuming headroom. Exclusion
// outcomes and the fraud report are kept as they are.
func (w *Workflow) releaseExcluded() []claim.LineItemResult {
	results := make([]claim.LineItemResult, len(w.excluded))
	skip := make([]bool, len(w.excluded))
	overridden := false
	for i, r := range w.excluded {
		results[i] = r.Clone()
		if r.Status == claim.StatusExcluded {
			skip[i] = true
			if i < len(w.resolved) && w.resolved[i].Status.Payable() {
				overridden = true
			}
		}
	}
	if !overridden {
		return results
	}

	rerun, totals := coverage.NewResolver(w.graph).ResolveExcept(w.claim, w.matches, skip)
	for i := range results {
		if !skip[i] {
			results[i] = rerun[i]
		}
	}
	w.totals = totals
	logrus.WithFields(logrus.Fields{
		"claim_id": w.claim.ClaimID,
		"excluded": countTrue(skip),
	}).Debug("re-resolved coverage without excluded line items")
	return results
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// Adjudicate runs a fresh workflow to completion.
func Adjudicate(ctx context.Context, graph *policy.Graph, c claim.Claim, fraud scoring.FraudContext, opts ...Option) (Verdict, error) {
	timer := util.StartTimer()
	w, err := New(graph, c, fraud, opts...)
	if err != nil {
		return Verdict{}, err
	}
	v, err := w.Run(ctx)
	if err != nil {
		return Verdict{}, err
	}
	logrus.WithFields(logrus.Fields{
		"claim_id":       v.ClaimID,
		"policy_id":      v.PolicyID,
		"overall_status": v.OverallStatus,
		"fraud_score":    v.FraudScore,
		"approved_total": v.ApprovedTotal,
		"duration":       timer.Elapsed(),
	}).Info("claim adjudicated")
	return v, nil
}
