package exclusion

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"claimcheck/internal/claim"
	"claimcheck/internal/match"
	"claimcheck/internal/policy"
	"claimcheck/internal/util"
)

// Evaluator applies a policy's exclusions to resolved line items.
type Evaluator struct {
	graph   *policy.Graph
	workers int
}

// NewEvaluator constructs an evaluator. workers <= 0 sizes the pool from the
// CPU count.
func NewEvaluator(graph *policy.Graph, workers int) *Evaluator {
	return &Evaluator{graph: graph, workers: workers}
}

// Matching returns the ids of every exclusion whose predicate holds for the
// item, in declaration order.
func (e *Evaluator) Matching(item claim.LineItem) []string {
	if e == nil || e.graph == nil {
		return nil
	}
	facts := match.FactsFor(item)
	var matched []string
	for _, excl := range e.graph.ExclusionsForCategory(facts.Category) {
		if excl.Predicate == nil || e.graph.Matches(*excl.Predicate, facts) {
			matched = append(matched, excl.ExclusionID)
		}
	}
	return matched
}

// Evaluate overrides a Covered or LimitExceeded result to Excluded when any
// exclusion matches. Every exclusion is evaluated; the first in declaration
// order is recorded as the match. NoMatchingClause results pass through.
func (e *Evaluator) Evaluate(item claim.LineItem, result claim.LineItemResult) claim.LineItemResult {
	out := result.Clone()
	if !out.Status.Payable() {
		return out
	}
	matched := e.Matching(item)
	if len(matched) == 0 {
		return out
	}
	out.Status = claim.StatusExcluded
	out.MatchedExclusionID = matched[0]
	out.MatchedExclusionIDs = matched
	out.ApprovedAmount = 0
	out.Detail = fmt.Sprintf("excluded by %s", matched[0])
	if excl, ok := e.exclusion(matched[0]); ok && excl.Description != "" {
		out.Detail = fmt.Sprintf("excluded by %s: %s", matched[0], excl.Description)
	}
	return out
}

// EvaluateAll evaluates line items in parallel and writes each outcome back by
// index. Cancellation is observed before each item starts.
func (e *Evaluator) EvaluateAll(ctx context.Context, c claim.Claim, results []claim.LineItemResult) ([]claim.LineItemResult, error) {
	if len(results) != len(c.LineItems) {
		return nil, fmt.Errorf("exclusion: %d results for %d line items", len(results), len(c.LineItems))
	}
	out := make([]claim.LineItemResult, len(results))
	workers := e.workers
	if workers <= 0 {
		workers = util.WorkerCount(len(results))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range results {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.Evaluate(c.LineItems[i], results[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Evaluator) exclusion(id string) (policy.Exclusion, bool) {
	for _, excl := range e.graph.Exclusions() {
		if excl.ExclusionID == id {
			return excl, true
		}
	}
	return policy.Exclusion{}, false
}
