package coverage

import (
	"fmt"
	"math"

	"claimcheck/internal/claim"
	"claimcheck/internal/match"
	"claimcheck/internal/policy"
)

const epsilon = 1e-9

// Resolver picks the covering clause for each line item.
type Resolver struct {
	graph *policy.Graph
}

// NewResolver constructs a resolver bound to one policy graph.
func NewResolver(graph *policy.Graph) *Resolver {
	return &Resolver{graph: graph}
}

// Resolve selects the highest ranked candidate whose clause is active and
// still has headroom in the item's limit period. An amount beyond the
// headroom is approved up to the headroom and marked LimitExceeded. Active
// candidates with no headroom left yield LimitExceeded with nothing approved;
// no active candidate yields NoMatchingClause.
func (r *Resolver) Resolve(item claim.LineItem, matches match.ItemMatches, totals *RunningTotals) claim.LineItemResult {
	result := claim.LineItemResult{
		LineItemID:    item.LineItemID,
		Category:      matches.Category,
		Status:        claim.StatusNoMatchingClause,
		ClaimedAmount: item.Amount,
	}
	if r == nil || r.graph == nil {
		result.Detail = "no policy graph"
		return result
	}
	if matches.NoMatchingClause() {
		result.Detail = fmt.Sprintf("no clause covers category %q", matches.Category)
		return result
	}

	info := r.graph.Info()
	active := r.graph.ActiveSet(matches.Facts)
	var exhausted *match.CandidateMatch
	for i := range matches.Candidates {
		cand := matches.Candidates[i]
		if cand.ClauseIndex < 0 || cand.ClauseIndex >= len(active) || !active[cand.ClauseIndex] {
			continue
		}
		clause, ok := r.graph.Clause(cand.ClauseID)
		if !ok {
			continue
		}
		bucket := Bucket(info, clause, item.LineItemID, item.ServiceDate)
		headroom := math.Inf(1)
		if !clause.Unlimited() {
			headroom = roundCents(clause.LimitAmount - totals.Used(clause.ClauseID, bucket))
		}
		if headroom <= epsilon && item.Amount > epsilon {
			if exhausted == nil {
				exhausted = &matches.Candidates[i]
			}
			continue
		}

		result.MatchedClauseID = clause.ClauseID
		result.MatchConfidence = cand.MatchConfidence
		eligible := item.Amount
		if item.Amount <= headroom+epsilon {
			result.Status = claim.StatusCovered
		} else {
			eligible = headroom
			result.Status = claim.StatusLimitExceeded
			result.Detail = fmt.Sprintf("approved %.2f of %.2f; clause %s limit %.2f %s reached",
				headroom, item.Amount, clause.ClauseID, clause.LimitAmount, clause.LimitPeriod)
		}
		totals.Add(clause.ClauseID, bucket, eligible)
		shareCost(clause, eligible, &result)
		return result
	}

	if exhausted != nil {
		clause, _ := r.graph.Clause(exhausted.ClauseID)
		result.Status = claim.StatusLimitExceeded
		result.MatchedClauseID = exhausted.ClauseID
		result.MatchConfidence = exhausted.MatchConfidence
		result.ApprovedAmount = 0
		result.Detail = fmt.Sprintf("clause %s limit %.2f %s exhausted", clause.ClauseID, clause.LimitAmount, clause.LimitPeriod)
		return result
	}
	result.Detail = fmt.Sprintf("no active clause for category %q", matches.Category)
	return result
}

// shareCost turns the limit-capped amount into the payout: the clause
// deductible comes off first, then the copay percentage of what remains.
// Limit consumption is the capped amount, not the payout.
func shareCost(clause policy.Clause, eligible float64, result *claim.LineItemResult) {
	payout := eligible
	if clause.Deductible > 0 {
		result.DeductibleApplied = roundCents(math.Min(clause.Deductible, payout))
		payout = roundCents(payout - result.DeductibleApplied)
	}
	if clause.CopayPercent > 0 && payout > 0 {
		result.CopayApplied = roundCents(payout * clause.CopayPercent / 100)
		payout = roundCents(payout - result.CopayApplied)
	}
	result.ApprovedAmount = payout
	if result.DeductibleApplied > 0 || result.CopayApplied > 0 {
		sharing := fmt.Sprintf("deductible %.2f, copay %.2f", result.DeductibleApplied, result.CopayApplied)
		if result.Detail == "" {
			result.Detail = sharing
		} else {
			result.Detail += "; " + sharing
		}
	}
}

// ResolveAll resolves line items in claim order against one fresh set of
// running totals. Later items see consumption from earlier ones, so this
// must stay sequential.
func (r *Resolver) ResolveAll(c claim.Claim, matches []match.ItemMatches) ([]claim.LineItemResult, *RunningTotals) {
	return r.ResolveExcept(c, matches, nil)
}

// ResolveExcept is ResolveAll with some items taken out of the running
// totals. Items where skip[i] is true are left as zero results for the
// caller to fill and consume no headroom.
func (r *Resolver) ResolveExcept(c claim.Claim, matches []match.ItemMatches, skip []bool) ([]claim.LineItemResult, *RunningTotals) {
	totals := NewRunningTotals()
	results := make([]claim.LineItemResult, len(c.LineItems))
	for i, item := range c.LineItems {
		if i < len(skip) && skip[i] {
			continue
		}
		var m match.ItemMatches
		if i < len(matches) {
			m = matches[i]
		}
		results[i] = r.Resolve(item, m, totals)
	}
	return results, totals
}
