package scoring

import (
	"math"
	"sort"
	"time"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
)

// PriorClaim is a historical claim as seen by the fraud signals.
type PriorClaim struct {
	ClaimID     string           `json:"claim_id"`
	PolicyID    string           `json:"policy_id"`
	SubmittedAt time.Time        `json:"submitted_at"`
	DecidedAt   time.Time        `json:"decided_at,omitempty"`
	Status      claim.Status     `json:"status"`
	LineItems   []claim.LineItem `json:"line_items"`
}

// ClaimHistory is the snapshot of prior claims for the policy.
type ClaimHistory struct {
	Claims []PriorClaim `json:"claims"`
}

// AmountStats summarizes historical amounts for a clause or category.
type AmountStats struct {
	Median float64 `json:"median"`
	MAD    float64 `json:"mad"`
	Count  int     `json:"count"`
}

// FraudContext bundles the historical data the signals read. A nil History
// or a missing stats entry marks the dependent signals as skipped.
type FraudContext struct {
	History       *ClaimHistory          `json:"history,omitempty"`
	ClauseStats   map[string]AmountStats `json:"clause_stats,omitempty"`
	CategoryStats map[string]AmountStats `json:"category_stats,omitempty"`
}

// Input is the read-only snapshot handed to every signal.
type Input struct {
	Claim    claim.Claim
	Policy   policy.Info
	Resolved []claim.LineItemResult
	Context  FraudContext
}

// priorClaims returns history entries other than the claim itself.
func (in Input) priorClaims() []PriorClaim {
	if in.Context.History == nil {
		return nil
	}
	out := make([]PriorClaim, 0, len(in.Context.History.Claims))
	for _, prior := range in.Context.History.Claims {
		if prior.ClaimID != "" && prior.ClaimID == in.Claim.ClaimID {
			continue
		}
		if prior.PolicyID != "" && in.Claim.PolicyID != "" && prior.PolicyID != in.Claim.PolicyID {
			continue
		}
		out = append(out, prior)
	}
	return out
}

// ComputeStats derives median and median absolute deviation from samples.
func ComputeStats(samples []float64) AmountStats {
	clean := make([]float64, 0, len(samples))
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		clean = append(clean, v)
	}
	if len(clean) == 0 {
		return AmountStats{}
	}
	med := median(clean)
	deviations := make([]float64, len(clean))
	for i, v := range clean {
		deviations[i] = math.Abs(v - med)
	}
	return AmountStats{Median: med, MAD: median(deviations), Count: len(clean)}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
