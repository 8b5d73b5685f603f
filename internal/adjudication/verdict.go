package adjudication

import (
	"math"
	"reflect"
	"time"

	"claimcheck/internal/claim"
	"claimcheck/internal/scoring"
)

// OverallStatus is the claim-level decision.
type OverallStatus string

const (
	Approved          OverallStatus = "approved"
	Denied            OverallStatus = "denied"
	ReferredForReview OverallStatus = "referred_for_review"
)

// Verdict is the immutable, explainable result of one adjudication.
type Verdict struct {
	ClaimID          string                 `json:"claim_id"`
	PolicyID         string                 `json:"policy_id"`
	PolicyVersion    string                 `json:"policy_version,omitempty"`
	DecidedAt        time.Time              `json:"decided_at"`
	LineItemResults  []claim.LineItemResult `json:"line_item_results"`
	FraudScore       float64                `json:"fraud_score"`
	FraudThreshold   float64                `json:"fraud_threshold"`
	RiskLevel        string                 `json:"risk_level"`
	TriggeredSignals map[string]float64     `json:"triggered_signals"`
	Signals          []scoring.SignalResult `json:"signals"`
	OverallStatus    OverallStatus          `json:"overall_status"`
	ClaimedTotal     float64                `json:"claimed_total"`
	ApprovedTotal    float64                `json:"approved_total"`
}

// Equivalent reports whether two verdicts agree on everything but DecidedAt.
func (v Verdict) Equivalent(other Verdict) bool {
	v.DecidedAt = time.Time{}
	other.DecidedAt = time.Time{}
	return reflect.DeepEqual(v, other)
}

// ExclusionIDs lists the exclusions recorded across line items.
func (v Verdict) ExclusionIDs() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, r := range v.LineItemResults {
		if r.MatchedExclusionID == "" {
			continue
		}
		if _, ok := seen[r.MatchedExclusionID]; ok {
			continue
		}
		seen[r.MatchedExclusionID] = struct{}{}
		out = append(out, r.MatchedExclusionID)
	}
	return out
}

// DeriveStatus applies the claim-level precedence: nothing payable means
// Denied; a fraud score at or above threshold, any LimitExceeded or any
// non-covered item means ReferredForReview; otherwise Approved.
func DeriveStatus(results []claim.LineItemResult, fraudScore, threshold float64) OverallStatus {
	payable := false
	allCovered := true
	for _, r := range results {
		if r.Status.Payable() {
			payable = true
		}
		if r.Status != claim.StatusCovered {
			allCovered = false
		}
	}
	switch {
	case !payable:
		return Denied
	case fraudScore >= threshold || !allCovered:
		return ReferredForReview
	default:
		return Approved
	}
}

func totals(results []claim.LineItemResult) (claimed, approved float64) {
	for _, r := range results {
		claimed += r.ClaimedAmount
		approved += r.ApprovedAmount
	}
	return roundCents(claimed), roundCents(approved)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
