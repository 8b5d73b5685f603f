package scoring

import (
	"fmt"
	"time"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
)

const (
	explicitResubmissionScore = 0.9
	overlapResubmissionScore  = 0.7
)

// ResubmissionSignal flags a claim that follows a denied claim too quickly,
// either by explicit reference or by sharing a category with it.
type ResubmissionSignal struct {
	Window    time.Duration
	Threshold float64
}

func (s *ResubmissionSignal) Name() string { return "rapid_resubmission" }

func (s *ResubmissionSignal) Evaluate(in Input) SignalResult {
	threshold := thresholdOr(s.Threshold)
	if in.Context.History == nil {
		return skipped(s.Name(), IndicatorTiming, threshold, "no claim history")
	}
	if in.Claim.SubmittedAt.IsZero() {
		return skipped(s.Name(), IndicatorTiming, threshold, "claim has no submission time")
	}
	window := s.Window.Hours() / 24

	categories := make(map[string]struct{})
	for _, cat := range in.Claim.Categories() {
		categories[cat] = struct{}{}
	}

	var score float64
	var evidence []string
	referenceSeen := false
	for _, prior := range in.priorClaims() {
		if prior.Status != claim.Denied {
			if prior.ClaimID == in.Claim.ResubmissionOf && prior.ClaimID != "" {
				referenceSeen = true
			}
			continue
		}
		when := prior.DecidedAt
		if when.IsZero() {
			when = prior.SubmittedAt
		}
		gap := daysBetween(when, in.Claim.SubmittedAt)
		if gap < 0 || gap > window {
			continue
		}
		if in.Claim.ResubmissionOf != "" && prior.ClaimID == in.Claim.ResubmissionOf {
			referenceSeen = true
			score = maxFloat(score, explicitResubmissionScore)
			evidence = append(evidence, fmt.Sprintf("resubmits denied claim %s after %.0f days", prior.ClaimID, gap))
			continue
		}
		for _, item := range prior.LineItems {
			cat := policy.NormalizeCategory(item.Category)
			if _, ok := categories[cat]; ok {
				score = maxFloat(score, overlapResubmissionScore)
				evidence = append(evidence, fmt.Sprintf("shares category %s with denied claim %s from %.0f days earlier", cat, prior.ClaimID, gap))
				break
			}
		}
	}

	reason := fmt.Sprintf("denied claims within %.0f days", window)
	if in.Claim.ResubmissionOf != "" && !referenceSeen {
		reason = fmt.Sprintf("referenced claim %s not found among recent denials", in.Claim.ResubmissionOf)
	}
	return scored(s.Name(), IndicatorTiming, threshold, score, reason, evidence)
}
