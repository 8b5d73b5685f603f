package scoring

import (
	"fmt"
	"time"

	"claimcheck/internal/policy"
)

const duplicatePriorScore = 0.9

// DuplicateSignal flags line items repeating the category and amount of a
// prior claim on the same policy within a window. Repeats inside one claim
// are ordinary (weekly sessions, paired procedures) and are not compared.
type DuplicateSignal struct {
	Window    time.Duration
	Threshold float64
}

func (s *DuplicateSignal) Name() string { return "duplicate_claim_window" }

func (s *DuplicateSignal) Evaluate(in Input) SignalResult {
	threshold := thresholdOr(s.Threshold)
	if in.Context.History == nil {
		return skipped(s.Name(), IndicatorDuplicate, threshold, "no claim history")
	}
	window := s.Window.Hours() / 24
	var score float64
	var evidence []string

	for _, prior := range in.priorClaims() {
		for _, item := range in.Claim.LineItems {
			cat := policy.NormalizeCategory(item.Category)
			for _, old := range prior.LineItems {
				if policy.NormalizeCategory(old.Category) != cat || !sameAmount(old.Amount, item.Amount) {
					continue
				}
				near := absDays(dayOf(old.ServiceDate), dayOf(item.ServiceDate)) <= window
				if !near && !prior.SubmittedAt.IsZero() && !in.Claim.SubmittedAt.IsZero() {
					near = absDays(prior.SubmittedAt, in.Claim.SubmittedAt) <= window
				}
				if !near {
					continue
				}
				score = duplicatePriorScore
				evidence = append(evidence, fmt.Sprintf("line item %s matches %s/%s (%s %.2f)", item.LineItemID, prior.ClaimID, old.LineItemID, cat, item.Amount))
			}
		}
	}
	reason := "checked against prior claims"
	if score == 0 {
		reason = "no duplicate line items in prior claims"
	}
	return scored(s.Name(), IndicatorDuplicate, threshold, score, reason, evidence)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
