package scoring

import (
	"fmt"
	"time"
)

const earlyClaimMaxScore = 0.7

// EarlyClaimSignal flags claims submitted shortly after the policy takes
// effect. The score decays linearly to zero across the window.
type EarlyClaimSignal struct {
	Window    time.Duration
	Threshold float64
}

func (s *EarlyClaimSignal) Name() string { return "early_claim" }

func (s *EarlyClaimSignal) Evaluate(in Input) SignalResult {
	threshold := thresholdOr(s.Threshold)
	if in.Policy.EffectiveDate.IsZero() || in.Claim.SubmittedAt.IsZero() {
		return skipped(s.Name(), IndicatorTiming, threshold, "policy effective date or submission time missing")
	}
	window := s.Window.Hours() / 24
	if window <= 0 {
		window = DefaultConfig().EarlyClaimWindow.Hours() / 24
	}
	days := daysBetween(dayOf(in.Policy.EffectiveDate), dayOf(in.Claim.SubmittedAt))
	if days < 0 || days >= window {
		return scored(s.Name(), IndicatorTiming, threshold, 0, fmt.Sprintf("submitted %.0f days after policy start", days), nil)
	}
	score := earlyClaimMaxScore * (1 - days/window)
	evidence := []string{fmt.Sprintf("claim submitted %.0f days after policy effective date (window %.0f days)", days, window)}
	return scored(s.Name(), IndicatorTiming, threshold, score, "claim soon after policy start", evidence)
}

// FrequencySignal flags policies with many claims inside a rolling window.
type FrequencySignal struct {
	Window    time.Duration
	Limit     int
	Threshold float64
}

func (s *FrequencySignal) Name() string { return "claim_frequency" }

func (s *FrequencySignal) Evaluate(in Input) SignalResult {
	threshold := thresholdOr(s.Threshold)
	if in.Context.History == nil {
		return skipped(s.Name(), IndicatorFrequency, threshold, "no claim history")
	}
	if in.Claim.SubmittedAt.IsZero() {
		return skipped(s.Name(), IndicatorFrequency, threshold, "claim has no submission time")
	}
	limit := s.Limit
	if limit <= 0 {
		limit = DefaultConfig().FrequencyLimit
	}
	window := s.Window.Hours() / 24

	count := 0
	var evidence []string
	for _, prior := range in.priorClaims() {
		if prior.SubmittedAt.IsZero() {
			continue
		}
		gap := daysBetween(prior.SubmittedAt, in.Claim.SubmittedAt)
		if gap < 0 || gap > window {
			continue
		}
		count++
		evidence = append(evidence, fmt.Sprintf("%s submitted %.0f days earlier", prior.ClaimID, gap))
	}

	var score float64
	if count >= limit {
		score = 0.5 + 0.1*float64(count-limit)
		if score > 0.9 {
			score = 0.9
		}
	} else {
		score = 0.4 * float64(count) / float64(limit)
	}
	reason := fmt.Sprintf("%d prior claims within %.0f days (limit %d)", count, window, limit)
	return scored(s.Name(), IndicatorFrequency, threshold, score, reason, evidence)
}
