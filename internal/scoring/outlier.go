package scoring

import (
	"fmt"

	"claimcheck/internal/policy"
)

const (
	// madScale converts a MAD into a standard deviation estimate.
	madScale = 0.6745

	// outlierZCap is the modified z-score mapped to a score of 1.
	outlierZCap = 7.0

	flatHistoryMultiple = 3.0
	flatHistoryScore    = 0.7
)

// OutlierSignal compares each line item amount against historical amounts
// for its matched clause, falling back to its category, using a robust
// modified z-score. Only amounts above the median count as suspicious.
type OutlierSignal struct {
	MinSamples int
	Threshold  float64
}

func (s *OutlierSignal) Name() string { return "amount_outlier" }

func (s *OutlierSignal) Evaluate(in Input) SignalResult {
	threshold := thresholdOr(s.Threshold)
	minSamples := s.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultConfig().OutlierMinSamples
	}

	var score float64
	var evidence []string
	compared := 0
	for i, item := range in.Claim.LineItems {
		clauseID := ""
		if i < len(in.Resolved) {
			clauseID = in.Resolved[i].MatchedClauseID
		}
		stats, source, ok := s.statsFor(in.Context, clauseID, policy.NormalizeCategory(item.Category), minSamples)
		if !ok {
			continue
		}
		compared++
		itemScore, z := outlierScore(item.Amount, stats)
		if itemScore > 0 {
			evidence = append(evidence, fmt.Sprintf("line item %s amount %.2f vs %s median %.2f (z=%.1f, n=%d)",
				item.LineItemID, item.Amount, source, stats.Median, z, stats.Count))
		}
		score = maxFloat(score, itemScore)
	}
	if compared == 0 {
		return skipped(s.Name(), IndicatorAmount, threshold, fmt.Sprintf("fewer than %d historical amounts for every line item", minSamples))
	}
	return scored(s.Name(), IndicatorAmount, threshold, score, fmt.Sprintf("compared %d of %d line items", compared, len(in.Claim.LineItems)), evidence)
}

func (s *OutlierSignal) statsFor(ctx FraudContext, clauseID, category string, minSamples int) (AmountStats, string, bool) {
	if clauseID != "" {
		if st, ok := ctx.ClauseStats[clauseID]; ok && st.Count >= minSamples {
			return st, "clause " + clauseID, true
		}
	}
	if st, ok := ctx.CategoryStats[category]; ok && st.Count >= minSamples {
		return st, "category " + category, true
	}
	return AmountStats{}, "", false
}

// outlierScore maps an amount to [0,1]. With zero spread any amount beyond
// a multiple of the median scores flatHistoryScore.
func outlierScore(amount float64, stats AmountStats) (float64, float64) {
	if amount <= stats.Median {
		return 0, 0
	}
	if stats.MAD <= 0 {
		if stats.Median > 0 && amount > flatHistoryMultiple*stats.Median {
			return flatHistoryScore, 0
		}
		return 0, 0
	}
	z := madScale * (amount - stats.Median) / stats.MAD
	return clamp01(z / outlierZCap), z
}
