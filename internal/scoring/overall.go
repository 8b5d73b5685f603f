package scoring

import "sort"

// Score bands shared with the fraud report.
const (
	ScoreLow      = 0.3
	ScoreMedium   = 0.5
	ScoreHigh     = 0.7
	ScoreCritical = 0.85
)

// Risk levels.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Combine returns the maximum score among fired signals, 0 when none fired.
// Skipped and non-fired signals never contribute.
func Combine(results []SignalResult) float64 {
	var score float64
	for _, r := range results {
		if r.Fired && !r.Skipped && r.Score > score {
			score = r.Score
		}
	}
	return clamp01(score)
}

// Triggered maps fired signal names to their scores.
func Triggered(results []SignalResult) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range results {
		if r.Fired && !r.Skipped {
			out[r.Name] = r.Score
		}
	}
	return out
}

// RiskLevel buckets a fraud score.
func RiskLevel(score float64) string {
	switch {
	case score >= ScoreCritical:
		return RiskCritical
	case score >= ScoreHigh:
		return RiskHigh
	case score >= ScoreMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RequiresInvestigation reports whether the score meets the fraud threshold.
func RequiresInvestigation(score, threshold float64) bool {
	return score >= threshold
}

// Indicators returns the signals worth surfacing in a report: every fired
// signal plus any non-skipped signal scoring at least ScoreLow, highest first.
func Indicators(results []SignalResult) []SignalResult {
	var out []SignalResult
	for _, r := range results {
		if r.Skipped {
			continue
		}
		if r.Fired || r.Score >= ScoreLow {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Recommendation summarizes the fraud posture in one sentence.
func Recommendation(score, threshold float64) string {
	switch RiskLevel(score) {
	case RiskCritical:
		return "Escalate to the special investigations unit before any payment"
	case RiskHigh:
		return "Hold payment pending fraud investigation"
	case RiskMedium:
		if score >= threshold {
			return "Refer to a claims examiner for manual review"
		}
		return "Proceed with standard review and monitor"
	default:
		if score > 0 {
			return "Minor indicators present; proceed with standard processing"
		}
		return "No fraud indicators detected"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
