package scoring

import "time"

// Indicator types reported alongside each signal.
const (
	IndicatorTiming       = "timing_anomaly"
	IndicatorAmount       = "amount_anomaly"
	IndicatorPattern      = "pattern_match"
	IndicatorDuplicate    = "duplicate_claim"
	IndicatorInconsistent = "inconsistent_info"
	IndicatorFrequency    = "frequency_anomaly"
)

// DefaultSignalThreshold is the firing threshold used when a signal does not
// configure its own.
const DefaultSignalThreshold = 0.5

// Signal is one independent fraud heuristic. Implementations must be pure
// functions of their input so the engine can run them in any order.
type Signal interface {
	Name() string
	Evaluate(in Input) SignalResult
}

// SignalResult is the outcome of a single signal. Skipped signals lacked the
// data they need and never fire.
type SignalResult struct {
	Name      string   `json:"name"`
	Indicator string   `json:"indicator"`
	Score     float64  `json:"score"`
	Threshold float64  `json:"threshold"`
	Fired     bool     `json:"fired"`
	Skipped   bool     `json:"skipped"`
	Reason    string   `json:"reason,omitempty"`
	Evidence  []string `json:"evidence,omitempty"`
}

func skipped(name, indicator string, threshold float64, reason string) SignalResult {
	return SignalResult{Name: name, Indicator: indicator, Threshold: threshold, Skipped: true, Reason: reason}
}

func scored(name, indicator string, threshold, score float64, reason string, evidence []string) SignalResult {
	score = clamp01(score)
	return SignalResult{
		Name:      name,
		Indicator: indicator,
		Score:     score,
		Threshold: threshold,
		Fired:     score >= threshold,
		Reason:    reason,
		Evidence:  evidence,
	}
}

func thresholdOr(v float64) float64 {
	if v <= 0 || v > 1 {
		return DefaultSignalThreshold
	}
	return v
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24
}

func absDays(a, b time.Time) float64 {
	d := daysBetween(a, b)
	if d < 0 {
		return -d
	}
	return d
}

func sameAmount(a, b float64) bool {
	d := a - b
	return d < 0.005 && d > -0.005
}
