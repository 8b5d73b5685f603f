package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"claimcheck/internal/util"
)

// DefaultFraudThreshold is the fraud score at which a claim is referred.
const DefaultFraudThreshold = 0.5

// Config tunes the default signal battery.
type Config struct {
	FraudThreshold     float64
	SignalThreshold    float64
	DuplicateWindow    time.Duration
	ResubmissionWindow time.Duration
	EarlyClaimWindow   time.Duration
	FrequencyWindow    time.Duration
	FrequencyLimit     int
	OutlierMinSamples  int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		FraudThreshold:     DefaultFraudThreshold,
		SignalThreshold:    DefaultSignalThreshold,
		DuplicateWindow:    30 * 24 * time.Hour,
		ResubmissionWindow: 14 * 24 * time.Hour,
		EarlyClaimWindow:   30 * 24 * time.Hour,
		FrequencyWindow:    90 * 24 * time.Hour,
		FrequencyLimit:     3,
		OutlierMinSamples:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FraudThreshold <= 0 || c.FraudThreshold > 1 {
		c.FraudThreshold = d.FraudThreshold
	}
	c.SignalThreshold = thresholdOr(c.SignalThreshold)
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	if c.ResubmissionWindow <= 0 {
		c.ResubmissionWindow = d.ResubmissionWindow
	}
	if c.EarlyClaimWindow <= 0 {
		c.EarlyClaimWindow = d.EarlyClaimWindow
	}
	if c.FrequencyWindow <= 0 {
		c.FrequencyWindow = d.FrequencyWindow
	}
	if c.FrequencyLimit <= 0 {
		c.FrequencyLimit = d.FrequencyLimit
	}
	if c.OutlierMinSamples <= 0 {
		c.OutlierMinSamples = d.OutlierMinSamples
	}
	return c
}

// DefaultSignals builds the standard battery. terms may be nil to use the
// built-in suspicious term list.
func DefaultSignals(cfg Config, terms *PatternSignal) []Signal {
	cfg = cfg.withDefaults()
	if terms == nil {
		terms = NewPatternSignal(DefaultTerms(), cfg.SignalThreshold)
	}
	return []Signal{
		&DuplicateSignal{Window: cfg.DuplicateWindow, Threshold: cfg.SignalThreshold},
		&OutlierSignal{MinSamples: cfg.OutlierMinSamples, Threshold: cfg.SignalThreshold},
		&ResubmissionSignal{Window: cfg.ResubmissionWindow, Threshold: cfg.SignalThreshold},
		&InconsistencySignal{Threshold: cfg.SignalThreshold},
		&EarlyClaimSignal{Window: cfg.EarlyClaimWindow, Threshold: cfg.SignalThreshold},
		&FrequencySignal{Window: cfg.FrequencyWindow, Limit: cfg.FrequencyLimit, Threshold: cfg.SignalThreshold},
		terms,
	}
}

// Report is the engine output for one claim.
type Report struct {
	Score     float64            `json:"fraud_score"`
	Threshold float64            `json:"fraud_threshold"`
	RiskLevel string             `json:"risk_level"`
	Triggered map[string]float64 `json:"triggered_signals"`
	Signals   []SignalResult     `json:"signals"`
}

// Engine runs a registry of independent signals over a claim.
type Engine struct {
	signals   []Signal
	threshold float64
	workers   int
}

// NewEngine constructs an engine. With no signals the default battery is used.
func NewEngine(cfg Config, signals ...Signal) *Engine {
	cfg = cfg.withDefaults()
	if len(signals) == 0 {
		signals = DefaultSignals(cfg, nil)
	}
	return &Engine{signals: append([]Signal(nil), signals...), threshold: cfg.FraudThreshold}
}

// WithWorkers bounds signal parallelism; n <= 0 sizes from the CPU count.
func (e *Engine) WithWorkers(n int) *Engine {
	e.workers = n
	return e
}

// Threshold returns the fraud threshold the engine reports against.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Signals lists the registered signal names in evaluation-independent order.
func (e *Engine) Signals() []string {
	names := make([]string, 0, len(e.signals))
	for _, s := range e.signals {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

// Evaluate runs every signal concurrently and combines the fired scores by
// maximum. Each signal writes only its own slot. A panicking signal is
// recorded as skipped rather than failing the claim. Signals already running
// complete even if ctx is cancelled; the cancellation is reported after the
// join.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Report, error) {
	results := make([]SignalResult, len(e.signals))
	workers := e.workers
	if workers <= 0 {
		workers = util.WorkerCount(len(e.signals))
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, sig := range e.signals {
		i, sig := i, sig
		g.Go(func() error {
			results[i] = runSignal(sig, in)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	score := Combine(results)
	for _, r := range results {
		logrus.WithFields(logrus.Fields{
			"claim_id": in.Claim.ClaimID,
			"signal":   r.Name,
			"score":    r.Score,
			"fired":    r.Fired,
			"skipped":  r.Skipped,
		}).Debug("fraud signal evaluated")
	}
	return Report{
		Score:     score,
		Threshold: e.threshold,
		RiskLevel: RiskLevel(score),
		Triggered: Triggered(results),
		Signals:   results,
	}, nil
}

func runSignal(sig Signal, in Input) (result SignalResult) {
	name := sig.Name()
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{"signal": name, "panic": rec}).Warn("fraud signal panicked")
			result = skipped(name, "", 0, fmt.Sprintf("signal failed: %v", rec))
		}
	}()
	result = sig.Evaluate(in)
	if result.Name == "" {
		result.Name = name
	}
	if result.Skipped {
		result.Score = 0
		result.Fired = false
	}
	return result
}
