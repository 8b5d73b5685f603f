package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultTerms is the built-in severity map of suspicious phrases. Severity
// runs from 1 (weak) to 5 (strong).
func DefaultTerms() map[int][]string {
	return map[int][]string{
		5: {"staged accident", "fake receipt", "forged", "backdated"},
		4: {"cash only", "no receipt", "lost receipt", "altered invoice"},
		3: {"friend of the family", "urgent payment", "paid in cash"},
		2: {"duplicate invoice", "handwritten invoice"},
		1: {"replacement copy"},
	}
}

// PatternSignal searches line item descriptions and metadata values for
// suspicious terms, reporting the highest severity found.
type PatternSignal struct {
	terms     map[int][]string
	threshold float64
}

// NewPatternSignal builds the signal from a severity map.
func NewPatternSignal(terms map[int][]string, threshold float64) *PatternSignal {
	clean := make(map[int][]string)
	for severity, list := range terms {
		if severity < 1 {
			continue
		}
		if severity > 5 {
			severity = 5
		}
		for _, term := range list {
			if t := normalizeTerm(term); t != "" {
				clean[severity] = append(clean[severity], t)
			}
		}
	}
	return &PatternSignal{terms: clean, threshold: thresholdOr(threshold)}
}

// LoadPatternSignal reads a JSON file of the form {"5": ["forged"], ...}.
func LoadPatternSignal(path string, threshold float64) (*PatternSignal, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read fraud terms: %w", err)
	}
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal fraud terms: %w", err)
	}
	terms := make(map[int][]string)
	for k, v := range raw {
		terms[atoiSafe(k)] = append(terms[atoiSafe(k)], v...)
	}
	signal := NewPatternSignal(terms, threshold)
	if err := signal.Validate(); err != nil {
		return nil, fmt.Errorf("fraud terms %s: %w", path, err)
	}
	return signal, nil
}

func (p *PatternSignal) Name() string { return "pattern_match" }

func (p *PatternSignal) Evaluate(in Input) SignalResult {
	if p == nil || len(p.terms) == 0 {
		return skipped("pattern_match", IndicatorPattern, DefaultSignalThreshold, "no fraud terms configured")
	}

	var texts []string
	for _, item := range in.Claim.LineItems {
		if item.Description != "" {
			texts = append(texts, normalizeTerm(item.Description))
		}
		keys := make([]string, 0, len(item.Metadata))
		for k := range item.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v := normalizeTerm(item.Metadata[k]); v != "" {
				texts = append(texts, v)
			}
		}
	}

	for severity := 5; severity >= 1; severity-- {
		var hits []string
		for _, term := range p.terms[severity] {
			for _, text := range texts {
				if containsWords(text, term) {
					hits = append(hits, term)
					break
				}
			}
		}
		if len(hits) > 0 {
			return scored(p.Name(), IndicatorPattern, p.threshold, scoreForSeverity(severity),
				fmt.Sprintf("severity %d terms present", severity), dedupe(hits))
		}
	}
	return scored(p.Name(), IndicatorPattern, p.threshold, 0, "no suspicious terms", nil)
}

// Terms exposes the normalized severity map (primarily for testing).
func (p *PatternSignal) Terms() map[int][]string {
	return p.terms
}

// Validate ensures at least one term is configured.
func (p *PatternSignal) Validate() error {
	if p == nil {
		return errors.New("pattern signal is nil")
	}
	if len(p.terms) == 0 {
		return errors.New("fraud terms missing")
	}
	return nil
}

func scoreForSeverity(severity int) float64 {
	switch severity {
	case 5:
		return 0.9
	case 4:
		return 0.8
	case 3:
		return 0.6
	case 2:
		return 0.4
	case 1:
		return 0.2
	default:
		return 0
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	sort.Strings(in)
	out := make([]string, 0, len(in))
	var prev string
	for _, item := range in {
		if item == prev {
			continue
		}
		out = append(out, item)
		prev = item
	}
	return out
}

// normalizeTerm folds text to lower-case words separated by single spaces
// so that "Cash-Only" and "cash only" compare equal. Accents are dropped.
func normalizeTerm(term string) string {
	term = strings.ToLower(norm.NFKD.String(term))
	var b strings.Builder
	b.Grow(len(term))
	space := false
	for _, r := range term {
		switch {
		case unicode.Is(unicode.Mn, r):
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// containsWords reports whether term appears in text on word boundaries.
// Both must already be normalized.
func containsWords(text, term string) bool {
	return strings.Contains(" "+text+" ", " "+term+" ")
}

func atoiSafe(s string) int {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
