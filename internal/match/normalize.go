package match

import (
	"sort"
	"strings"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
)

// CandidateMatch pairs a line item with a clause that may cover it.
type CandidateMatch struct {
	LineItemID      string  `json:"line_item_id"`
	ClauseID        string  `json:"clause_id"`
	ClauseIndex     int     `json:"-"`
	MatchConfidence float64 `json:"match_confidence"`
	SoftSatisfied   int     `json:"soft_satisfied"`
	SoftTotal       int     `json:"soft_total"`
}

// ItemMatches captures the normalization output for one line item.
type ItemMatches struct {
	LineItemID string
	Category   string
	Facts      policy.Facts
	Candidates []CandidateMatch
}

// NoMatchingClause reports whether no clause could cover the item.
func (m ItemMatches) NoMatchingClause() bool {
	return len(m.Candidates) == 0
}

// NormalizeClaim maps every line item of the claim to its ranked candidates,
// preserving line item order.
func NormalizeClaim(g *policy.Graph, c claim.Claim) []ItemMatches {
	out := make([]ItemMatches, len(c.LineItems))
	for i, item := range c.LineItems {
		out[i] = NormalizeLineItem(g, item)
	}
	return out
}

// NormalizeLineItem finds the clauses of the item's category whose hard
// conditions hold. Candidates are ordered by descending confidence with ties
// in clause declaration order.
func NormalizeLineItem(g *policy.Graph, item claim.LineItem) ItemMatches {
	facts := FactsFor(item)
	result := ItemMatches{
		LineItemID: item.LineItemID,
		Category:   facts.Category,
		Facts:      facts,
	}
	if g == nil || facts.Category == "" {
		return result
	}

	for _, clause := range g.ClausesForCategory(facts.Category) {
		if !g.ConditionsHold(clause, facts) {
			continue
		}
		satisfied, total := softScore(g, clause, facts)
		idx, _ := g.ClauseIndex(clause.ClauseID)
		result.Candidates = append(result.Candidates, CandidateMatch{
			LineItemID:      item.LineItemID,
			ClauseID:        clause.ClauseID,
			ClauseIndex:     idx,
			MatchConfidence: confidence(satisfied, total),
			SoftSatisfied:   satisfied,
			SoftTotal:       total,
		})
	}

	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if a.MatchConfidence != b.MatchConfidence {
			return a.MatchConfidence > b.MatchConfidence
		}
		return a.ClauseIndex < b.ClauseIndex
	})
	return result
}

// FactsFor returns the normalized predicate view of a line item.
func FactsFor(item claim.LineItem) policy.Facts {
	facts := item.Facts()
	facts.Category = policy.NormalizeCategory(item.Category)
	facts.Metadata = normalizeMetadata(item.Metadata)
	return facts
}

func softScore(g *policy.Graph, clause policy.Clause, facts policy.Facts) (int, int) {
	satisfied, total := 0, 0
	for _, cond := range clause.Conditions {
		if cond.Hard() {
			continue
		}
		total++
		if g.Matches(cond, facts) {
			satisfied++
		}
	}
	return satisfied, total
}

func confidence(satisfied, total int) float64 {
	if total == 0 {
		return 1.0
	}
	return 0.5 + 0.5*float64(satisfied)/float64(total)
}

// normalizeMetadata lower-cases and trims keys and trims values. Blank keys
// are dropped; on collision the first key in sorted order wins.
func normalizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(in))
	for _, k := range keys {
		nk := strings.ToLower(strings.TrimSpace(k))
		if nk == "" {
			continue
		}
		if _, exists := out[nk]; exists {
			continue
		}
		out[nk] = strings.TrimSpace(in[k])
	}
	return out
}
