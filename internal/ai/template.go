package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/claim"
	"claimcheck/internal/scoring"
)

// Template explains verdicts deterministically without any outbound calls.
type Template struct{}

func (Template) Enabled() bool { return true }

func (Template) Explain(_ context.Context, input ExplanationInput) (Decision, error) {
	v := input.Verdict
	counts := map[claim.LineItemStatus]int{}
	for _, r := range v.LineItemResults {
		counts[r.Status]++
	}

	sentences := []string{summarySentence(v, counts)}
	if detail := exceptionSentence(v); detail != "" {
		sentences = append(sentences, detail)
	}
	sentences = append(sentences, fraudSentence(v, input.Indicators))

	rec := defaultRecommendation(v)
	confidence := 1 - v.FraudScore/2
	if v.OverallStatus == adjudication.ReferredForReview {
		confidence = 0.5
	}
	return Decision{
		Narrative:      strings.Join(sentences, "\n"),
		Recommendation: rec,
		Confidence:     &confidence,
		Source:         "template",
	}, nil
}

func summarySentence(v adjudication.Verdict, counts map[claim.LineItemStatus]int) string {
	total := len(v.LineItemResults)
	switch v.OverallStatus {
	case adjudication.Approved:
		return fmt.Sprintf("All %d line items are covered under policy %s and %.2f is approved for payment.", total, v.PolicyID, v.ApprovedTotal)
	case adjudication.Denied:
		return fmt.Sprintf("None of the %d line items is payable under policy %s, so the claim for %.2f is denied.", total, v.PolicyID, v.ClaimedTotal)
	default:
		return fmt.Sprintf("%d of %d line items are covered under policy %s with %.2f of %.2f approved, and the claim is referred for review.",
			counts[claim.StatusCovered], total, v.PolicyID, v.ApprovedTotal, v.ClaimedTotal)
	}
}

func exceptionSentence(v adjudication.Verdict) string {
	var parts []string
	for _, r := range v.LineItemResults {
		switch r.Status {
		case claim.StatusExcluded:
			parts = append(parts, fmt.Sprintf("line item %s is excluded by %s", r.LineItemID, r.MatchedExclusionID))
		case claim.StatusNoMatchingClause:
			parts = append(parts, fmt.Sprintf("line item %s has no clause covering %s", r.LineItemID, r.Category))
		case claim.StatusLimitExceeded:
			parts = append(parts, fmt.Sprintf("line item %s reached the limit of %s with %.2f paid", r.LineItemID, r.MatchedClauseID, r.ApprovedAmount))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "L" + strings.Join(parts, "; ")[1:] + "."
}

func fraudSentence(v adjudication.Verdict, indicators []scoring.SignalResult) string {
	if len(v.TriggeredSignals) == 0 {
		if len(indicators) > 0 {
			return fmt.Sprintf("Fraud risk is %s; %s scored %.2f but stayed below its threshold.", v.RiskLevel, indicators[0].Name, indicators[0].Score)
		}
		return "No fraud indicators were triggered."
	}
	names := make([]string, 0, len(v.TriggeredSignals))
	for _, ind := range indicators {
		if _, ok := v.TriggeredSignals[ind.Name]; ok {
			names = append(names, ind.Name)
		}
	}
	if len(names) == 0 {
		for name := range v.TriggeredSignals {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	return fmt.Sprintf("Fraud risk is %s at %.2f (threshold %.2f) driven by %s; %s.",
		v.RiskLevel, v.FraudScore, v.FraudThreshold, strings.Join(names, ", "), strings.ToLower(scoring.Recommendation(v.FraudScore, v.FraudThreshold)))
}
