package scoring

import (
	"fmt"
	"sort"
	"strings"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
)

const (
	preEffectiveScore = 0.8
	postExpiryScore   = 0.7
	futureDateScore   = 0.7
	locationScore     = 0.6
)

// locationDimensions are metadata keys whose variants ("state",
// "provider_state", "incident_state") must agree within a line item.
var locationDimensions = []string{"state", "country", "city", "zip", "postal_code"}

// InconsistencySignal checks dates against the policy term and the
// submission time, and location metadata for contradictions.
type InconsistencySignal struct {
	Threshold float64
}

func (s *InconsistencySignal) Name() string { return "metadata_inconsistency" }

func (s *InconsistencySignal) Evaluate(in Input) SignalResult {
	threshold := thresholdOr(s.Threshold)
	effective := dayOf(in.Policy.EffectiveDate)
	expiration := in.Policy.ExpirationDate
	submitted := in.Claim.SubmittedAt

	var score float64
	var evidence []string
	for _, item := range in.Claim.LineItems {
		if item.ServiceDate.IsZero() {
			continue
		}
		day := dayOf(item.ServiceDate)
		if !in.Policy.EffectiveDate.IsZero() && day.Before(effective) {
			score = maxFloat(score, preEffectiveScore)
			evidence = append(evidence, fmt.Sprintf("line item %s service date %s precedes policy effective date %s",
				item.LineItemID, day.Format("2006-01-02"), effective.Format("2006-01-02")))
		}
		if !expiration.IsZero() && day.After(dayOf(expiration)) {
			score = maxFloat(score, postExpiryScore)
			evidence = append(evidence, fmt.Sprintf("line item %s service date %s is after policy expiration %s",
				item.LineItemID, day.Format("2006-01-02"), dayOf(expiration).Format("2006-01-02")))
		}
		if !submitted.IsZero() && day.After(dayOf(submitted)) {
			score = maxFloat(score, futureDateScore)
			evidence = append(evidence, fmt.Sprintf("line item %s service date %s is after submission %s",
				item.LineItemID, day.Format("2006-01-02"), dayOf(submitted).Format("2006-01-02")))
		}
		for _, conflict := range locationConflicts(item) {
			score = maxFloat(score, locationScore)
			evidence = append(evidence, conflict)
		}
	}
	return scored(s.Name(), IndicatorInconsistent, threshold, score, "dates and location fields checked", evidence)
}

func locationConflicts(item claim.LineItem) []string {
	if len(item.Metadata) == 0 {
		return nil
	}
	var out []string
	for _, dim := range locationDimensions {
		values := make(map[string][]string)
		for key, value := range item.Metadata {
			k := strings.ToLower(strings.TrimSpace(key))
			if k != dim && !strings.HasSuffix(k, "_"+dim) {
				continue
			}
			v := policy.NormalizeValue(value)
			if v == "" {
				continue
			}
			values[v] = append(values[v], k)
		}
		if len(values) < 2 {
			continue
		}
		parts := make([]string, 0, len(values))
		for v, keys := range values {
			sort.Strings(keys)
			parts = append(parts, fmt.Sprintf("%s=%s", strings.Join(keys, "/"), v))
		}
		sort.Strings(parts)
		out = append(out, fmt.Sprintf("line item %s has conflicting %s: %s", item.LineItemID, dim, strings.Join(parts, ", ")))
	}
	return out
}
