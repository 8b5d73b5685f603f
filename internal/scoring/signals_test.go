package scoring

import (
	"encoding/json"
	"math"
	"os"
	"testing"
	"time"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
)

var (
	effective = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	submitted = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func baseInput(items ...claim.LineItem) Input {
	return Input{
		Policy: policy.Info{PolicyID: "pol", EffectiveDate: effective},
		Claim:  claim.Claim{ClaimID: "clm_new", PolicyID: "pol", SubmittedAt: submitted, LineItems: items},
	}
}

func li(id, category string, amount float64, day time.Time) claim.LineItem {
	return claim.LineItem{LineItemID: id, Category: category, Amount: amount, ServiceDate: day}
}

func TestDuplicateSignal(t *testing.T) {
	sig := &DuplicateSignal{Window: 30 * 24 * time.Hour}
	day := submitted.AddDate(0, 0, -5)

	noHistory := baseInput(li("a", "physio", 80, day), li("b", "Physio", 80, day.AddDate(0, 0, 7)))
	if r := sig.Evaluate(noHistory); !r.Skipped || r.Fired || r.Score != 0 {
		t.Fatalf("expected skip without history, got %+v", r)
	}

	within := baseInput(li("a", "physio", 80, day), li("b", "Physio", 80, day.AddDate(0, 0, 7)))
	within.Context.History = &ClaimHistory{}
	if r := sig.Evaluate(within); r.Fired || r.Skipped {
		t.Fatalf("repeats inside one claim should not count, got %+v", r)
	}

	prior := baseInput(li("a", "dental", 120, day))
	prior.Context.History = &ClaimHistory{Claims: []PriorClaim{
		{ClaimID: "clm_old", PolicyID: "pol", SubmittedAt: submitted.AddDate(0, 0, -10), LineItems: []claim.LineItem{li("x", "dental", 120, day.AddDate(0, 0, -3))}},
		{ClaimID: "clm_new", PolicyID: "pol", SubmittedAt: submitted, LineItems: []claim.LineItem{li("a", "dental", 120, day)}},
	}}
	r := sig.Evaluate(prior)
	if !r.Fired || r.Score != duplicatePriorScore || len(r.Evidence) != 1 {
		t.Fatalf("expected one prior duplicate ignoring the claim itself, got %+v", r)
	}

	far := baseInput(li("a", "dental", 120, day))
	far.Context.History = &ClaimHistory{Claims: []PriorClaim{
		{ClaimID: "clm_old", PolicyID: "pol", SubmittedAt: submitted.AddDate(0, -4, 0), LineItems: []claim.LineItem{li("x", "dental", 120, day.AddDate(0, -4, 0))}},
		{ClaimID: "clm_other_policy", PolicyID: "pol_2", SubmittedAt: submitted, LineItems: []claim.LineItem{li("y", "dental", 120, day)}},
	}}
	if r := sig.Evaluate(far); r.Fired || r.Skipped {
		t.Fatalf("old or foreign claims should not count, got %+v", r)
	}
}

func TestOutlierSignal(t *testing.T) {
	sig := &OutlierSignal{MinSamples: 5}
	day := submitted.AddDate(0, 0, -1)

	in := baseInput(li("a", "dental", 1000, day))
	if r := sig.Evaluate(in); !r.Skipped {
		t.Fatalf("expected skip without stats, got %+v", r)
	}

	in.Context.CategoryStats = map[string]AmountStats{"dental": {Median: 100, MAD: 20, Count: 3}}
	if r := sig.Evaluate(in); !r.Skipped {
		t.Fatalf("expected skip with too few samples, got %+v", r)
	}

	in.Context.CategoryStats["dental"] = AmountStats{Median: 100, MAD: 20, Count: 50}
	r := sig.Evaluate(in)
	if !r.Fired || r.Score != 1 {
		t.Fatalf("expected strong outlier, got %+v", r)
	}

	in.Resolved = []claim.LineItemResult{{LineItemID: "a", MatchedClauseID: "major"}}
	in.Context.ClauseStats = map[string]AmountStats{"major": {Median: 900, MAD: 100, Count: 10}}
	r = sig.Evaluate(in)
	if r.Fired || r.Skipped {
		t.Fatalf("clause stats should take precedence, got %+v", r)
	}
	wantScore := madScale * 100 / 100 / outlierZCap
	if math.Abs(r.Score-wantScore) > 1e-9 {
		t.Fatalf("expected score %v got %v", wantScore, r.Score)
	}

	flat := baseInput(li("a", "dental", 400, day))
	flat.Context.CategoryStats = map[string]AmountStats{"dental": {Median: 100, MAD: 0, Count: 8}}
	if r := sig.Evaluate(flat); !r.Fired || r.Score != flatHistoryScore {
		t.Fatalf("expected flat history outlier, got %+v", r)
	}
}

func TestResubmissionSignal(t *testing.T) {
	sig := &ResubmissionSignal{Window: 14 * 24 * time.Hour}
	day := submitted.AddDate(0, 0, -20)

	in := baseInput(li("a", "dental", 100, day))
	if r := sig.Evaluate(in); !r.Skipped {
		t.Fatalf("expected skip without history, got %+v", r)
	}

	in.Context.History = &ClaimHistory{Claims: []PriorClaim{
		{ClaimID: "clm_denied", PolicyID: "pol", Status: claim.Denied, SubmittedAt: submitted.AddDate(0, 0, -12), DecidedAt: submitted.AddDate(0, 0, -3),
			LineItems: []claim.LineItem{li("x", "dental", 100, day)}},
	}}
	if r := sig.Evaluate(in); !r.Fired || r.Score != overlapResubmissionScore {
		t.Fatalf("expected overlap resubmission, got %+v", r)
	}

	in.Claim.ResubmissionOf = "clm_denied"
	if r := sig.Evaluate(in); !r.Fired || r.Score != explicitResubmissionScore {
		t.Fatalf("expected explicit resubmission, got %+v", r)
	}

	in.Context.History.Claims[0].DecidedAt = submitted.AddDate(0, 0, -40)
	if r := sig.Evaluate(in); r.Fired {
		t.Fatalf("denial outside the window should not fire, got %+v", r)
	}

	in.Context.History.Claims[0].DecidedAt = submitted.AddDate(0, 0, -2)
	in.Context.History.Claims[0].Status = claim.Approved
	if r := sig.Evaluate(in); r.Fired {
		t.Fatalf("approved claims are not resubmission targets, got %+v", r)
	}
}

func TestInconsistencySignal(t *testing.T) {
	sig := &InconsistencySignal{}
	tests := []struct {
		name  string
		item  claim.LineItem
		exp   time.Time
		score float64
	}{
		{"clean", li("a", "dental", 1, submitted.AddDate(0, 0, -1)), time.Time{}, 0},
		{"before effective", li("a", "dental", 1, effective.AddDate(0, 0, -1)), time.Time{}, preEffectiveScore},
		{"after expiration", li("a", "dental", 1, submitted.AddDate(0, 0, -1)), submitted.AddDate(0, 0, -10), postExpiryScore},
		{"after submission", li("a", "dental", 1, submitted.AddDate(0, 0, 3)), time.Time{}, futureDateScore},
		{"location conflict", claim.LineItem{LineItemID: "a", Category: "dental", Amount: 1, ServiceDate: submitted.AddDate(0, 0, -1),
			Metadata: map[string]string{"provider_state": "CA", "incident_state": "NY"}}, time.Time{}, locationScore},
		{"location agrees", claim.LineItem{LineItemID: "a", Category: "dental", Amount: 1, ServiceDate: submitted.AddDate(0, 0, -1),
			Metadata: map[string]string{"provider_state": "CA", "state": " ca "}}, time.Time{}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInput(tc.item)
			in.Policy.ExpirationDate = tc.exp
			r := sig.Evaluate(in)
			if r.Skipped {
				t.Fatalf("inconsistency never skips")
			}
			if r.Score != tc.score {
				t.Fatalf("expected %v got %v (%v)", tc.score, r.Score, r.Evidence)
			}
		})
	}
}

func TestEarlyClaimSignal(t *testing.T) {
	sig := &EarlyClaimSignal{Window: 30 * 24 * time.Hour}
	in := baseInput(li("a", "dental", 1, effective))
	in.Claim.SubmittedAt = effective
	if r := sig.Evaluate(in); !r.Fired || r.Score != earlyClaimMaxScore {
		t.Fatalf("same-day claim should fire at max, got %+v", r)
	}
	in.Claim.SubmittedAt = effective.AddDate(0, 0, 15)
	if r := sig.Evaluate(in); r.Fired || math.Abs(r.Score-0.35) > 1e-9 {
		t.Fatalf("mid-window claim should decay, got %+v", r)
	}
	in.Claim.SubmittedAt = time.Time{}
	if r := sig.Evaluate(in); !r.Skipped {
		t.Fatalf("expected skip without submission time")
	}
}

func TestFrequencySignal(t *testing.T) {
	sig := &FrequencySignal{Window: 90 * 24 * time.Hour, Limit: 3}
	in := baseInput(li("a", "dental", 1, submitted))
	in.Context.History = &ClaimHistory{}
	for i := 1; i <= 4; i++ {
		in.Context.History.Claims = append(in.Context.History.Claims, PriorClaim{
			ClaimID: "p" + string(rune('0'+i)), PolicyID: "pol", SubmittedAt: submitted.AddDate(0, 0, -10*i),
		})
	}
	r := sig.Evaluate(in)
	if !r.Fired || math.Abs(r.Score-0.6) > 1e-9 || len(r.Evidence) != 4 {
		t.Fatalf("expected frequency to fire at 0.6, got %+v", r)
	}
	in.Context.History.Claims = in.Context.History.Claims[:1]
	if r := sig.Evaluate(in); r.Fired {
		t.Fatalf("single prior claim should not fire, got %+v", r)
	}
}

func TestPatternSignal(t *testing.T) {
	path := tempJSON(t, map[string][]string{
		"5": {"Staged Accident"},
		"4": {"no receipt"},
		"3": {"cash-only"},
		"1": {"copy"},
	})
	sig, err := LoadPatternSignal(path, 0)
	if err != nil {
		t.Fatalf("load terms: %v", err)
	}

	tests := []struct {
		name  string
		item  claim.LineItem
		score float64
	}{
		{"strong", claim.LineItem{LineItemID: "a", Description: "Rear-end, possibly a STAGED accident"}, 0.9},
		{"metadata", claim.LineItem{LineItemID: "a", Metadata: map[string]string{"notes": "Provider is cash only"}}, 0.6},
		{"weak", claim.LineItem{LineItemID: "a", Description: "receipt copy attached"}, 0.2},
		{"clean", claim.LineItem{LineItemID: "a", Description: "routine cleaning"}, 0},
		{"phrase", claim.LineItem{LineItemID: "a", Description: "Patient had NO  receipt."}, 0.8},
		{"across word boundary", claim.LineItem{LineItemID: "a", Description: "piano receipt for lessons"}, 0},
		{"inside a word", claim.LineItem{LineItemID: "a", Description: "photocopy of invoice"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := sig.Evaluate(baseInput(tc.item))
			if r.Score != tc.score {
				t.Fatalf("expected %v got %v", tc.score, r.Score)
			}
		})
	}

	var missing *PatternSignal
	if r := missing.Evaluate(baseInput()); !r.Skipped {
		t.Fatalf("nil pattern signal should skip")
	}
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected validation error for nil signal")
	}
}

func TestNormalizeTerm(t *testing.T) {
	cases := map[string]string{
		"Cash-Only":        "cash only",
		"  no   receipt. ": "no receipt",
		"Résumé attached":  "resume attached",
		"piano receipt":    "piano receipt",
		"---":              "",
		"invoice #42/2024": "invoice 42 2024",
	}
	for in, want := range cases {
		if got := normalizeTerm(in); got != want {
			t.Fatalf("normalizeTerm(%q) = %q want %q", in, got, want)
		}
	}
}

func tempJSON(t *testing.T, value any) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "terms-*.json")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return f.Name()
}
