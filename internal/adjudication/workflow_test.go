package adjudication

import (
	"context"
	"errors"
	"testing"
	"time"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
	"claimcheck/internal/scoring"
)

var (
	effective = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	decidedAt = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return decidedAt }

func dentalPolicy(t *testing.T) *policy.Graph {
	t.Helper()
	g, err := policy.BuildGraph(policy.Info{PolicyID: "pol_dental", EffectiveDate: effective},
		[]policy.Clause{{ClauseID: "dental", Category: "dental", LimitAmount: 500}},
		[]policy.Exclusion{{ExclusionID: "pre-policy", AppliesToCategories: []string{"dental"}, Predicate: &policy.Predicate{
			Field: policy.FieldServiceDate, Op: policy.OpLt, Value: policy.RefEffectiveDate,
		}}},
		nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func dentalClaim(amount float64, serviceDate time.Time) claim.Claim {
	return claim.Claim{
		ClaimID:     "clm_1",
		PolicyID:    "pol_dental",
		SubmittedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		LineItems:   []claim.LineItem{{LineItemID: "li1", Category: "dental", Amount: amount, ServiceDate: serviceDate}},
	}
}

type constSignal struct {
	name  string
	score float64
}

func (s constSignal) Name() string { return s.name }

func (s constSignal) Evaluate(scoring.Input) scoring.SignalResult {
	return scoring.SignalResult{Name: s.name, Score: s.score, Threshold: 0.5, Fired: s.score >= 0.5}
}

func TestDentalClaimBeforeEffectiveDateIsDenied(t *testing.T) {
	v, err := Adjudicate(context.Background(), dentalPolicy(t), dentalClaim(200, effective.AddDate(0, 0, -10)), scoring.FraudContext{}, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if len(v.LineItemResults) != 1 {
		t.Fatalf("expected one result, got %d", len(v.LineItemResults))
	}
	r := v.LineItemResults[0]
	if r.Status != claim.StatusExcluded || r.MatchedExclusionID != "pre-policy" || r.ApprovedAmount != 0 {
		t.Fatalf("unexpected line item result %+v", r)
	}
	if v.OverallStatus != Denied {
		t.Fatalf("expected denied, got %s", v.OverallStatus)
	}
	if v.ApprovedTotal != 0 || v.ClaimedTotal != 200 {
		t.Fatalf("unexpected totals %v/%v", v.ApprovedTotal, v.ClaimedTotal)
	}
}

func TestDentalClaimAfterEffectiveDateIsApproved(t *testing.T) {
	v, err := Adjudicate(context.Background(), dentalPolicy(t), dentalClaim(300, effective.AddDate(0, 3, 0)), scoring.FraudContext{}, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	r := v.LineItemResults[0]
	if r.Status != claim.StatusCovered || r.ApprovedAmount != 300 || r.MatchedClauseID != "dental" {
		t.Fatalf("unexpected line item result %+v", r)
	}
	if len(v.TriggeredSignals) != 0 || v.FraudScore != 0 {
		t.Fatalf("expected no fraud signals, got %v", v.TriggeredSignals)
	}
	if v.OverallStatus != Approved || v.ApprovedTotal != 300 {
		t.Fatalf("expected approved 300, got %s %v", v.OverallStatus, v.ApprovedTotal)
	}
	if !v.DecidedAt.Equal(decidedAt) {
		t.Fatalf("expected injected clock, got %v", v.DecidedAt)
	}
}

func TestApprovedIffFraudBelowThreshold(t *testing.T) {
	g := dentalPolicy(t)
	c := dentalClaim(300, effective.AddDate(0, 3, 0))
	for _, score := range []float64{0, 0.2, 0.49, 0.5, 0.51, 0.9, 1} {
		engine := scoring.NewEngine(scoring.DefaultConfig(), constSignal{name: "fixed", score: score})
		v, err := Adjudicate(context.Background(), g, c, scoring.FraudContext{}, WithEngine(engine))
		if err != nil {
			t.Fatalf("adjudicate: %v", err)
		}
		approved := v.OverallStatus == Approved
		if approved != (v.FraudScore < v.FraudThreshold) {
			t.Fatalf("score %v: status %s with fraud %v threshold %v", score, v.OverallStatus, v.FraudScore, v.FraudThreshold)
		}
		if !approved && v.OverallStatus != ReferredForReview {
			t.Fatalf("score %v: expected referral, got %s", score, v.OverallStatus)
		}
	}
}

func TestAdjudicateIsIdempotent(t *testing.T) {
	g := dentalPolicy(t)
	c := claim.Claim{
		ClaimID:     "clm_2",
		PolicyID:    "pol_dental",
		SubmittedAt: effective.AddDate(0, 0, 3),
		LineItems: []claim.LineItem{
			{LineItemID: "a", Category: "dental", Amount: 250, ServiceDate: effective.AddDate(0, 0, 1)},
			{LineItemID: "b", Category: "dental", Amount: 250, ServiceDate: effective.AddDate(0, 0, 2)},
			{LineItemID: "c", Category: "Dental", Amount: 90, ServiceDate: effective.AddDate(0, 0, -1), Description: "backdated invoice"},
		},
	}
	fraud := scoring.FraudContext{
		History:       &scoring.ClaimHistory{},
		CategoryStats: map[string]scoring.AmountStats{"dental": {Median: 120, MAD: 30, Count: 40}},
	}

	first, err := Adjudicate(context.Background(), g, c, fraud)
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	time.Sleep(time.Millisecond)
	second, err := Adjudicate(context.Background(), g, c, fraud)
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if !first.Equivalent(second) {
		t.Fatalf("verdicts differ:\n%+v\n%+v", first, second)
	}
	if first.DecidedAt.Equal(second.DecidedAt) {
		t.Fatalf("expected distinct decision times")
	}
	if len(first.TriggeredSignals) == 0 {
		t.Fatalf("expected this claim to trigger signals")
	}
}

func TestRunningTotalsAcrossLineItems(t *testing.T) {
	g, err := policy.BuildGraph(policy.Info{PolicyID: "pol", EffectiveDate: effective},
		[]policy.Clause{{ClauseID: "physio", Category: "physio", LimitAmount: 1000}}, nil, nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	c := claim.Claim{
		ClaimID:     "clm_3",
		PolicyID:    "pol",
		SubmittedAt: effective.AddDate(0, 6, 0),
		LineItems: []claim.LineItem{
			{LineItemID: "a", Category: "physio", Amount: 600, ServiceDate: effective.AddDate(0, 2, 0)},
			{LineItemID: "b", Category: "physio", Amount: 600, ServiceDate: effective.AddDate(0, 4, 0)},
		},
	}
	v, err := Adjudicate(context.Background(), g, c, scoring.FraudContext{})
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if v.LineItemResults[0].Status != claim.StatusCovered || v.LineItemResults[0].ApprovedAmount != 600 {
		t.Fatalf("unexpected first result %+v", v.LineItemResults[0])
	}
	if v.LineItemResults[1].Status != claim.StatusLimitExceeded || v.LineItemResults[1].ApprovedAmount != 400 {
		t.Fatalf("unexpected second result %+v", v.LineItemResults[1])
	}
	if v.OverallStatus != ReferredForReview || v.ApprovedTotal != 1000 {
		t.Fatalf("expected referral with 1000 approved, got %s %v", v.OverallStatus, v.ApprovedTotal)
	}
}

func TestMixedResultsAreReferred(t *testing.T) {
	c := dentalClaim(100, effective.AddDate(0, 2, 0))
	c.LineItems = append(c.LineItems, claim.LineItem{LineItemID: "li2", Category: "cosmetic", Amount: 50, ServiceDate: effective.AddDate(0, 2, 0)})
	v, err := Adjudicate(context.Background(), dentalPolicy(t), c, scoring.FraudContext{})
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if v.LineItemResults[1].Status != claim.StatusNoMatchingClause {
		t.Fatalf("expected no matching clause, got %+v", v.LineItemResults[1])
	}
	if v.OverallStatus != ReferredForReview {
		t.Fatalf("expected referral, got %s", v.OverallStatus)
	}
}

func TestSetupErrors(t *testing.T) {
	g := dentalPolicy(t)
	valid := dentalClaim(100, effective.AddDate(0, 1, 0))

	wrongPolicy := valid.Clone()
	wrongPolicy.PolicyID = "pol_other"
	empty := valid.Clone()
	empty.LineItems = nil
	invalid := valid.Clone()
	invalid.LineItems = append(invalid.LineItems, claim.LineItem{LineItemID: "li1", Category: "dental", Amount: -5})

	tests := []struct {
		name  string
		graph *policy.Graph
		claim claim.Claim
		kind  error
	}{
		{"nil graph", nil, valid, ErrUnknownPolicy},
		{"policy mismatch", g, wrongPolicy, ErrUnknownPolicy},
		{"empty claim", g, empty, ErrEmptyClaim},
		{"invalid claim", g, invalid, ErrInvalidClaim},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Adjudicate(context.Background(), tc.graph, tc.claim, scoring.FraudContext{})
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v got %v", tc.kind, err)
			}
			var setup *SetupError
			if !errors.As(err, &setup) {
				t.Fatalf("expected *SetupError, got %T", err)
			}
		})
	}
}

func TestCancelledWorkflowResumes(t *testing.T) {
	g := dentalPolicy(t)
	c := dentalClaim(300, effective.AddDate(0, 3, 0))

	ctx, cancel := context.WithCancel(context.Background())
	var completed []Stage
	w, err := New(g, c, scoring.FraudContext{}, WithClock(fixedClock), WithObserver(func(_ string, done, _ Stage, _ time.Duration) {
		completed = append(completed, done)
		if done == StageResolving {
			cancel()
		}
	}))
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}

	_, err = w.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if w.Stage() != StageExcludingFraudScoring {
		t.Fatalf("expected to stop before fan-out, at %s", w.Stage())
	}
	if _, ok := w.Verdict(); ok {
		t.Fatalf("no verdict before done")
	}

	resumed, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := []Stage{StageNormalizing, StageResolving, StageExcludingFraudScoring, StageAggregating}
	if len(completed) != len(want) {
		t.Fatalf("stages re-ran after resume: %v", completed)
	}
	for i := range want {
		if completed[i] != want[i] {
			t.Fatalf("unexpected stage order %v", completed)
		}
	}

	fresh, err := Adjudicate(context.Background(), g, c, scoring.FraudContext{}, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if !resumed.Equivalent(fresh) {
		t.Fatalf("resumed verdict differs from a fresh run")
	}
	if err := w.Step(context.Background()); err != nil || w.Stage() != StageDone {
		t.Fatalf("stepping a finished workflow should be a no-op")
	}
}

func TestDeriveStatus(t *testing.T) {
	covered := claim.LineItemResult{Status: claim.StatusCovered}
	excluded := claim.LineItemResult{Status: claim.StatusExcluded}
	none := claim.LineItemResult{Status: claim.StatusNoMatchingClause}
	limited := claim.LineItemResult{Status: claim.StatusLimitExceeded}

	tests := []struct {
		name    string
		results []claim.LineItemResult
		fraud   float64
		want    OverallStatus
	}{
		{"all covered", []claim.LineItemResult{covered, covered}, 0.1, Approved},
		{"fraud", []claim.LineItemResult{covered}, 0.5, ReferredForReview},
		{"limit", []claim.LineItemResult{covered, limited}, 0, ReferredForReview},
		{"mixed", []claim.LineItemResult{covered, excluded}, 0, ReferredForReview},
		{"nothing payable", []claim.LineItemResult{excluded, none}, 0, Denied},
		{"denied despite fraud", []claim.LineItemResult{excluded}, 0.9, Denied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveStatus(tc.results, tc.fraud, 0.5); got != tc.want {
				t.Fatalf("expected %s got %s", tc.want, got)
			}
		})
	}
}

func TestExcludedItemReleasesHeadroom(t *testing.T) {
	g, err := policy.BuildGraph(policy.Info{PolicyID: "pol", EffectiveDate: effective},
		[]policy.Clause{{ClauseID: "dental", Category: "dental", LimitAmount: 1000}},
		[]policy.Exclusion{{ExclusionID: "cosmetic", AppliesToCategories: []string{"dental"}, Predicate: &policy.Predicate{
			Field: "metadata.procedure", Op: policy.OpEq, Value: "whitening",
		}}},
		nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	c := claim.Claim{
		ClaimID:     "clm_4",
		PolicyID:    "pol",
		SubmittedAt: effective.AddDate(0, 6, 0),
		LineItems: []claim.LineItem{
			{LineItemID: "a", Category: "dental", Amount: 700, ServiceDate: effective.AddDate(0, 5, 0), Metadata: map[string]string{"procedure": "whitening"}},
			{LineItemID: "b", Category: "dental", Amount: 600, ServiceDate: effective.AddDate(0, 5, 2)},
		},
	}
	v, err := Adjudicate(context.Background(), g, c, scoring.FraudContext{})
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	a, b := v.LineItemResults[0], v.LineItemResults[1]
	if a.Status != claim.StatusExcluded || a.ApprovedAmount != 0 || a.MatchedExclusionID != "cosmetic" {
		t.Fatalf("unexpected excluded item %+v", a)
	}
	if b.Status != claim.StatusCovered || b.ApprovedAmount != 600 {
		t.Fatalf("excluded item should not consume headroom: %+v", b)
	}
	if v.OverallStatus != ReferredForReview || v.ApprovedTotal != 600 {
		t.Fatalf("expected referral with 600 approved, got %s %v", v.OverallStatus, v.ApprovedTotal)
	}
}

func TestRepeatedVisitsWithoutHistoryAreApproved(t *testing.T) {
	g, err := policy.BuildGraph(policy.Info{PolicyID: "pol", EffectiveDate: effective},
		[]policy.Clause{{ClauseID: "physio", Category: "physiotherapy", LimitAmount: 1000}}, nil, nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	c := claim.Claim{
		ClaimID:     "clm_5",
		PolicyID:    "pol",
		SubmittedAt: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		LineItems: []claim.LineItem{
			{LineItemID: "a", Category: "physiotherapy", Amount: 80, ServiceDate: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
			{LineItemID: "b", Category: "physiotherapy", Amount: 80, ServiceDate: time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC)},
		},
	}
	v, err := Adjudicate(context.Background(), g, c, scoring.FraudContext{})
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	for _, r := range v.LineItemResults {
		if r.Status != claim.StatusCovered || r.ApprovedAmount != 80 {
			t.Fatalf("unexpected result %+v", r)
		}
	}
	for _, sig := range v.Signals {
		if sig.Name == "duplicate_claim_window" && !sig.Skipped {
			t.Fatalf("duplicate signal should be skipped without history: %+v", sig)
		}
	}
	if v.OverallStatus != Approved || v.FraudScore != 0 {
		t.Fatalf("expected approval, got %s with fraud %v", v.OverallStatus, v.FraudScore)
	}
}

func TestCostSharingFlowsIntoVerdict(t *testing.T) {
	g, err := policy.BuildGraph(policy.Info{PolicyID: "pol", EffectiveDate: effective},
		[]policy.Clause{{ClauseID: "dental", Category: "dental", LimitAmount: 1000, Deductible: 50, CopayPercent: 10}}, nil, nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	c := dentalClaim(250, effective.AddDate(0, 3, 0))
	c.PolicyID = "pol"
	v, err := Adjudicate(context.Background(), g, c, scoring.FraudContext{})
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	r := v.LineItemResults[0]
	if r.ApprovedAmount != 180 || r.DeductibleApplied != 50 || r.CopayApplied != 20 {
		t.Fatalf("unexpected payout breakdown %+v", r)
	}
	if v.ApprovedTotal != 180 || v.ClaimedTotal != 250 || v.OverallStatus != Approved {
		t.Fatalf("unexpected verdict %s %v/%v", v.OverallStatus, v.ApprovedTotal, v.ClaimedTotal)
	}
}
