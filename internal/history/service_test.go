package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
	"claimcheck/internal/store"
)

func openService(t *testing.T) (*Service, *store.Database) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "history.db"), true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db), db
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.csv")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestParseSamples(t *testing.T) {
	body := strings.Join([]string{
		"clause_id,category,amount,observed_at",
		"dental,Dental,120,2024-01-05",
		",physio,80,",
		"dental,dental,not-a-number,2024-01-05",
		",,50,2024-01-05",
		"short,row",
		"dental,dental,-4,2024-01-05",
	}, "\n")
	samples, skipped, err := ParseSamples(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(samples) != 2 || skipped != 4 {
		t.Fatalf("expected 2 samples and 4 skipped, got %d/%d", len(samples), skipped)
	}
	if samples[0].Category != "dental" || samples[0].ObservedAt.IsZero() {
		t.Fatalf("expected normalized category and parsed date, got %+v", samples[0])
	}
	if samples[1].ClauseID != "" || samples[1].Category != "physio" {
		t.Fatalf("unexpected category-only sample %+v", samples[1])
	}
}

func TestBuildFraudContext(t *testing.T) {
	svc, db := openService(t)
	path := writeCSV(t, "clause_id,category,amount,observed_at\n"+
		"dental,dental,100,2024-01-01\n"+
		"dental,dental,120,2024-01-02\n"+
		"dental,dental,140,2024-01-03\n"+
		",ortho,900,2024-01-03\n")
	n, err := svc.LoadFromCSV(path)
	if err != nil || n != 4 {
		t.Fatalf("load: n=%d err=%v", n, err)
	}

	effective := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g, err := policy.BuildGraph(policy.Info{PolicyID: "pol", EffectiveDate: effective},
		[]policy.Clause{{ClauseID: "dental", Category: "dental", LimitAmount: 500}}, nil, nil)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	prior := claim.Claim{ClaimID: "clm_old", ClaimNumber: "CLM-2024-000001", PolicyID: "pol", SubmittedAt: effective.AddDate(0, 1, 0),
		LineItems: []claim.LineItem{{LineItemID: "a", Category: "dental", Amount: 90, ServiceDate: effective.AddDate(0, 0, 20)}}}
	if err := db.CreateClaim(store.ClaimFromDomain(prior, claim.Denied), ""); err != nil {
		t.Fatalf("create prior: %v", err)
	}
	other := prior.Clone()
	other.ClaimID, other.ClaimNumber, other.PolicyID = "clm_other", "CLM-2024-000002", "pol_2"
	if err := db.CreateClaim(store.ClaimFromDomain(other, claim.Submitted), ""); err != nil {
		t.Fatalf("create other: %v", err)
	}

	current := claim.Claim{ClaimID: "clm_new", PolicyID: "pol", SubmittedAt: effective.AddDate(0, 2, 0),
		LineItems: []claim.LineItem{{LineItemID: "a", Category: "Dental", Amount: 200, ServiceDate: effective.AddDate(0, 1, 20)}}}
	fc, err := svc.BuildFraudContext(current, g)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if fc.History == nil || len(fc.History.Claims) != 1 || fc.History.Claims[0].Status != claim.Denied {
		t.Fatalf("expected the single prior claim of the policy, got %+v", fc.History)
	}
	if stats := fc.ClauseStats["dental"]; stats.Count != 3 || stats.Median != 120 || stats.MAD != 20 {
		t.Fatalf("unexpected clause stats %+v", stats)
	}
	if stats := fc.CategoryStats["dental"]; stats.Count != 3 {
		t.Fatalf("unexpected category stats %+v", stats)
	}
	if _, ok := fc.CategoryStats["ortho"]; ok {
		t.Fatalf("categories outside the claim should not be loaded")
	}

	if err := svc.Record([]claim.LineItemResult{{LineItemID: "a", Category: "dental", MatchedClauseID: "dental", ClaimedAmount: 160}}, effective, "verdict"); err != nil {
		t.Fatalf("record: %v", err)
	}
	fc, err = svc.BuildFraudContext(current, g)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if stats := fc.ClauseStats["dental"]; stats.Count != 4 {
		t.Fatalf("expected cache invalidation after record, got %+v", stats)
	}
	if svc.Count() != 5 {
		t.Fatalf("expected 5 samples, got %d", svc.Count())
	}
}

func TestLoadFromCSVErrors(t *testing.T) {
	svc, _ := openService(t)
	if _, err := svc.LoadFromCSV(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := svc.LoadFromCSV(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
