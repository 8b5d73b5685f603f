package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"claimcheck/internal/claim"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "claims.db"), true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testClaim(id, number string) claim.Claim {
	return claim.Claim{
		ClaimID:     id,
		ClaimNumber: number,
		PolicyID:    "pol",
		SubmittedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		LineItems: []claim.LineItem{
			{LineItemID: "li1", Category: "dental", Amount: 120, ServiceDate: time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)},
		},
	}
}

func TestPolicyUpsert(t *testing.T) {
	db := openTestDB(t)
	p := &Policy{PolicyID: "pol", Name: "Dental", Version: "1", DocumentJSON: "{}", Hash: "a"}
	if err := db.UpsertPolicy(p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.UpsertPolicy(&Policy{PolicyID: "pol", Name: "Dental", Version: "2", DocumentJSON: "{}", Hash: "b"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := db.GetPolicy("pol")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != "2" || got.Hash != "b" {
		t.Fatalf("expected updated policy, got %+v", got)
	}
	rows, total, err := db.ListPolicies(0, 10)
	if err != nil || total != 1 || len(rows) != 1 {
		t.Fatalf("unexpected listing %d/%d err=%v", len(rows), total, err)
	}
	if _, err := db.GetPolicy("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimLifecycle(t *testing.T) {
	db := openTestDB(t)
	row := ClaimFromDomain(testClaim("clm_1", "CLM-2024-000001"), claim.Submitted)
	if err := db.CreateClaim(row, "submitted"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := db.GetClaim("clm_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	domain := got.Domain()
	if len(domain.LineItems) != 1 || domain.LineItems[0].Amount != 120 || got.ClaimedTotal != 120 {
		t.Fatalf("line items did not round trip: %+v", domain)
	}

	path := []string{string(claim.Submitted), string(claim.UnderReview), string(claim.Validating)}
	if err := db.ApplyStatusPath("clm_1", path, "validate"); err != nil {
		t.Fatalf("apply path: %v", err)
	}
	if err := db.UpdateClaimStatus("clm_1", string(claim.Submitted), string(claim.Cancelled), ""); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected conflict on stale status, got %v", err)
	}
	if err := db.UpdateClaimStatus("clm_missing", "submitted", "cancelled", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	history, err := db.StatusHistory("clm_1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[2].ToStatus != string(claim.Validating) || history[0].FromStatus != "" {
		t.Fatalf("unexpected history %+v", history)
	}

	exists, err := db.ClaimNumberExists("CLM-2024-000001")
	if err != nil || !exists {
		t.Fatalf("expected claim number to exist, err=%v", err)
	}
}

func TestListClaimsFilters(t *testing.T) {
	db := openTestDB(t)
	for i, id := range []string{"clm_a", "clm_b", "clm_c"} {
		c := testClaim(id, "CLM-2024-00000"+string(rune('1'+i)))
		if id == "clm_c" {
			c.PolicyID = "other"
		}
		if err := db.CreateClaim(ClaimFromDomain(c, claim.Submitted), ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := db.UpdateClaimStatus("clm_b", "submitted", "under_review", ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	tests := []struct {
		name  string
		query ClaimQuery
		total int64
		rows  int
	}{
		{"all", ClaimQuery{}, 3, 3},
		{"policy", ClaimQuery{PolicyID: "pol"}, 2, 2},
		{"status", ClaimQuery{Status: "UNDER_REVIEW"}, 1, 1},
		{"paged", ClaimQuery{Offset: 1, Limit: 1}, 3, 1},
		{"number search", ClaimQuery{Query: "000003"}, 1, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rows, total, err := db.ListClaims(tc.query)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if total != tc.total || len(rows) != tc.rows {
				t.Fatalf("expected %d/%d got %d/%d", tc.rows, tc.total, len(rows), total)
			}
		})
	}
}

func TestRecordVerdict(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateClaim(ClaimFromDomain(testClaim("clm_1", "CLM-2024-000001"), claim.Submitted), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	for i, decided := range []time.Time{first, first.Add(time.Hour)} {
		v := &Verdict{
			VerdictID:     "v" + string(rune('1'+i)),
			ClaimID:       "clm_1",
			PolicyID:      "pol",
			OverallStatus: "approved",
			ApprovedTotal: 120,
			ClaimedTotal:  120,
			FraudScore:    0.1 * float64(i),
			DecidedAt:     decided,
		}
		if err := db.RecordVerdict(v); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	verdicts, err := db.ListVerdicts("clm_1")
	if err != nil || len(verdicts) != 2 || verdicts[0].VerdictID != "v2" {
		t.Fatalf("expected newest first, got %+v err=%v", verdicts, err)
	}
	latest, err := db.LatestVerdict("clm_1")
	if err != nil || latest.VerdictID != "v2" {
		t.Fatalf("unexpected latest %+v err=%v", latest, err)
	}
	row, err := db.GetClaim("clm_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.OverallStatus != "approved" || row.ApprovedTotal != 120 || row.LastVerdictAt == nil {
		t.Fatalf("claim summary not refreshed: %+v", row)
	}
	if err := db.RecordVerdict(&Verdict{VerdictID: "v9", ClaimID: "clm_missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown claim, got %v", err)
	}
}

func TestAmountSamplesAndJobs(t *testing.T) {
	db := openTestDB(t)
	samples := []AmountSample{
		{ClauseID: "dental", Category: "dental", Amount: 100, Source: "csv"},
		{ClauseID: "dental", Category: "dental", Amount: 140, Source: "csv"},
		{Category: "physio", Amount: 60, Source: "csv"},
	}
	if err := db.AppendAmountSamples(samples); err != nil {
		t.Fatalf("append: %v", err)
	}
	byClause, err := db.AmountsByClause("dental")
	if err != nil || len(byClause) != 2 {
		t.Fatalf("expected 2 clause amounts, got %v err=%v", byClause, err)
	}
	if err := db.ReplaceAmountSamples("csv", samples[2:]); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if count, _ := db.CountAmountSamples(); count != 1 {
		t.Fatalf("expected 1 sample after replace, got %d", count)
	}

	state := &JobState{JobID: "job", PolicyID: "pol", Status: "running", Total: 4}
	if err := db.SaveJobState(state); err != nil {
		t.Fatalf("save job: %v", err)
	}
	marked, err := db.MarkInterruptedJobs()
	if err != nil || marked != 1 {
		t.Fatalf("expected one interrupted job, got %d err=%v", marked, err)
	}
	got, err := db.GetJobState("job")
	if err != nil || got.Status != "interrupted" {
		t.Fatalf("unexpected job %+v err=%v", got, err)
	}
}
