package exclusion

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
)

var effective = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dentalGraph(t *testing.T) *policy.Graph {
	t.Helper()
	g, err := policy.BuildGraph(policy.Info{PolicyID: "pol", EffectiveDate: effective},
		[]policy.Clause{
			{ClauseID: "dental", Category: "dental", LimitAmount: 500},
			{ClauseID: "vision", Category: "vision", LimitAmount: 200},
		},
		[]policy.Exclusion{
			{ExclusionID: "pre-existing", AppliesToCategories: []string{"dental"}, Predicate: &policy.Predicate{
				Field: policy.FieldServiceDate, Op: policy.OpLt, Value: policy.RefEffectiveDate,
			}},
			{ExclusionID: "cosmetic", AppliesToCategories: []string{"dental", "vision"}, Predicate: &policy.Predicate{
				Field: "metadata.purpose", Op: policy.OpEq, Value: "cosmetic",
			}},
			{ExclusionID: "all-lasik", AppliesToCategories: []string{"vision"}, Description: "laser surgery"},
		}, nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func covered(id string, amount float64) claim.LineItemResult {
	return claim.LineItemResult{LineItemID: id, Status: claim.StatusCovered, MatchedClauseID: "dental", ClaimedAmount: amount, ApprovedAmount: amount}
}

func TestEvaluateOverridesCoverage(t *testing.T) {
	ev := NewEvaluator(dentalGraph(t), 0)
	tests := []struct {
		name     string
		item     claim.LineItem
		in       claim.LineItemResult
		status   claim.LineItemStatus
		first    string
		all      []string
		approved float64
	}{
		{
			name:     "before effective date",
			item:     claim.LineItem{LineItemID: "a", Category: "dental", Amount: 100, ServiceDate: effective.AddDate(0, 0, -3)},
			in:       covered("a", 100),
			status:   claim.StatusExcluded,
			first:    "pre-existing",
			all:      []string{"pre-existing"},
			approved: 0,
		},
		{
			name: "multiple matches record first by declaration",
			item: claim.LineItem{LineItemID: "b", Category: "dental", Amount: 100, ServiceDate: effective.AddDate(0, 0, -3),
				Metadata: map[string]string{"Purpose": "Cosmetic"}},
			in:       covered("b", 100),
			status:   claim.StatusExcluded,
			first:    "pre-existing",
			all:      []string{"pre-existing", "cosmetic"},
			approved: 0,
		},
		{
			name:     "limit exceeded is overridden",
			item:     claim.LineItem{LineItemID: "c", Category: "dental", Amount: 900, ServiceDate: effective.AddDate(0, 0, -3)},
			in:       claim.LineItemResult{LineItemID: "c", Status: claim.StatusLimitExceeded, ClaimedAmount: 900, ApprovedAmount: 500},
			status:   claim.StatusExcluded,
			first:    "pre-existing",
			all:      []string{"pre-existing"},
			approved: 0,
		},
		{
			name:     "no match keeps coverage",
			item:     claim.LineItem{LineItemID: "d", Category: "dental", Amount: 300, ServiceDate: effective.AddDate(0, 1, 0)},
			in:       covered("d", 300),
			status:   claim.StatusCovered,
			approved: 300,
		},
		{
			name:     "never overrides no matching clause",
			item:     claim.LineItem{LineItemID: "e", Category: "dental", Amount: 300, ServiceDate: effective.AddDate(0, 0, -1)},
			in:       claim.LineItemResult{LineItemID: "e", Status: claim.StatusNoMatchingClause, ClaimedAmount: 300},
			status:   claim.StatusNoMatchingClause,
			approved: 0,
		},
		{
			name:     "nil predicate matches whole category",
			item:     claim.LineItem{LineItemID: "f", Category: "Vision", Amount: 50, ServiceDate: effective.AddDate(0, 1, 0)},
			in:       covered("f", 50),
			status:   claim.StatusExcluded,
			first:    "all-lasik",
			all:      []string{"all-lasik"},
			approved: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ev.Evaluate(tc.item, tc.in)
			if got.Status != tc.status {
				t.Fatalf("expected %s got %s", tc.status, got.Status)
			}
			if got.MatchedExclusionID != tc.first {
				t.Fatalf("expected exclusion %q got %q", tc.first, got.MatchedExclusionID)
			}
			if !reflect.DeepEqual(got.MatchedExclusionIDs, tc.all) {
				t.Fatalf("expected all %v got %v", tc.all, got.MatchedExclusionIDs)
			}
			if got.ApprovedAmount != tc.approved {
				t.Fatalf("expected approved %v got %v", tc.approved, got.ApprovedAmount)
			}
		})
	}
}

func TestEvaluateAllWritesByIndex(t *testing.T) {
	ev := NewEvaluator(dentalGraph(t), 3)
	var c claim.Claim
	var results []claim.LineItemResult
	for i := 0; i < 40; i++ {
		day := effective.AddDate(0, 1, 0)
		if i%2 == 0 {
			day = effective.AddDate(0, 0, -1)
		}
		id := fmt.Sprintf("li-%d", i)
		c.LineItems = append(c.LineItems, claim.LineItem{LineItemID: id, Category: "dental", Amount: 10, ServiceDate: day})
		results = append(results, covered(id, 10))
	}

	out, err := ev.EvaluateAll(context.Background(), c, results)
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	for i, r := range out {
		if r.LineItemID != c.LineItems[i].LineItemID {
			t.Fatalf("result %d out of order: %s", i, r.LineItemID)
		}
		wantExcluded := i%2 == 0
		if (r.Status == claim.StatusExcluded) != wantExcluded {
			t.Fatalf("result %d: unexpected status %s", i, r.Status)
		}
	}
	if results[0].Status != claim.StatusCovered {
		t.Fatalf("input results must not be mutated")
	}
}

func TestEvaluateAllHonoursCancellation(t *testing.T) {
	ev := NewEvaluator(dentalGraph(t), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := claim.Claim{LineItems: []claim.LineItem{{LineItemID: "a", Category: "dental", Amount: 1, ServiceDate: effective}}}
	_, err := ev.EvaluateAll(ctx, c, []claim.LineItemResult{covered("a", 1)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
