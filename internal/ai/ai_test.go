package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/claim"
	"claimcheck/internal/scoring"
)

func sampleVerdict(status adjudication.OverallStatus) adjudication.Verdict {
	return adjudication.Verdict{
		ClaimID:        "clm_1",
		PolicyID:       "pol_dental",
		OverallStatus:  status,
		FraudThreshold: 0.5,
		RiskLevel:      scoring.RiskLow,
		LineItemResults: []claim.LineItemResult{
			{LineItemID: "li1", Category: "dental", Status: claim.StatusCovered, MatchedClauseID: "dental", ClaimedAmount: 300, ApprovedAmount: 300},
		},
		ClaimedTotal:  300,
		ApprovedTotal: 300,
	}
}

func TestTemplateExplain(t *testing.T) {
	approved := sampleVerdict(adjudication.Approved)

	denied := sampleVerdict(adjudication.Denied)
	denied.LineItemResults[0].Status = claim.StatusExcluded
	denied.LineItemResults[0].MatchedExclusionID = "pre-policy"
	denied.LineItemResults[0].ApprovedAmount = 0
	denied.ApprovedTotal = 0

	flagged := sampleVerdict(adjudication.ReferredForReview)
	flagged.FraudScore = 0.8
	flagged.RiskLevel = scoring.RiskHigh
	flagged.TriggeredSignals = map[string]float64{"duplicate_claim_window": 0.8}

	tests := []struct {
		name     string
		verdict  adjudication.Verdict
		rec      string
		contains string
	}{
		{"approved", approved, RecommendApprove, "approved for payment"},
		{"denied", denied, RecommendDeny, "excluded by pre-policy"},
		{"fraud", flagged, RecommendInvestigate, "duplicate_claim_window"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Template{}.Explain(context.Background(), ExplanationInput{Verdict: tc.verdict})
			if err != nil {
				t.Fatalf("explain: %v", err)
			}
			if d.Recommendation != tc.rec {
				t.Fatalf("expected %s got %s", tc.rec, d.Recommendation)
			}
			if !strings.Contains(d.Narrative, tc.contains) {
				t.Fatalf("narrative %q missing %q", d.Narrative, tc.contains)
			}
			if d.Source != "template" {
				t.Fatalf("unexpected source %q", d.Source)
			}
		})
	}
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
}

func TestClientExplain(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "```json\n{\"narrative\":\"Covered in full.\",\"recommendation\":\"approve\",\"confidence\":1.7}\n```")
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "key", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	d, err := client.Explain(context.Background(), ExplanationInput{Verdict: sampleVerdict(adjudication.Approved)})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if d.Recommendation != RecommendApprove || d.Narrative != "Covered in full." || d.Source != "openai" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d.Confidence == nil || *d.Confidence != 1 {
		t.Fatalf("expected clamped confidence, got %v", d.Confidence)
	}
}

func TestChainFallsBack(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"narrative":"","recommendation":"maybe"}`)
	defer srv.Close()
	client, err := NewClient(Config{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	chain := WithFallback(client, Template{})
	d, err := chain.Explain(context.Background(), ExplanationInput{Verdict: sampleVerdict(adjudication.Approved)})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if d.Source != "template" {
		t.Fatalf("expected template fallback, got %q", d.Source)
	}

	if _, err := NewClient(Config{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled client without key, got %v", err)
	}
	if WithFallback(nil, Template{}) != (Template{}) {
		t.Fatalf("nil primary should return the fallback")
	}
}
