package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/claim"
	"claimcheck/internal/scoring"
)

// Explainer produces a human-readable narrative for a verdict.
type Explainer interface {
	Enabled() bool
	Explain(ctx context.Context, input ExplanationInput) (Decision, error)
}

// Config holds OpenAI-compatible chat completion settings.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// ExplanationInput describes the verdict being explained.
type ExplanationInput struct {
	Verdict      adjudication.Verdict
	ClaimNumber  string
	ClaimantName string
	Indicators   []scoring.SignalResult
}

// Client implements the Explainer interface against a chat completions API.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
}

var ErrDisabled = errors.New("ai explainer disabled")

// NewClient constructs a Client if the supplied configuration is valid.
func NewClient(cfg Config) (*Client, error) {
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrDisabled
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	return &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       cfg.Model,
		baseURL:     cfg.BaseURL,
		temperature: temp,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Enabled reports whether the client can make outbound calls.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Explain requests a narrative for an adjudicated claim.
func (c *Client) Explain(ctx context.Context, input ExplanationInput) (Decision, error) {
	if c == nil || !c.Enabled() {
		return Decision{}, ErrDisabled
	}

	body, err := json.Marshal(c.buildPayload(input))
	if err != nil {
		return Decision{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return Decision{}, fmt.Errorf("openai status %d: %v", resp.StatusCode, apiErr)
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Decision{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Decision{}, errors.New("openai empty response")
	}

	content := normalizeJSONBlock(decoded.Choices[0].Message.Content)
	if content == "" {
		return Decision{}, errors.New("openai empty narrative")
	}

	var decision Decision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return Decision{}, fmt.Errorf("parse ai response: %w", err)
	}

	sanitizeDecision(&decision)
	if decision.Narrative == "" {
		return Decision{}, errors.New("ai narrative missing")
	}
	if decision.Recommendation == "" {
		return Decision{}, errors.New("ai recommendation missing")
	}
	decision.Source = "openai"
	return decision, nil
}

func normalizeJSONBlock(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.IndexRune(trimmed, '\n'); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		trimmed = strings.TrimSuffix(trimmed, "```")
	}
	trimmed = strings.TrimSpace(trimmed)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end >= start {
		return strings.TrimSpace(trimmed[start : end+1])
	}
	return trimmed
}

func (c *Client) buildPayload(input ExplanationInput) map[string]any {
	messages := []map[string]string{
		{
			"role": "system",
			"content": "You are a senior insurance claims examiner. Reply with a strict JSON object containing keys narrative, recommendation, and confidence. " +
				"The narrative must contain two or three sentences: first summarize what the policy covers for this claim, then explain any exclusions, limits or fraud indicators. " +
				"Never contradict the supplied line item outcomes or overall status; you explain the decision, you do not make it. " +
				"recommendation must be one of APPROVE, APPROVE_PARTIAL, DENY, REVIEW, or INVESTIGATE. confidence must be a decimal between 0 and 1. Emit nothing outside the JSON object.",
		},
		{
			"role":    "user",
			"content": buildUserPrompt(input),
		},
	}
	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
	}
	if c.maxTokens > 0 {
		payload["max_tokens"] = c.maxTokens
	}
	return payload
}

func buildUserPrompt(input ExplanationInput) string {
	v := input.Verdict
	builder := &strings.Builder{}
	if input.ClaimNumber != "" {
		fmt.Fprintf(builder, "Claim: %s (%s)\n", input.ClaimNumber, v.ClaimID)
	} else {
		fmt.Fprintf(builder, "Claim: %s\n", v.ClaimID)
	}
	fmt.Fprintf(builder, "Policy: %s", v.PolicyID)
	if v.PolicyVersion != "" {
		fmt.Fprintf(builder, " version %s", v.PolicyVersion)
	}
	builder.WriteString("\n")
	fmt.Fprintf(builder, "Overall status: %s\n", v.OverallStatus)
	fmt.Fprintf(builder, "Claimed %.2f, approved %.2f\n", v.ClaimedTotal, v.ApprovedTotal)
	builder.WriteString("Line items:\n")
	for _, r := range v.LineItemResults {
		fmt.Fprintf(builder, "- %s [%s] claimed %.2f approved %.2f: %s", r.LineItemID, r.Category, r.ClaimedAmount, r.ApprovedAmount, r.Status)
		if r.MatchedClauseID != "" {
			fmt.Fprintf(builder, " clause %s", r.MatchedClauseID)
		}
		if r.MatchedExclusionID != "" {
			fmt.Fprintf(builder, " exclusion %s", r.MatchedExclusionID)
		}
		if r.Detail != "" {
			fmt.Fprintf(builder, " (%s)", r.Detail)
		}
		builder.WriteString("\n")
	}
	fmt.Fprintf(builder, "Fraud score: %.2f (threshold %.2f, risk %s)\n", v.FraudScore, v.FraudThreshold, v.RiskLevel)
	for _, ind := range input.Indicators {
		fmt.Fprintf(builder, "- indicator %s scored %.2f", ind.Name, ind.Score)
		if ind.Reason != "" {
			fmt.Fprintf(builder, ": %s", ind.Reason)
		}
		builder.WriteString("\n")
	}
	fmt.Fprintf(builder, "Default recommendation: %s\n", defaultRecommendation(v))
	builder.WriteString("Write for the claimant's adjuster in plain language and cite clause or exclusion identifiers where relevant.\n")
	return builder.String()
}

func defaultRecommendation(v adjudication.Verdict) string {
	switch v.OverallStatus {
	case adjudication.Approved:
		return RecommendApprove
	case adjudication.Denied:
		return RecommendDeny
	}
	if scoring.RequiresInvestigation(v.FraudScore, v.FraudThreshold) {
		return RecommendInvestigate
	}
	for _, r := range v.LineItemResults {
		if r.Status == claim.StatusLimitExceeded && r.ApprovedAmount > 0 {
			return RecommendPartial
		}
	}
	return RecommendReview
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func sanitizeDecision(decision *Decision) {
	if decision == nil {
		return
	}
	decision.Narrative = strings.TrimSpace(decision.Narrative)
	decision.Recommendation = strings.ToUpper(strings.TrimSpace(decision.Recommendation))
	switch decision.Recommendation {
	case RecommendApprove, RecommendPartial, RecommendDeny, RecommendReview, RecommendInvestigate:
	default:
		decision.Recommendation = ""
	}
	if decision.Confidence != nil {
		val := clampFloat(*decision.Confidence, 0, 1)
		decision.Confidence = &val
	}
}

func clampFloat(value, min, max float64) float64 {
	if math.IsNaN(value) {
		return min
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
