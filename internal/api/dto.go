package api

import (
	"encoding/json"
	"time"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
	"claimcheck/internal/scoring"
	"claimcheck/internal/store"
)

// PolicyDTO is the API representation of a stored policy.
type PolicyDTO struct {
	PolicyID       string          `json:"policy_id"`
	Name           string          `json:"name,omitempty"`
	Version        string          `json:"version,omitempty"`
	EffectiveDate  time.Time       `json:"effective_date"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	Hash           string          `json:"hash"`
	ClauseCount    int             `json:"clause_count"`
	ExclusionCount int             `json:"exclusion_count"`
	Document       json.RawMessage `json:"document,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PolicyFromModel converts a stored policy; the document is included on request.
func PolicyFromModel(p store.Policy, withDocument bool) PolicyDTO {
	dto := PolicyDTO{
		PolicyID:       p.PolicyID,
		Name:           p.Name,
		Version:        p.Version,
		EffectiveDate:  p.EffectiveDate,
		ExpirationDate: p.ExpirationDate,
		Hash:           p.Hash,
		ClauseCount:    p.ClauseCount,
		ExclusionCount: p.ExclusionCount,
		UpdatedAt:      p.UpdatedAt,
	}
	if withDocument && p.DocumentJSON != "" {
		dto.Document = json.RawMessage(p.DocumentJSON)
	}
	return dto
}

// PoliciesResponse is a page of policies.
type PoliciesResponse struct {
	Items []PolicyDTO `json:"items"`
	Total int64       `json:"total"`
}

// LineItemRequest is one submitted line item.
type LineItemRequest struct {
	LineItemID  string            `json:"line_item_id"`
	Category    string            `json:"category" binding:"required"`
	Description string            `json:"description"`
	Amount      *float64          `json:"amount" binding:"required"`
	ServiceDate string            `json:"service_date" binding:"required"`
	Metadata    map[string]string `json:"metadata"`
}

// SubmitClaimRequest is the payload of POST /api/claims.
type SubmitClaimRequest struct {
	PolicyID       string            `json:"policy_id" binding:"required"`
	ClaimantName   string            `json:"claimant_name"`
	SubmittedAt    string            `json:"submitted_at"`
	ResubmissionOf string            `json:"resubmission_of"`
	LineItems      []LineItemRequest `json:"line_items" binding:"required,min=1,dive"`
}

// ValidateClaimRequest tunes POST /api/claims/:id/validate.
type ValidateClaimRequest struct {
	Explain *bool `json:"explain"`
}

// UpdateStatusRequest is the payload of PUT /api/claims/:id/status.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// ClaimDTO is the API representation of a stored claim.
type ClaimDTO struct {
	ClaimID        string           `json:"claim_id"`
	ClaimNumber    string           `json:"claim_number"`
	PolicyID       string           `json:"policy_id"`
	ClaimantName   string           `json:"claimant_name,omitempty"`
	Status         string           `json:"status"`
	ResubmissionOf string           `json:"resubmission_of,omitempty"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	LineItems      []claim.LineItem `json:"line_items"`
	ClaimedTotal   float64          `json:"claimed_total"`
	ApprovedTotal  float64          `json:"approved_total"`
	FraudScore     float64          `json:"fraud_score"`
	RiskLevel      string           `json:"risk_level,omitempty"`
	OverallStatus  string           `json:"overall_status,omitempty"`
	LastVerdictAt  *time.Time       `json:"last_verdict_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ClaimFromModel converts a stored claim.
func ClaimFromModel(c store.Claim) ClaimDTO {
	return ClaimDTO{
		ClaimID:        c.ClaimID,
		ClaimNumber:    c.ClaimNumber,
		PolicyID:       c.PolicyID,
		ClaimantName:   c.ClaimantName,
		Status:         c.Status,
		ResubmissionOf: c.ResubmissionOf,
		SubmittedAt:    c.SubmittedAt,
		LineItems:      c.LineItems(),
		ClaimedTotal:   c.ClaimedTotal,
		ApprovedTotal:  c.ApprovedTotal,
		FraudScore:     c.FraudScore,
		RiskLevel:      c.RiskLevel,
		OverallStatus:  c.OverallStatus,
		LastVerdictAt:  c.LastVerdictAt,
		CreatedAt:      c.CreatedAt,
	}
}

// ClaimsResponse is a page of claims.
type ClaimsResponse struct {
	Items []ClaimDTO `json:"items"`
	Total int64      `json:"total"`
}

// VerdictDTO is a stored verdict with its narrative.
type VerdictDTO struct {
	VerdictID         string               `json:"verdict_id"`
	JobID             string               `json:"job_id,omitempty"`
	Verdict           adjudication.Verdict `json:"verdict"`
	Explanation       string               `json:"explanation,omitempty"`
	ExplanationSource string               `json:"explanation_source,omitempty"`
	ProcessingTimeMs  int64                `json:"processing_time_ms"`
}

// VerdictFromModel decodes a stored verdict.
func VerdictFromModel(v store.Verdict) (VerdictDTO, error) {
	dto := VerdictDTO{
		VerdictID:         v.VerdictID,
		JobID:             v.JobID,
		Explanation:       v.Explanation,
		ExplanationSource: v.ExplanationSource,
		ProcessingTimeMs:  v.ProcessingTimeMs,
	}
	if err := json.Unmarshal([]byte(v.VerdictJSON), &dto.Verdict); err != nil {
		return VerdictDTO{}, err
	}
	return dto, nil
}

// ValidateClaimResponse is returned by POST /api/claims/:id/validate.
type ValidateClaimResponse struct {
	VerdictDTO
	ClaimStatus string `json:"claim_status"`
}

// StatusChangeDTO is one lifecycle history entry.
type StatusChangeDTO struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// ClaimStatusResponse is returned by GET /api/claims/:id/status.
type ClaimStatusResponse struct {
	ClaimID     string            `json:"claim_id"`
	ClaimNumber string            `json:"claim_number"`
	Status      string            `json:"status"`
	Description string            `json:"description"`
	Terminal    bool              `json:"terminal"`
	Next        []claim.Status    `json:"next"`
	Progress    claim.Progress    `json:"progress"`
	History     []StatusChangeDTO `json:"history"`
}

// FraudReportResponse is returned by GET /api/claims/:id/fraud-report.
type FraudReportResponse struct {
	ClaimID               string                 `json:"claim_id"`
	VerdictID             string                 `json:"verdict_id"`
	FraudScore            float64                `json:"fraud_score"`
	FraudThreshold        float64                `json:"fraud_threshold"`
	RiskLevel             string                 `json:"risk_level"`
	RequiresInvestigation bool                   `json:"requires_investigation"`
	Recommendation        string                 `json:"recommendation"`
	Indicators            []scoring.SignalResult `json:"indicators"`
	Skipped               []string               `json:"skipped_signals"`
	DecidedAt             time.Time              `json:"decided_at"`
}

// ReadjudicateResponse describes the asynchronous job kickoff payload.
type ReadjudicateResponse struct {
	JobID     string    `json:"job_id"`
	PolicyID  string    `json:"policy_id"`
	Total     int64     `json:"total"`
	StartedAt time.Time `json:"started_at"`
}

// JobDTO is the API representation of a job.
type JobDTO struct {
	JobID     string    `json:"job_id"`
	PolicyID  string    `json:"policy_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Total     int64     `json:"total"`
	Running   bool      `json:"running"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobFromModel converts stored job state.
func JobFromModel(j store.JobState, running bool) JobDTO {
	return JobDTO{
		JobID:     j.JobID,
		PolicyID:  j.PolicyID,
		Status:    j.Status,
		Message:   j.Message,
		Processed: j.Processed,
		Failed:    j.Failed,
		Total:     j.Total,
		Running:   running,
		UpdatedAt: j.UpdatedAt,
	}
}

// ClauseDTO describes one coverage clause of a policy.
type ClauseDTO struct {
	ClauseID          string             `json:"clause_id"`
	Category          string             `json:"category"`
	Description       string             `json:"description,omitempty"`
	LimitAmount       float64            `json:"limit_amount"`
	LimitPeriod       string             `json:"limit_period"`
	Unlimited         bool               `json:"unlimited"`
	Deductible        float64            `json:"deductible,omitempty"`
	CopayPercent      float64            `json:"copay_percentage,omitempty"`
	WaitingPeriodDays int                `json:"waiting_period_days,omitempty"`
	Conditions        []policy.Predicate `json:"conditions,omitempty"`
	DependsOn         []string           `json:"depends_on,omitempty"`
}

// ClauseFromGraph converts a clause along with its dependencies.
func ClauseFromGraph(g *policy.Graph, c policy.Clause) ClauseDTO {
	return ClauseDTO{
		ClauseID:          c.ClauseID,
		Category:          c.Category,
		Description:       c.Description,
		LimitAmount:       c.LimitAmount,
		LimitPeriod:       c.LimitPeriod,
		Unlimited:         c.Unlimited(),
		Deductible:        c.Deductible,
		CopayPercent:      c.CopayPercent,
		WaitingPeriodDays: c.WaitingPeriodDays,
		Conditions:        c.Conditions,
		DependsOn:         g.Dependencies(c.ClauseID),
	}
}

// ExclusionDTO describes one exclusion of a policy.
type ExclusionDTO struct {
	ExclusionID         string            `json:"exclusion_id"`
	AppliesToCategories []string          `json:"applies_to_categories"`
	Predicate           *policy.Predicate `json:"predicate,omitempty"`
	Description         string            `json:"description,omitempty"`
}

// PolicySummaryResponse is returned by GET /api/policies/:id/summary.
type PolicySummaryResponse struct {
	PolicyID          string     `json:"policy_id"`
	Name              string     `json:"name,omitempty"`
	Version           string     `json:"version,omitempty"`
	EffectiveDate     time.Time  `json:"effective_date"`
	ExpirationDate    *time.Time `json:"expiration_date,omitempty"`
	Active            bool       `json:"active"`
	Categories        []string   `json:"categories"`
	ClauseCount       int        `json:"clause_count"`
	ExclusionCount    int        `json:"exclusion_count"`
	RelationshipCount int        `json:"relationship_count"`
	TotalClaims       int64      `json:"total_claims"`
	OpenClaims        int64      `json:"open_claims"`
	Hash              string     `json:"hash"`
}

// GraphNode is a clause or exclusion in the policy graph view.
type GraphNode struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories"`
	Label      string   `json:"label,omitempty"`
}

// GraphEdge is a dependency or an exclusion edge.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// PolicyGraphResponse is returned by GET /api/policies/:id/graph.
type PolicyGraphResponse struct {
	PolicyID         string      `json:"policy_id"`
	Nodes            []GraphNode `json:"nodes"`
	Edges            []GraphEdge `json:"edges"`
	TopologicalOrder []string    `json:"topological_order"`
	TotalNodes       int         `json:"total_nodes"`
	TotalEdges       int         `json:"total_edges"`
}

// ClausesResponse lists clauses of a policy.
type ClausesResponse struct {
	PolicyID string      `json:"policy_id"`
	Total    int         `json:"total"`
	Clauses  []ClauseDTO `json:"clauses"`
}

// ExclusionsResponse lists exclusions of a policy.
type ExclusionsResponse struct {
	PolicyID   string         `json:"policy_id"`
	Total      int            `json:"total"`
	Exclusions []ExclusionDTO `json:"exclusions"`
}

// CoverageItem groups the clauses and exclusions of one category.
type CoverageItem struct {
	Category     string      `json:"category"`
	LimitTotal   float64     `json:"limit_total"`
	Unlimited    bool        `json:"unlimited"`
	Clauses      []ClauseDTO `json:"clauses"`
	ExclusionIDs []string    `json:"exclusion_ids"`
}

// CoverageResponse is returned by GET /api/policies/:id/coverage.
type CoverageResponse struct {
	PolicyID            string         `json:"policy_id"`
	TotalCoverageAmount float64        `json:"total_coverage_amount"`
	HasUnlimited        bool           `json:"has_unlimited"`
	CoverageItems       []CoverageItem `json:"coverage_items"`
}

// OverviewStats summarizes policies and claims.
type OverviewStats struct {
	TotalPolicies  int64 `json:"total_policies"`
	ActivePolicies int64 `json:"active_policies"`
	TotalClaims    int64 `json:"total_claims"`
	PendingClaims  int64 `json:"pending_claims"`
}

// FinancialStats summarizes adjudicated amounts.
type FinancialStats struct {
	TotalClaimed  float64 `json:"total_claimed"`
	TotalApproved float64 `json:"total_approved"`
	TotalDenied   float64 `json:"total_denied"`
	AverageClaim  float64 `json:"average_claim"`
	ApprovalRate  float64 `json:"approval_rate"`
}

// FraudMetrics summarizes fraud scoring across claims.
type FraudMetrics struct {
	TotalFlagged      int64   `json:"total_flagged"`
	AverageFraudScore float64 `json:"average_fraud_score"`
	HighRiskClaims    int64   `json:"high_risk_claims"`
}

// RecentActivity counts recent submissions.
type RecentActivity struct {
	ClaimsToday       int64 `json:"claims_today"`
	ClaimsThisWeek    int64 `json:"claims_this_week"`
	PoliciesThisMonth int64 `json:"policies_this_month"`
}

// DashboardStatsResponse is returned by GET /api/dashboard/stats.
type DashboardStatsResponse struct {
	Overview        OverviewStats    `json:"overview"`
	ClaimsByStatus  map[string]int64 `json:"claims_by_status"`
	ClaimsByOutcome map[string]int64 `json:"claims_by_outcome"`
	Financials      FinancialStats   `json:"financials"`
	FraudMetrics    FraudMetrics     `json:"fraud_metrics"`
	RecentActivity  RecentActivity   `json:"recent_activity"`
}

// TrendPoint is the number of claims submitted on one day.
type TrendPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// ClaimsTrendResponse is returned by GET /api/dashboard/claims-trend.
type ClaimsTrendResponse struct {
	PeriodDays    int          `json:"period_days"`
	Trend         []TrendPoint `json:"trend"`
	TotalClaims   int          `json:"total_claims"`
	AveragePerDay float64      `json:"average_per_day"`
}

// ExpiringPolicy is one entry of the expiry alert list.
type ExpiringPolicy struct {
	PolicyID       string    `json:"policy_id"`
	Name           string    `json:"name,omitempty"`
	Version        string    `json:"version,omitempty"`
	ExpirationDate time.Time `json:"expiration_date"`
	DaysRemaining  int       `json:"days_remaining"`
	OpenClaims     int64     `json:"open_claims"`
}

// ExpiryAlertsResponse is returned by GET /api/dashboard/policy-expiry-alerts.
type ExpiryAlertsResponse struct {
	DaysAhead        int              `json:"days_ahead"`
	ExpiringPolicies []ExpiringPolicy `json:"expiring_policies"`
	TotalExpiring    int              `json:"total_expiring"`
}
