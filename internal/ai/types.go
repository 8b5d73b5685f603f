package ai

// Recommendations an explainer may return.
const (
	RecommendApprove     = "APPROVE"
	RecommendPartial     = "APPROVE_PARTIAL"
	RecommendDeny        = "DENY"
	RecommendReview      = "REVIEW"
	RecommendInvestigate = "INVESTIGATE"
)

// Decision captures the structured narrative returned by an explainer.
type Decision struct {
	Narrative      string   `json:"narrative"`
	Recommendation string   `json:"recommendation"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Source         string   `json:"-"`
}
