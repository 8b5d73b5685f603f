package claim

// LineItemStatus classifies the outcome for one line item.
type LineItemStatus string

const (
	StatusCovered          LineItemStatus = "covered"
	StatusExcluded         LineItemStatus = "excluded"
	StatusNoMatchingClause LineItemStatus = "no_matching_clause"
	StatusLimitExceeded    LineItemStatus = "limit_exceeded"
)

// Payable reports whether the status can carry a non-zero approved amount.
func (s LineItemStatus) Payable() bool {
	return s == StatusCovered || s == StatusLimitExceeded
}

// LineItemResult is the adjudicated outcome of one line item.
type LineItemResult struct {
	LineItemID          string         `json:"line_item_id"`
	Category            string         `json:"category"`
	Status              LineItemStatus `json:"status"`
	MatchedClauseID     string         `json:"matched_clause_id,omitempty"`
	MatchedExclusionID  string         `json:"matched_exclusion_id,omitempty"`
	MatchedExclusionIDs []string       `json:"matched_exclusion_ids,omitempty"`
	MatchConfidence     float64        `json:"match_confidence"`
	ClaimedAmount       float64        `json:"claimed_amount"`
	ApprovedAmount      float64        `json:"approved_amount"`
	DeductibleApplied   float64        `json:"deductible_applied,omitempty"`
	CopayApplied        float64        `json:"copay_applied,omitempty"`
	Detail              string         `json:"detail,omitempty"`
}

// Clone copies the result including its exclusion id slice.
func (r LineItemResult) Clone() LineItemResult {
	if r.MatchedExclusionIDs != nil {
		r.MatchedExclusionIDs = append([]string(nil), r.MatchedExclusionIDs...)
	}
	return r
}
