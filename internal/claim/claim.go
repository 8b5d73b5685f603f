package claim

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"claimcheck/internal/policy"
)

// LineItem is one billable component of a claim.
type LineItem struct {
	LineItemID  string            `json:"line_item_id"`
	Category    string            `json:"category"`
	Description string            `json:"description,omitempty"`
	Amount      float64           `json:"amount"`
	ServiceDate time.Time         `json:"service_date"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Facts returns the predicate view of the line item.
func (li LineItem) Facts() policy.Facts {
	return policy.Facts{
		Category:    li.Category,
		Amount:      li.Amount,
		ServiceDate: li.ServiceDate,
		Metadata:    li.Metadata,
	}
}

// Claim is a submitted request for payment under one policy.
type Claim struct {
	ClaimID        string     `json:"claim_id"`
	ClaimNumber    string     `json:"claim_number,omitempty"`
	PolicyID       string     `json:"policy_id"`
	ClaimantName   string     `json:"claimant_name,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	ResubmissionOf string     `json:"resubmission_of,omitempty"`
	LineItems      []LineItem `json:"line_items"`
}

// Total sums the claimed amounts.
func (c Claim) Total() float64 {
	var total float64
	for _, item := range c.LineItems {
		total += item.Amount
	}
	return total
}

// Categories returns the normalized line item categories in first-seen order.
func (c Claim) Categories() []string {
	var out []string
	seen := make(map[string]struct{}, len(c.LineItems))
	for _, item := range c.LineItems {
		cat := policy.NormalizeCategory(item.Category)
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	return out
}

// Clone returns a deep copy so callers can hand the claim to concurrent readers.
func (c Claim) Clone() Claim {
	out := c
	out.LineItems = make([]LineItem, len(c.LineItems))
	for i, item := range c.LineItems {
		if item.Metadata != nil {
			meta := make(map[string]string, len(item.Metadata))
			for k, v := range item.Metadata {
				meta[k] = v
			}
			item.Metadata = meta
		}
		out.LineItems[i] = item
	}
	return out
}

// Validate reports structural problems with the line items: missing or
// duplicate ids, blank categories, negative or non-finite amounts and missing
// service dates. All problems are joined into one error.
func (c Claim) Validate() error {
	var problems []error
	seen := make(map[string]struct{}, len(c.LineItems))
	for i, item := range c.LineItems {
		id := strings.TrimSpace(item.LineItemID)
		if id == "" {
			problems = append(problems, fmt.Errorf("line item %d has no id", i))
		} else if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Errorf("duplicate line item id %q", id))
		} else {
			seen[id] = struct{}{}
		}
		if policy.NormalizeCategory(item.Category) == "" {
			problems = append(problems, fmt.Errorf("line item %q has no category", id))
		}
		if math.IsNaN(item.Amount) || math.IsInf(item.Amount, 0) {
			problems = append(problems, fmt.Errorf("line item %q amount is not finite", id))
		} else if item.Amount < 0 {
			problems = append(problems, fmt.Errorf("line item %q has negative amount %.2f", id, item.Amount))
		}
		if item.ServiceDate.IsZero() {
			problems = append(problems, fmt.Errorf("line item %q has no service date", id))
		}
	}
	return errors.Join(problems...)
}
