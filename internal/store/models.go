package store

import (
	"encoding/json"
	"strings"
	"time"

	"claimcheck/internal/claim"
)

// Policy is a stored policy document. The graph is rebuilt from DocumentJSON
// on load so only documents that validated are ever persisted.
type Policy struct {
	PolicyID       string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"size:255"`
	Version        string `gorm:"size:64"`
	EffectiveDate  time.Time
	ExpirationDate *time.Time
	DocumentJSON   string `gorm:"type:text"`
	Hash           string `gorm:"size:80;index"`
	ClauseCount    int
	ExclusionCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Claim is the persisted claim record with its lifecycle status and the
// summary of its latest verdict.
type Claim struct {
	ClaimID        string `gorm:"primaryKey;size:64"`
	ClaimNumber    string `gorm:"size:32;uniqueIndex"`
	PolicyID       string `gorm:"size:64;index"`
	ClaimantName   string `gorm:"size:255"`
	Status         string `gorm:"size:32;index"`
	ResubmissionOf string `gorm:"size:64"`
	SubmittedAt    time.Time
	LineItemsJSON  string `gorm:"type:text"`
	ClaimedTotal   float64
	ApprovedTotal  float64
	FraudScore     float64
	RiskLevel      string `gorm:"size:16"`
	OverallStatus  string `gorm:"size:32"`
	LastVerdictAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SetLineItems persists the line items as JSON.
func (c *Claim) SetLineItems(items []claim.LineItem) {
	if items == nil {
		c.LineItemsJSON = "[]"
		return
	}
	payload, _ := json.Marshal(items)
	c.LineItemsJSON = string(payload)
}

// LineItems returns the decoded line items.
func (c *Claim) LineItems() []claim.LineItem {
	if strings.TrimSpace(c.LineItemsJSON) == "" {
		return nil
	}
	var out []claim.LineItem
	if err := json.Unmarshal([]byte(c.LineItemsJSON), &out); err != nil {
		return nil
	}
	return out
}

// Domain converts the record into the engine's claim type.
func (c *Claim) Domain() claim.Claim {
	return claim.Claim{
		ClaimID:        c.ClaimID,
		ClaimNumber:    c.ClaimNumber,
		PolicyID:       c.PolicyID,
		ClaimantName:   c.ClaimantName,
		SubmittedAt:    c.SubmittedAt,
		ResubmissionOf: c.ResubmissionOf,
		LineItems:      c.LineItems(),
	}
}

// ClaimFromDomain builds a record for a new claim.
func ClaimFromDomain(c claim.Claim, status claim.Status) *Claim {
	row := &Claim{
		ClaimID:        c.ClaimID,
		ClaimNumber:    c.ClaimNumber,
		PolicyID:       c.PolicyID,
		ClaimantName:   c.ClaimantName,
		Status:         string(status),
		ResubmissionOf: c.ResubmissionOf,
		SubmittedAt:    c.SubmittedAt,
		ClaimedTotal:   c.Total(),
	}
	row.SetLineItems(c.LineItems)
	return row
}

// Verdict stores one adjudication outcome. VerdictJSON holds the full
// verdict; the narrative lives beside it, never inside it.
type Verdict struct {
	ID                uint   `gorm:"primaryKey"`
	VerdictID         string `gorm:"size:64;uniqueIndex"`
	ClaimID           string `gorm:"size:64;index"`
	PolicyID          string `gorm:"size:64;index"`
	PolicyVersion     string `gorm:"size:64"`
	JobID             string `gorm:"size:64;index"`
	OverallStatus     string `gorm:"size:32;index"`
	FraudScore        float64
	RiskLevel         string `gorm:"size:16"`
	ClaimedTotal      float64
	ApprovedTotal     float64
	VerdictJSON       string `gorm:"type:text"`
	Explanation       string `gorm:"type:text"`
	ExplanationSource string `gorm:"size:32"`
	ProcessingTimeMs  int64
	DecidedAt         time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

// StatusChange is one entry of a claim's lifecycle history.
type StatusChange struct {
	ID         uint   `gorm:"primaryKey"`
	ClaimID    string `gorm:"size:64;index"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	Reason     string `gorm:"size:255"`
	ChangedAt  time.Time
}

// AmountSample is a historical claimed amount used for outlier statistics.
type AmountSample struct {
	ID         uint    `gorm:"primaryKey"`
	ClauseID   string  `gorm:"size:64;index"`
	Category   string  `gorm:"size:64;index"`
	Amount     float64 `gorm:"not null"`
	ObservedAt time.Time
	Source     string    `gorm:"size:64"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// JobState persists re-adjudication job metadata across restarts.
type JobState struct {
	JobID         string `gorm:"primaryKey;size:64"`
	PolicyID      string `gorm:"size:64;index"`
	Status        string `gorm:"size:32;index"`
	Message       string `gorm:"size:255"`
	Processed     int
	Failed        int
	Total         int64
	LastEventJSON string `gorm:"type:text"`
	UpdatedAt     time.Time
	CreatedAt     time.Time
}
