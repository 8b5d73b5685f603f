package store

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrPolicyInUse is returned when a policy still has open claims.
var ErrPolicyInUse = errors.New("policy has open claims")

// StatsQuery parameterizes the dashboard aggregates.
type StatsQuery struct {
	Now             time.Time
	PendingStatuses []string
	FlaggedStatus   string
	HighRiskLevels  []string
}

// ClaimStats is the aggregate view behind the dashboard.
type ClaimStats struct {
	TotalPolicies     int64
	ActivePolicies    int64
	PoliciesThisMonth int64

	TotalClaims     int64
	PendingClaims   int64
	ClaimsToday     int64
	ClaimsThisWeek  int64
	ByStatus        map[string]int64
	ByOverallStatus map[string]int64

	AdjudicatedClaims int64
	ApprovedClaims    int64
	TotalClaimed      float64
	TotalApproved     float64
	FlaggedClaims     int64
	HighRiskClaims    int64
	AverageFraudScore float64
}

type statusCount struct {
	Status string
	Count  int64
}

type verdictTotals struct {
	Decided  int64
	Claimed  float64
	Approved float64
	AvgFraud float64
}

// ClaimStats computes dashboard aggregates in a handful of grouped queries.
func (d *Database) ClaimStats(q StatsQuery) (*ClaimStats, error) {
	now := q.Now.UTC()
	if q.Now.IsZero() {
		now = time.Now().UTC()
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats := &ClaimStats{ByStatus: make(map[string]int64), ByOverallStatus: make(map[string]int64)}

	if err := d.gorm.Model(&Policy{}).Count(&stats.TotalPolicies).Error; err != nil {
		return nil, err
	}
	if err := d.gorm.Model(&Policy{}).
		Where("effective_date <= ? AND (expiration_date IS NULL OR expiration_date >= ?)", now, today).
		Count(&stats.ActivePolicies).Error; err != nil {
		return nil, err
	}
	if err := d.gorm.Model(&Policy{}).Where("created_at >= ?", now.AddDate(0, 0, -30)).Count(&stats.PoliciesThisMonth).Error; err != nil {
		return nil, err
	}

	var byStatus []statusCount
	if err := d.gorm.Model(&Claim{}).Select("status, COUNT(*) AS count").Group("status").Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	pending := make(map[string]struct{}, len(q.PendingStatuses))
	for _, st := range q.PendingStatuses {
		pending[st] = struct{}{}
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Status] = row.Count
		stats.TotalClaims += row.Count
		if _, ok := pending[row.Status]; ok {
			stats.PendingClaims += row.Count
		}
	}
	stats.FlaggedClaims = stats.ByStatus[q.FlaggedStatus]

	var byOverall []statusCount
	if err := d.gorm.Model(&Claim{}).
		Select("overall_status AS status, COUNT(*) AS count").
		Where("last_verdict_at IS NOT NULL").
		Group("overall_status").Scan(&byOverall).Error; err != nil {
		return nil, err
	}
	for _, row := range byOverall {
		stats.ByOverallStatus[row.Status] = row.Count
	}

	var totals verdictTotals
	if err := d.gorm.Model(&Claim{}).
		Select("COUNT(*) AS decided, COALESCE(SUM(claimed_total), 0) AS claimed, COALESCE(SUM(approved_total), 0) AS approved, COALESCE(AVG(fraud_score), 0) AS avg_fraud").
		Where("last_verdict_at IS NOT NULL").
		Scan(&totals).Error; err != nil {
		return nil, err
	}
	stats.AdjudicatedClaims = totals.Decided
	stats.TotalClaimed = totals.Claimed
	stats.TotalApproved = totals.Approved
	stats.AverageFraudScore = totals.AvgFraud

	if err := d.gorm.Model(&Claim{}).Where("approved_total > 0").Count(&stats.ApprovedClaims).Error; err != nil {
		return nil, err
	}
	if len(q.HighRiskLevels) > 0 {
		if err := d.gorm.Model(&Claim{}).Where("risk_level IN ?", q.HighRiskLevels).Count(&stats.HighRiskClaims).Error; err != nil {
			return nil, err
		}
	}
	if err := d.gorm.Model(&Claim{}).Where("submitted_at >= ?", today).Count(&stats.ClaimsToday).Error; err != nil {
		return nil, err
	}
	if err := d.gorm.Model(&Claim{}).Where("submitted_at >= ?", today.AddDate(0, 0, -6)).Count(&stats.ClaimsThisWeek).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// SubmissionTimes returns the submission times of claims submitted at or
// after since, oldest first.
func (d *Database) SubmissionTimes(since time.Time) ([]time.Time, error) {
	var times []time.Time
	if err := d.gorm.Model(&Claim{}).
		Where("submitted_at >= ?", since.UTC()).
		Order("submitted_at ASC").
		Pluck("submitted_at", &times).Error; err != nil {
		return nil, err
	}
	return times, nil
}

// ExpiringPolicies returns policies whose expiration date falls within
// [from, to], soonest first.
func (d *Database) ExpiringPolicies(from, to time.Time) ([]Policy, error) {
	var rows []Policy
	if err := d.gorm.
		Where("expiration_date IS NOT NULL AND expiration_date >= ? AND expiration_date <= ?", from.UTC(), to.UTC()).
		Order("expiration_date ASC, policy_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountClaimsForPolicy counts a policy's claims, optionally excluding some
// statuses.
func (d *Database) CountClaimsForPolicy(policyID string, exceptStatuses []string) (int64, error) {
	q := d.gorm.Model(&Claim{}).Where("policy_id = ?", strings.TrimSpace(policyID))
	if len(exceptStatuses) > 0 {
		q = q.Where("status NOT IN ?", exceptStatuses)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeletePolicy removes a policy. It fails with ErrPolicyInUse while any claim
// outside closedStatuses still references it. Claims in closed statuses and
// their verdicts are kept as history.
func (d *Database) DeletePolicy(policyID string, closedStatuses []string) error {
	policyID = strings.TrimSpace(policyID)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&Claim{}).Where("policy_id = ?", policyID)
		if len(closedStatuses) > 0 {
			q = q.Where("status NOT IN ?", closedStatuses)
		}
		var open int64
		if err := q.Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrPolicyInUse
		}
		res := tx.Where("policy_id = ?", policyID).Delete(&Policy{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
