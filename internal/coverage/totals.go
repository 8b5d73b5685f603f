package coverage

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"claimcheck/internal/policy"
)

type bucketKey struct {
	clauseID string
	bucket   string
}

// RunningTotals tracks the amount consumed per clause and limit period bucket.
// One instance belongs to a single adjudication and is not safe for
// concurrent use.
type RunningTotals struct {
	used map[bucketKey]float64
}

// NewRunningTotals returns empty totals.
func NewRunningTotals() *RunningTotals {
	return &RunningTotals{used: make(map[bucketKey]float64)}
}

// Used returns the amount consumed in a bucket.
func (t *RunningTotals) Used(clauseID, bucket string) float64 {
	return t.used[bucketKey{clauseID, bucket}]
}

// Add records consumption against a bucket.
func (t *RunningTotals) Add(clauseID, bucket string, amount float64) {
	t.used[bucketKey{clauseID, bucket}] = roundCents(t.used[bucketKey{clauseID, bucket}] + amount)
}

// Snapshot returns the consumption keyed by "clause@bucket".
func (t *RunningTotals) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(t.used))
	for k, v := range t.used {
		out[k.clauseID+"@"+k.bucket] = v
	}
	return out
}

// Bucket names the limit period a line item falls into for the clause.
func Bucket(info policy.Info, clause policy.Clause, lineItemID string, serviceDate time.Time) string {
	switch clause.LimitPeriod {
	case policy.PeriodPerItem:
		return "item:" + lineItemID
	case policy.PeriodCalendarYear:
		if serviceDate.IsZero() {
			return "year:unknown"
		}
		return "year:" + strconv.Itoa(serviceDate.UTC().Year())
	case policy.PeriodPolicyYear:
		return fmt.Sprintf("policy_year:%d", policyYear(info.EffectiveDate, serviceDate))
	case policy.PeriodLifetime:
		return "lifetime"
	default:
		return "claim"
	}
}

// policyYear counts whole policy anniversaries between the effective date and
// the service date. Dates before the effective date fall in year 0.
func policyYear(effective, serviceDate time.Time) int {
	if effective.IsZero() || serviceDate.IsZero() || serviceDate.Before(effective) {
		return 0
	}
	years := serviceDate.Year() - effective.Year()
	if effective.AddDate(years, 0, 0).After(serviceDate) {
		years--
	}
	return years
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
