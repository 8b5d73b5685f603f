package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"claimcheck/internal/claim"
	"claimcheck/internal/scoring"
	"claimcheck/internal/store"
)

// pendingStatuses are the lifecycle states awaiting a decision.
var pendingStatuses = []claim.Status{
	claim.Draft, claim.Submitted, claim.UnderReview,
	claim.PendingDocuments, claim.PendingInfo, claim.Validating,
}

func (s *Server) handleDashboardStats(c *gin.Context) {
	pending := make([]string, len(pendingStatuses))
	for i, st := range pendingStatuses {
		pending[i] = string(st)
	}
	stats, err := s.db.ClaimStats(store.StatsQuery{
		Now:             s.clock(),
		PendingStatuses: pending,
		FlaggedStatus:   string(claim.FlaggedFraud),
		HighRiskLevels:  []string{scoring.RiskHigh, scoring.RiskCritical},
	})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	byStatus := make(map[string]int64, len(claim.Statuses()))
	for _, st := range claim.Statuses() {
		byStatus[string(st)] = stats.ByStatus[string(st)]
	}
	financials := FinancialStats{
		TotalClaimed:  roundCents(stats.TotalClaimed),
		TotalApproved: roundCents(stats.TotalApproved),
		TotalDenied:   roundCents(stats.TotalClaimed - stats.TotalApproved),
	}
	if stats.AdjudicatedClaims > 0 {
		financials.AverageClaim = roundCents(stats.TotalClaimed / float64(stats.AdjudicatedClaims))
		financials.ApprovalRate = roundRatio(float64(stats.ApprovedClaims) / float64(stats.AdjudicatedClaims))
	}

	c.JSON(http.StatusOK, DashboardStatsResponse{
		Overview: OverviewStats{
			TotalPolicies:  stats.TotalPolicies,
			ActivePolicies: stats.ActivePolicies,
			TotalClaims:    stats.TotalClaims,
			PendingClaims:  stats.PendingClaims,
		},
		ClaimsByStatus:  byStatus,
		ClaimsByOutcome: stats.ByOverallStatus,
		Financials:      financials,
		FraudMetrics: FraudMetrics{
			TotalFlagged:      stats.FlaggedClaims,
			AverageFraudScore: roundRatio(stats.AverageFraudScore),
			HighRiskClaims:    stats.HighRiskClaims,
		},
		RecentActivity: RecentActivity{
			ClaimsToday:       stats.ClaimsToday,
			ClaimsThisWeek:    stats.ClaimsThisWeek,
			PoliciesThisMonth: stats.PoliciesThisMonth,
		},
	})
}

func (s *Server) handleRecentClaims(c *gin.Context) {
	limit, err := boundedQuery(c, "limit", 5, 1, 20)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	rows, _, err := s.db.ListClaims(store.ClaimQuery{Sort: "submitted_desc", Limit: limit})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]ClaimDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, ClaimFromModel(row))
	}
	c.JSON(http.StatusOK, gin.H{"claims": items})
}

func (s *Server) handleClaimsTrend(c *gin.Context) {
	days, err := boundedQuery(c, "days", 30, 7, 90)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	first := startOfDay(s.clock()).AddDate(0, 0, -(days - 1))
	times, err := s.db.SubmissionTimes(first)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	counts := make(map[string]int, days)
	for _, t := range times {
		counts[t.UTC().Format("2006-01-02")]++
	}
	resp := ClaimsTrendResponse{PeriodDays: days, Trend: make([]TrendPoint, 0, days)}
	for i := 0; i < days; i++ {
		day := first.AddDate(0, 0, i).Format("2006-01-02")
		resp.Trend = append(resp.Trend, TrendPoint{Date: day, Count: counts[day]})
		resp.TotalClaims += counts[day]
	}
	resp.AveragePerDay = roundRatio(float64(resp.TotalClaims) / float64(days))
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExpiryAlerts(c *gin.Context) {
	daysAhead, err := boundedQuery(c, "days_ahead", 30, 7, 90)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	today := startOfDay(s.clock())
	rows, err := s.db.ExpiringPolicies(today, today.AddDate(0, 0, daysAhead))
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	resp := ExpiryAlertsResponse{DaysAhead: daysAhead, ExpiringPolicies: make([]ExpiringPolicy, 0, len(rows))}
	for _, row := range rows {
		open, err := s.db.CountClaimsForPolicy(row.PolicyID, terminalStatuses())
		if err != nil {
			s.renderError(c, http.StatusInternalServerError, err)
			return
		}
		exp := row.ExpirationDate.UTC()
		resp.ExpiringPolicies = append(resp.ExpiringPolicies, ExpiringPolicy{
			PolicyID:       row.PolicyID,
			Name:           row.Name,
			Version:        row.Version,
			ExpirationDate: exp,
			DaysRemaining:  int(startOfDay(exp).Sub(today).Hours() / 24),
			OpenClaims:     open,
		})
	}
	resp.TotalExpiring = len(resp.ExpiringPolicies)
	c.JSON(http.StatusOK, resp)
}

// boundedQuery reads an integer query parameter, defaulting when absent.
func boundedQuery(c *gin.Context, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundRatio(v float64) float64 {
	return math.Round(v*1000) / 1000
}
