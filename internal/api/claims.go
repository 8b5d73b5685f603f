package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
	"claimcheck/internal/scoring"
	"claimcheck/internal/store"
)

const claimNumberAttempts = 5

func (s *Server) handleSubmitClaim(c *gin.Context) {
	var req SubmitClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}

	domain, err := s.claimFromRequest(req)
	if err != nil {
		s.renderError(c, http.StatusUnprocessableEntity, err)
		return
	}
	if err := domain.Validate(); err != nil {
		s.renderError(c, http.StatusUnprocessableEntity, &adjudication.SetupError{
			Kind:     adjudication.ErrInvalidClaim,
			ClaimID:  domain.ClaimID,
			PolicyID: domain.PolicyID,
			Err:      err,
		})
		return
	}
	if _, err := s.db.GetPolicy(domain.PolicyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("policy %s not found", domain.PolicyID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	if domain.ResubmissionOf != "" {
		if _, err := s.db.GetClaim(domain.ResubmissionOf); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.renderError(c, http.StatusUnprocessableEntity, fmt.Errorf("resubmitted claim %s not found", domain.ResubmissionOf))
			} else {
				s.renderError(c, http.StatusInternalServerError, err)
			}
			return
		}
	}

	number, err := s.nextClaimNumber(domain.SubmittedAt)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	domain.ClaimNumber = number

	row := store.ClaimFromDomain(domain, claim.Submitted)
	if err := s.db.CreateClaim(row, "claim submitted"); err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"claim_id":     row.ClaimID,
		"claim_number": row.ClaimNumber,
		"policy_id":    row.PolicyID,
		"line_items":   len(domain.LineItems),
		"claimed":      row.ClaimedTotal,
	}).Info("claim submitted")
	s.notifier.Broadcast(Event{Type: EventStatus, ClaimID: row.ClaimID, PolicyID: row.PolicyID, Status: row.Status})

	c.JSON(http.StatusCreated, ClaimFromModel(*row))
}

// claimFromRequest converts the payload, assigning an ID and defaulting blank
// line item IDs and the submission time.
func (s *Server) claimFromRequest(req SubmitClaimRequest) (claim.Claim, error) {
	out := claim.Claim{
		ClaimID:        "clm_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		PolicyID:       strings.TrimSpace(req.PolicyID),
		ClaimantName:   strings.TrimSpace(req.ClaimantName),
		ResubmissionOf: strings.TrimSpace(req.ResubmissionOf),
		SubmittedAt:    s.clock().UTC(),
	}
	if raw := strings.TrimSpace(req.SubmittedAt); raw != "" {
		submitted, ok := parseTimestamp(raw)
		if !ok {
			return claim.Claim{}, fmt.Errorf("submitted_at %q is not a date", raw)
		}
		out.SubmittedAt = submitted
	}

	var problems []error
	out.LineItems = make([]claim.LineItem, 0, len(req.LineItems))
	for i, item := range req.LineItems {
		id := strings.TrimSpace(item.LineItemID)
		if id == "" {
			id = fmt.Sprintf("item-%d", i+1)
		}
		serviceDate, ok := policy.ParseDate(item.ServiceDate)
		if !ok {
			problems = append(problems, fmt.Errorf("line item %q service_date %q is not a date", id, item.ServiceDate))
		}
		var amount float64
		if item.Amount != nil {
			amount = *item.Amount
		}
		out.LineItems = append(out.LineItems, claim.LineItem{
			LineItemID:  id,
			Category:    item.Category,
			Description: item.Description,
			Amount:      amount,
			ServiceDate: serviceDate,
			Metadata:    item.Metadata,
		})
	}
	if len(problems) > 0 {
		return claim.Claim{}, errors.Join(problems...)
	}
	return out, nil
}

func parseTimestamp(raw string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return policy.ParseDate(raw)
}

// nextClaimNumber returns an unused CLM-<year>-XXXXXX number.
func (s *Server) nextClaimNumber(at time.Time) (string, error) {
	for i := 0; i < claimNumberAttempts; i++ {
		suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
		number := fmt.Sprintf("CLM-%d-%s", at.Year(), suffix)
		exists, err := s.db.ClaimNumberExists(number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
	}
	return "", errors.New("could not allocate a unique claim number")
}

func (s *Server) handleListClaims(c *gin.Context) {
	offset, limit := pageParams(c)
	status := strings.TrimSpace(c.Query("status"))
	if status != "" {
		if _, err := claim.ParseStatus(status); err != nil {
			s.renderError(c, http.StatusBadRequest, err)
			return
		}
	}
	rows, total, err := s.db.ListClaims(store.ClaimQuery{
		PolicyID: c.Query("policy_id"),
		Status:   status,
		Query:    strings.TrimSpace(c.Query("q")),
		Sort:     c.Query("sort"),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]ClaimDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, ClaimFromModel(row))
	}
	c.JSON(http.StatusOK, ClaimsResponse{Items: items, Total: total})
}

func (s *Server) handleGetClaim(c *gin.Context) {
	row, ok := s.loadClaim(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ClaimFromModel(*row))
}

func (s *Server) handleCancelClaim(c *gin.Context) {
	claimID := c.Param("id")
	lock := s.claimLock(claimID)
	lock.Lock()
	defer lock.Unlock()

	row, ok := s.loadClaim(c)
	if !ok {
		return
	}
	if err := claim.Transition(claim.Status(row.Status), claim.Cancelled); err != nil {
		s.renderFailure(c, err)
		return
	}
	if err := s.moveClaim(row, claim.Cancelled, firstNonEmpty(c.Query("reason"), "cancelled by request")); err != nil {
		s.renderFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, ClaimFromModel(*row))
}

func (s *Server) handleValidateClaim(c *gin.Context) {
	var req ValidateClaimRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.renderError(c, http.StatusBadRequest, err)
			return
		}
	}
	explain := true
	if req.Explain != nil {
		explain = *req.Explain
	}

	claimID := c.Param("id")
	lock := s.claimLock(claimID)
	lock.Lock()
	defer lock.Unlock()

	row, ok := s.loadClaim(c)
	if !ok {
		return
	}
	if err := s.moveClaim(row, claim.Validating, "validation requested"); err != nil {
		s.renderFailure(c, err)
		return
	}

	result, err := s.adjudicate(c.Request.Context(), row, "", explain)
	if err != nil {
		logrus.WithError(err).WithField("claim_id", row.ClaimID).Warn("adjudicate claim")
		s.renderFailure(c, err)
		return
	}

	outcome := outcomeStatus(result.Verdict)
	reason := fmt.Sprintf("verdict %s", result.Verdict.OverallStatus)
	if err := s.moveClaim(row, outcome, reason); err != nil {
		s.renderFailure(c, err)
		return
	}

	score := result.Verdict.FraudScore
	s.notifier.Broadcast(Event{
		Type:          EventVerdict,
		ClaimID:       row.ClaimID,
		PolicyID:      row.PolicyID,
		Status:        row.Status,
		OverallStatus: string(result.Verdict.OverallStatus),
		FraudScore:    &score,
	})

	c.JSON(http.StatusOK, ValidateClaimResponse{
		VerdictDTO: VerdictDTO{
			VerdictID:         result.Record.VerdictID,
			Verdict:           result.Verdict,
			Explanation:       result.Record.Explanation,
			ExplanationSource: result.Record.ExplanationSource,
			ProcessingTimeMs:  result.Record.ProcessingTimeMs,
		},
		ClaimStatus: row.Status,
	})
}

func (s *Server) handleClaimStatus(c *gin.Context) {
	row, ok := s.loadClaim(c)
	if !ok {
		return
	}
	history, err := s.db.StatusHistory(row.ClaimID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(row, history))
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	target, err := claim.ParseStatus(req.Status)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}

	claimID := c.Param("id")
	lock := s.claimLock(claimID)
	lock.Lock()
	defer lock.Unlock()

	row, ok := s.loadClaim(c)
	if !ok {
		return
	}
	if err := claim.Transition(claim.Status(row.Status), target); err != nil {
		s.renderFailure(c, err)
		return
	}
	if err := s.moveClaim(row, target, firstNonEmpty(req.Reason, "status updated")); err != nil {
		s.renderFailure(c, err)
		return
	}

	history, err := s.db.StatusHistory(row.ClaimID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(row, history))
}

func (s *Server) handleFraudReport(c *gin.Context) {
	row, ok := s.loadClaim(c)
	if !ok {
		return
	}
	record, err := s.db.LatestVerdict(row.ClaimID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("claim %s has not been adjudicated", row.ClaimID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	dto, err := VerdictFromModel(*record)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, fmt.Errorf("decode verdict: %w", err))
		return
	}

	v := dto.Verdict
	skipped := make([]string, 0)
	for _, sig := range v.Signals {
		if sig.Skipped {
			skipped = append(skipped, sig.Name)
		}
	}
	indicators := scoring.Indicators(v.Signals)
	if indicators == nil {
		indicators = []scoring.SignalResult{}
	}
	c.JSON(http.StatusOK, FraudReportResponse{
		ClaimID:               row.ClaimID,
		VerdictID:             record.VerdictID,
		FraudScore:            v.FraudScore,
		FraudThreshold:        v.FraudThreshold,
		RiskLevel:             v.RiskLevel,
		RequiresInvestigation: scoring.RequiresInvestigation(v.FraudScore, v.FraudThreshold),
		Recommendation:        scoring.Recommendation(v.FraudScore, v.FraudThreshold),
		Indicators:            indicators,
		Skipped:               skipped,
		DecidedAt:             v.DecidedAt,
	})
}

func (s *Server) handleListVerdicts(c *gin.Context) {
	row, ok := s.loadClaim(c)
	if !ok {
		return
	}
	records, err := s.db.ListVerdicts(row.ClaimID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	items := make([]VerdictDTO, 0, len(records))
	for _, record := range records {
		dto, err := VerdictFromModel(record)
		if err != nil {
			logrus.WithError(err).WithField("verdict_id", record.VerdictID).Warn("decode stored verdict")
			continue
		}
		items = append(items, dto)
	}
	c.JSON(http.StatusOK, gin.H{"claim_id": row.ClaimID, "items": items})
}

// loadClaim fetches the claim named by the :id parameter, rendering 404 when
// it does not exist.
func (s *Server) loadClaim(c *gin.Context) (*store.Claim, bool) {
	row, err := s.db.GetClaim(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("claim %s not found", c.Param("id")))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return row, true
}

// moveClaim walks the claim to target along the shortest valid chain of
// transitions and updates row in place. Callers hold the claim lock.
func (s *Server) moveClaim(row *store.Claim, target claim.Status, reason string) error {
	current := claim.Status(row.Status)
	path := claim.PathTo(current, target)
	if path == nil {
		return &claim.TransitionError{From: current, To: target}
	}
	if len(path) == 0 {
		return nil
	}
	steps := make([]string, 0, len(path)+1)
	steps = append(steps, string(current))
	for _, st := range path {
		steps = append(steps, string(st))
	}
	if err := s.db.ApplyStatusPath(row.ClaimID, steps, reason); err != nil {
		return err
	}
	row.Status = string(target)

	logrus.WithFields(logrus.Fields{
		"claim_id": row.ClaimID,
		"from":     current,
		"to":       target,
		"steps":    len(path),
	}).Info("claim status changed")
	s.notifier.Broadcast(Event{Type: EventStatus, ClaimID: row.ClaimID, PolicyID: row.PolicyID, Status: row.Status})
	return nil
}

func statusResponse(row *store.Claim, history []store.StatusChange) ClaimStatusResponse {
	status := claim.Status(row.Status)
	entries := make([]StatusChangeDTO, 0, len(history))
	for _, h := range history {
		entries = append(entries, StatusChangeDTO{From: h.FromStatus, To: h.ToStatus, Reason: h.Reason, ChangedAt: h.ChangedAt})
	}
	next := status.Next()
	if next == nil {
		next = []claim.Status{}
	}
	return ClaimStatusResponse{
		ClaimID:     row.ClaimID,
		ClaimNumber: row.ClaimNumber,
		Status:      row.Status,
		Description: status.Description(),
		Terminal:    status.Terminal(),
		Next:        next,
		Progress:    claim.ProgressOf(status),
		History:     entries,
	}
}
