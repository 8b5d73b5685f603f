package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/ai"
	"claimcheck/internal/claim"
	"claimcheck/internal/scoring"
	"claimcheck/internal/store"
	"claimcheck/internal/util"
)

const explainTimeout = 30 * time.Second

// sourceVerdict tags amount samples taken from adjudicated claims.
const sourceVerdict = "verdict"

type adjudicationResult struct {
	Record  store.Verdict
	Verdict adjudication.Verdict
}

// adjudicate runs the workflow for a stored claim and records the verdict.
// The lifecycle status is left to the caller.
func (s *Server) adjudicate(ctx context.Context, row *store.Claim, jobID string, explain bool) (adjudicationResult, error) {
	timer := util.StartTimer()
	graph, err := s.graph(row.PolicyID)
	if err != nil {
		return adjudicationResult{}, err
	}

	domain := row.Domain()
	fraud, err := s.history.BuildFraudContext(domain, graph)
	if err != nil {
		logrus.WithError(err).WithField("claim_id", row.ClaimID).Warn("build fraud context, history signals will be skipped")
		fraud = scoring.FraudContext{}
	}

	verdict, err := adjudication.Adjudicate(ctx, graph, domain, fraud,
		adjudication.WithEngine(s.engine),
		adjudication.WithClock(s.clock),
	)
	if err != nil {
		return adjudicationResult{}, err
	}

	payload, err := json.Marshal(verdict)
	if err != nil {
		return adjudicationResult{}, fmt.Errorf("encode verdict: %w", err)
	}

	record := store.Verdict{
		VerdictID:     "vrd_" + uuid.NewString(),
		ClaimID:       verdict.ClaimID,
		PolicyID:      verdict.PolicyID,
		PolicyVersion: verdict.PolicyVersion,
		JobID:         jobID,
		OverallStatus: string(verdict.OverallStatus),
		FraudScore:    verdict.FraudScore,
		RiskLevel:     verdict.RiskLevel,
		ClaimedTotal:  verdict.ClaimedTotal,
		ApprovedTotal: verdict.ApprovedTotal,
		VerdictJSON:   string(payload),
		DecidedAt:     verdict.DecidedAt,
	}
	if explain {
		record.Explanation, record.ExplanationSource = s.explain(ctx, row, verdict)
	}
	record.ProcessingTimeMs = timer.ElapsedMs()

	if err := s.db.RecordVerdict(&record); err != nil {
		return adjudicationResult{}, fmt.Errorf("record verdict: %w", err)
	}

	if row.LastVerdictAt == nil {
		if err := s.history.Record(verdict.LineItemResults, row.SubmittedAt, sourceVerdict); err != nil {
			logrus.WithError(err).WithField("claim_id", row.ClaimID).Warn("record amount samples")
		}
	}

	logrus.WithFields(logrus.Fields{
		"claim_id":       row.ClaimID,
		"policy_id":      row.PolicyID,
		"job_id":         jobID,
		"overall_status": verdict.OverallStatus,
		"fraud_score":    verdict.FraudScore,
		"approved_total": verdict.ApprovedTotal,
		"duration_ms":    record.ProcessingTimeMs,
	}).Info("claim adjudicated")

	return adjudicationResult{Record: record, Verdict: verdict}, nil
}

// explain asks the explainer for a narrative. Failures leave the verdict
// without one.
func (s *Server) explain(ctx context.Context, row *store.Claim, verdict adjudication.Verdict) (string, string) {
	if s.explainer == nil || !s.explainer.Enabled() {
		return "", ""
	}
	ctx, cancel := context.WithTimeout(ctx, explainTimeout)
	defer cancel()

	decision, err := s.explainer.Explain(ctx, ai.ExplanationInput{
		Verdict:      verdict,
		ClaimNumber:  row.ClaimNumber,
		ClaimantName: row.ClaimantName,
		Indicators:   scoring.Indicators(verdict.Signals),
	})
	if err != nil {
		logrus.WithError(err).WithField("claim_id", row.ClaimID).Warn("explain verdict")
		return "", ""
	}
	return decision.Narrative, decision.Source
}

// outcomeStatus maps a verdict onto the lifecycle status that follows
// validation.
func outcomeStatus(v adjudication.Verdict) claim.Status {
	switch v.OverallStatus {
	case adjudication.Approved:
		return claim.Approved
	case adjudication.Denied:
		return claim.Denied
	default:
		if scoring.RequiresInvestigation(v.FraudScore, v.FraudThreshold) {
			return claim.FlaggedFraud
		}
		return claim.PartiallyApproved
	}
}
