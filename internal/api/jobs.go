package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"claimcheck/internal/claim"
	"claimcheck/internal/store"
	"claimcheck/internal/util"
)

const progressThrottle = 500 * time.Millisecond

// Job states persisted in store.JobState.
const (
	jobRunning   = "running"
	jobCompleted = "completed"
	jobCancelled = "cancelled"
	jobFailed    = "failed"
)

// readjudicationJob tracks a running re-adjudication of one policy's claims.
type readjudicationJob struct {
	id        string
	policyID  string
	cancel    context.CancelFunc
	startedAt time.Time
	total     int64
}

type claimOutcome struct {
	ClaimID string
	Status  string
	Score   float64
	Skipped bool
	Err     error
}

func (s *Server) handleReadjudicate(c *gin.Context) {
	policyID := c.Param("id")
	if _, err := s.db.GetPolicy(policyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("policy %s not found", policyID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}

	rows, err := s.db.ClaimsForPolicy(policyID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	claimIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if claim.Status(row.Status).Terminal() {
			continue
		}
		claimIDs = append(claimIDs, row.ClaimID)
	}

	job, err := s.startReadjudication(policyID, claimIDs)
	if err != nil {
		s.renderError(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, ReadjudicateResponse{
		JobID:     job.id,
		PolicyID:  job.policyID,
		Total:     job.total,
		StartedAt: job.startedAt,
	})
}

// startReadjudication registers and launches a job. Only one job per policy
// runs at a time.
func (s *Server) startReadjudication(policyID string, claimIDs []string) (*readjudicationJob, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	for _, running := range s.jobs {
		if running.policyID == policyID {
			return nil, fmt.Errorf("re-adjudication %s already running for policy %s", running.id, policyID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &readjudicationJob{
		id:        "job_" + uuid.NewString(),
		policyID:  policyID,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
		total:     int64(len(claimIDs)),
	}
	if err := s.db.SaveJobState(&store.JobState{
		JobID:    job.id,
		PolicyID: policyID,
		Status:   jobRunning,
		Message:  "re-adjudication started",
		Total:    job.total,
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("save job state: %w", err)
	}

	s.jobs[job.id] = job
	s.jobWG.Add(1)
	go s.runReadjudication(ctx, job, claimIDs)
	return job, nil
}

func (s *Server) runReadjudication(ctx context.Context, job *readjudicationJob, claimIDs []string) {
	var (
		processed int
		failed    int
		status    = jobCompleted
		message   = "re-adjudication completed"
	)
	timer := util.StartTimer()
	defer s.jobWG.Done()

	defer func() {
		event := Event{
			Type:      EventCompleted,
			JobID:     job.id,
			PolicyID:  job.policyID,
			Total:     job.total,
			Processed: processed,
			Failed:    failed,
			Message:   message,
		}
		switch status {
		case jobCancelled:
			event.Type = EventCancelled
		case jobFailed:
			event.Type = EventError
		}
		s.jobMu.Lock()
		delete(s.jobs, job.id)
		s.jobMu.Unlock()
		job.cancel()

		s.saveJobProgress(job, status, message, processed, failed, event)
		s.notifier.Broadcast(event)

		logrus.WithFields(logrus.Fields{
			"job":         job.id,
			"policy_id":   job.policyID,
			"status":      status,
			"processed":   processed,
			"failed":      failed,
			"duration_ms": timer.ElapsedMs(),
		}).Info("re-adjudication job finished")
	}()

	s.notifier.Broadcast(Event{
		Type:     EventStarted,
		JobID:    job.id,
		PolicyID: job.policyID,
		Total:    job.total,
		Message:  "re-adjudication started",
	})

	workerCount := s.jobWorkers
	if workerCount <= 0 {
		workerCount = util.WorkerCount(len(claimIDs))
	}
	logrus.WithFields(logrus.Fields{
		"job":       job.id,
		"policy_id": job.policyID,
		"claims":    len(claimIDs),
		"workers":   workerCount,
	}).Info("re-adjudication job started")

	taskCh := make(chan string, workerCount*4)
	resultCh := make(chan claimOutcome, workerCount*4)

	var workerWG sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for claimID := range taskCh {
				if ctx.Err() != nil {
					return
				}
				res := s.readjudicateClaim(ctx, job, claimID)
				select {
				case resultCh <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		workerWG.Wait()
		close(resultCh)
	}()

	go func() {
		defer close(taskCh)
		for _, id := range claimIDs {
			select {
			case taskCh <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		lastEmit   time.Time
		hasPending bool
		pending    Event
	)
	flush := func(force bool) {
		if !hasPending {
			return
		}
		if !force && !lastEmit.IsZero() && time.Since(lastEmit) < progressThrottle {
			return
		}
		s.notifier.Broadcast(pending)
		s.saveJobProgress(job, jobRunning, "re-adjudication running", processed, failed, pending)
		lastEmit = time.Now()
		hasPending = false
	}

	for res := range resultCh {
		if res.Err != nil {
			if ctx.Err() != nil {
				continue
			}
			failed++
			logrus.WithError(res.Err).WithFields(logrus.Fields{
				"job":      job.id,
				"claim_id": res.ClaimID,
			}).Warn("re-adjudicate claim")
		} else if !res.Skipped {
			processed++
		}

		event := Event{
			Type:      EventProgress,
			JobID:     job.id,
			PolicyID:  job.policyID,
			ClaimID:   res.ClaimID,
			Total:     job.total,
			Processed: processed,
			Failed:    failed,
		}
		if res.Err == nil && !res.Skipped {
			score := res.Score
			event.Type = EventVerdict
			event.OverallStatus = res.Status
			event.FraudScore = &score
		}
		pending = event
		hasPending = true
		flush(false)
	}
	flush(true)

	if ctx.Err() != nil {
		status = jobCancelled
		message = "re-adjudication cancelled"
		logrus.WithField("job", job.id).Warn("re-adjudication job cancelled via context")
		return
	}
	if failed > 0 && processed == 0 {
		status = jobFailed
		message = fmt.Sprintf("all %d claims failed", failed)
		return
	}
	if failed > 0 {
		message = fmt.Sprintf("re-adjudication completed with %d failures", failed)
	}
}

// readjudicateClaim records a fresh verdict for one claim without moving its
// lifecycle status. Claims that became terminal since the job started are
// skipped.
func (s *Server) readjudicateClaim(ctx context.Context, job *readjudicationJob, claimID string) claimOutcome {
	lock := s.claimLock(claimID)
	lock.Lock()
	defer lock.Unlock()

	row, err := s.db.GetClaim(claimID)
	if err != nil {
		return claimOutcome{ClaimID: claimID, Err: err}
	}
	if claim.Status(row.Status).Terminal() {
		return claimOutcome{ClaimID: claimID, Skipped: true}
	}
	result, err := s.adjudicate(ctx, row, job.id, false)
	if err != nil {
		return claimOutcome{ClaimID: claimID, Err: err}
	}
	return claimOutcome{
		ClaimID: claimID,
		Status:  string(result.Verdict.OverallStatus),
		Score:   result.Verdict.FraudScore,
	}
}

func (s *Server) saveJobProgress(job *readjudicationJob, status, message string, processed, failed int, last Event) {
	payload, _ := json.Marshal(last)
	if err := s.db.SaveJobState(&store.JobState{
		JobID:         job.id,
		PolicyID:      job.policyID,
		Status:        status,
		Message:       message,
		Processed:     processed,
		Failed:        failed,
		Total:         job.total,
		LastEventJSON: string(payload),
	}); err != nil {
		logrus.WithError(err).WithField("job", job.id).Warn("save job state")
	}
}

func (s *Server) handleJobStatus(c *gin.Context) {
	jobID := c.Param("id")
	state, err := s.db.GetJobState(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	s.jobMu.Lock()
	_, running := s.jobs[jobID]
	s.jobMu.Unlock()
	c.JSON(http.StatusOK, JobFromModel(*state, running))
}

func (s *Server) handleCancelJob(c *gin.Context) {
	jobID := c.Param("id")
	s.jobMu.Lock()
	job, running := s.jobs[jobID]
	s.jobMu.Unlock()
	if running {
		job.cancel()
		logrus.WithField("job", jobID).Info("re-adjudication cancellation requested")
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "cancelling"})
		return
	}

	state, err := s.db.GetJobState(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}
	s.renderError(c, http.StatusConflict, fmt.Errorf("job %s is %s", jobID, state.Status))
}
