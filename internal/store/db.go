package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned when a claim's status changed underneath a transition.
	ErrStatusConflict = errors.New("claim status changed concurrently")
)

// Database wraps the GORM DB handle and exposes repository helpers.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed database at the provided path.
func Open(path string, silent bool) (*Database, error) {
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Policy{}, &Claim{}, &Verdict{}, &StatusChange{}, &AmountSample{}, &JobState{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		logrus.WithError(err).Warn("set synchronous pragma")
	}
	if err := applyIndexes(db); err != nil {
		return nil, fmt.Errorf("apply indexes: %w", err)
	}
	return &Database{gorm: db}, nil
}

// GORM exposes the raw gorm.DB handle.
func (d *Database) GORM() *gorm.DB {
	return d.gorm
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func applyIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_claims_policy_status ON claims(policy_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_claims_submitted_at ON claims(submitted_at)",
		"CREATE INDEX IF NOT EXISTS idx_verdicts_claim_decided ON verdicts(claim_id, decided_at)",
		"CREATE INDEX IF NOT EXISTS idx_status_changes_claim_changed ON status_changes(claim_id, changed_at)",
		"CREATE INDEX IF NOT EXISTS idx_amount_samples_clause_category ON amount_samples(clause_id, category)",
		"CREATE INDEX IF NOT EXISTS idx_job_states_status_updated ON job_states(status, updated_at)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// UpsertPolicy inserts or replaces a policy document.
func (d *Database) UpsertPolicy(p *Policy) error {
	if p == nil {
		return errors.New("policy is nil")
	}
	p.PolicyID = strings.TrimSpace(p.PolicyID)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "policy_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "version", "effective_date", "expiration_date", "document_json",
			"hash", "clause_count", "exclusion_count", "updated_at",
		}),
	}).Create(p).Error
}

// GetPolicy retrieves a policy by ID.
func (d *Database) GetPolicy(policyID string) (*Policy, error) {
	var p Policy
	if err := d.gorm.Where("policy_id = ?", strings.TrimSpace(policyID)).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPolicies returns a paged set of policies ordered by ID.
func (d *Database) ListPolicies(offset, limit int) ([]Policy, int64, error) {
	var total int64
	if err := d.gorm.Model(&Policy{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q := d.gorm.Model(&Policy{}).Order("policy_id ASC")
	if limit > 0 {
		q = q.Offset(offset).Limit(limit)
	}
	var rows []Policy
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// CreateClaim inserts a claim together with its first status history entry.
func (d *Database) CreateClaim(c *Claim, reason string) error {
	if c == nil {
		return errors.New("claim is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return tx.Create(&StatusChange{
			ClaimID:   c.ClaimID,
			ToStatus:  c.Status,
			Reason:    reason,
			ChangedAt: time.Now().UTC(),
		}).Error
	})
}

// GetClaim retrieves a claim by ID.
func (d *Database) GetClaim(claimID string) (*Claim, error) {
	var c Claim
	if err := d.gorm.Where("claim_id = ?", strings.TrimSpace(claimID)).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ClaimNumberExists reports whether a claim number is already taken.
func (d *Database) ClaimNumberExists(number string) (bool, error) {
	var count int64
	if err := d.gorm.Model(&Claim{}).Where("claim_number = ?", number).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ClaimQuery encapsulates filters and pagination for listing claims.
type ClaimQuery struct {
	PolicyID string
	Status   string
	Query    string
	Sort     string
	Offset   int
	Limit    int
}

// ListClaims returns paginated claims applying optional filters.
func (d *Database) ListClaims(opts ClaimQuery) ([]Claim, int64, error) {
	base := d.gorm.Model(&Claim{})
	if id := strings.TrimSpace(opts.PolicyID); id != "" {
		base = base.Where("policy_id = ?", id)
	}
	if status := strings.TrimSpace(opts.Status); status != "" {
		base = base.Where("status = ?", strings.ToLower(status))
	}
	if opts.Query != "" {
		like := fmt.Sprintf("%%%s%%", opts.Query)
		base = base.Where("claim_number LIKE ? OR claimant_name LIKE ?", like, like)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	q := base.Order(orderForSort(opts.Sort)).Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var rows []Claim
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func orderForSort(sort string) string {
	switch strings.ToLower(strings.TrimSpace(sort)) {
	case "submitted_asc":
		return "claims.submitted_at ASC, claims.claim_id ASC"
	case "submitted_desc":
		return "claims.submitted_at DESC, claims.claim_id DESC"
	case "fraud_desc":
		return "claims.fraud_score DESC, claims.submitted_at DESC"
	case "amount_desc":
		return "claims.claimed_total DESC, claims.submitted_at DESC"
	case "created_asc":
		return "claims.created_at ASC"
	default:
		return "claims.created_at DESC, claims.claim_id DESC"
	}
}

// ClaimsForPolicy returns every claim of a policy in submission order.
func (d *Database) ClaimsForPolicy(policyID string) ([]Claim, error) {
	var rows []Claim
	if err := d.gorm.Where("policy_id = ?", policyID).Order("submitted_at ASC, claim_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateClaimStatus moves a claim from one status to another and records the
// change. The update only applies while the claim is still in from.
func (d *Database) UpdateClaimStatus(claimID, from, to, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		return updateStatus(tx, claimID, from, to, reason)
	})
}

// ApplyStatusPath walks a claim through consecutive statuses in one transaction.
func (d *Database) ApplyStatusPath(claimID string, path []string, reason string) error {
	if len(path) < 2 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		for i := 1; i < len(path); i++ {
			if err := updateStatus(tx, claimID, path[i-1], path[i], reason); err != nil {
				return err
			}
		}
		return nil
	})
}

func updateStatus(tx *gorm.DB, claimID, from, to, reason string) error {
	now := time.Now().UTC()
	res := tx.Model(&Claim{}).
		Where("claim_id = ? AND status = ?", claimID, from).
		Updates(map[string]any{"status": to, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&Claim{}).Where("claim_id = ?", claimID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return tx.Create(&StatusChange{
		ClaimID:    claimID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		ChangedAt:  now,
	}).Error
}

// StatusHistory returns the lifecycle history of a claim, oldest first.
func (d *Database) StatusHistory(claimID string) ([]StatusChange, error) {
	var rows []StatusChange
	if err := d.gorm.Where("claim_id = ?", claimID).Order("changed_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecordVerdict stores a verdict and refreshes the claim's verdict summary.
func (d *Database) RecordVerdict(v *Verdict) error {
	if v == nil {
		return errors.New("verdict is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(v).Error; err != nil {
			return err
		}
		decided := v.DecidedAt
		res := tx.Model(&Claim{}).Where("claim_id = ?", v.ClaimID).Updates(map[string]any{
			"approved_total":  v.ApprovedTotal,
			"claimed_total":   v.ClaimedTotal,
			"fraud_score":     v.FraudScore,
			"risk_level":      v.RiskLevel,
			"overall_status":  v.OverallStatus,
			"last_verdict_at": &decided,
			"updated_at":      time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListVerdicts returns all verdicts of a claim, newest first.
func (d *Database) ListVerdicts(claimID string) ([]Verdict, error) {
	var rows []Verdict
	if err := d.gorm.Where("claim_id = ?", claimID).Order("decided_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestVerdict returns the most recent verdict of a claim.
func (d *Database) LatestVerdict(claimID string) (*Verdict, error) {
	var v Verdict
	if err := d.gorm.Where("claim_id = ?", claimID).Order("decided_at DESC, id DESC").First(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// AppendAmountSamples stores historical amounts in batches.
func (d *Database) AppendAmountSamples(samples []AmountSample) error {
	if len(samples) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		// Batch insert to stay under the SQLite variable limit
		const batchSize = 250
		return tx.CreateInBatches(samples, batchSize).Error
	})
}

// ReplaceAmountSamples swaps the samples of one source with the provided slice.
func (d *Database) ReplaceAmountSamples(source string, samples []AmountSample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source = ?", source).Delete(&AmountSample{}).Error; err != nil {
			return err
		}
		if len(samples) == 0 {
			return nil
		}
		const batchSize = 250
		return tx.CreateInBatches(samples, batchSize).Error
	})
}

// CountAmountSamples returns the number of stored samples.
func (d *Database) CountAmountSamples() (int64, error) {
	var count int64
	if err := d.gorm.Model(&AmountSample{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// AmountsByClause returns the stored amounts for a clause.
func (d *Database) AmountsByClause(clauseID string) ([]float64, error) {
	var amounts []float64
	if err := d.gorm.Model(&AmountSample{}).Where("clause_id = ?", clauseID).Pluck("amount", &amounts).Error; err != nil {
		return nil, err
	}
	return amounts, nil
}

// AmountsByCategory returns the stored amounts for a normalized category.
func (d *Database) AmountsByCategory(category string) ([]float64, error) {
	var amounts []float64
	if err := d.gorm.Model(&AmountSample{}).Where("category = ?", category).Pluck("amount", &amounts).Error; err != nil {
		return nil, err
	}
	return amounts, nil
}

// SaveJobState upserts job metadata.
func (d *Database) SaveJobState(state *JobState) error {
	if state == nil {
		return errors.New("job state is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "message", "processed", "failed", "total", "last_event_json", "updated_at"}),
	}).Create(state).Error
}

// GetJobState retrieves a job by ID.
func (d *Database) GetJobState(jobID string) (*JobState, error) {
	var state JobState
	if err := d.gorm.Where("job_id = ?", jobID).First(&state).Error; err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

// MarkInterruptedJobs flags jobs left running by a previous process.
func (d *Database) MarkInterruptedJobs() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.gorm.Model(&JobState{}).
		Where("status IN ?", []string{"queued", "running"}).
		Updates(map[string]any{"status": "interrupted", "message": "server restarted", "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}
