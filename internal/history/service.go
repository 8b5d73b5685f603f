package history

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"claimcheck/internal/claim"
	"claimcheck/internal/policy"
	"claimcheck/internal/scoring"
	"claimcheck/internal/store"
)

// SourceCSV tags samples imported from a CSV file.
const SourceCSV = "csv"

// Service assembles fraud context snapshots from the store.
type Service struct {
	db      *store.Database
	cache   map[string]scoring.AmountStats
	cacheMu sync.RWMutex
}

func NewService(db *store.Database) *Service {
	return &Service{
		db:    db,
		cache: make(map[string]scoring.AmountStats),
	}
}

// BuildFraudContext loads the prior claims of the claim's policy and the
// amount statistics of every clause and category the claim could touch.
func (s *Service) BuildFraudContext(c claim.Claim, graph *policy.Graph) (scoring.FraudContext, error) {
	if s == nil || s.db == nil {
		return scoring.FraudContext{}, errors.New("history service is not configured")
	}

	rows, err := s.db.ClaimsForPolicy(c.PolicyID)
	if err != nil {
		return scoring.FraudContext{}, fmt.Errorf("load prior claims: %w", err)
	}
	hist := &scoring.ClaimHistory{Claims: make([]scoring.PriorClaim, 0, len(rows))}
	for i := range rows {
		row := &rows[i]
		prior := scoring.PriorClaim{
			ClaimID:     row.ClaimID,
			PolicyID:    row.PolicyID,
			SubmittedAt: row.SubmittedAt,
			Status:      claim.Status(row.Status),
			LineItems:   row.LineItems(),
		}
		if row.LastVerdictAt != nil {
			prior.DecidedAt = *row.LastVerdictAt
		}
		hist.Claims = append(hist.Claims, prior)
	}

	fc := scoring.FraudContext{
		History:       hist,
		ClauseStats:   make(map[string]scoring.AmountStats),
		CategoryStats: make(map[string]scoring.AmountStats),
	}
	for _, category := range c.Categories() {
		if stats, ok, err := s.stats("category", category); err != nil {
			return scoring.FraudContext{}, err
		} else if ok {
			fc.CategoryStats[category] = stats
		}
		if graph == nil {
			continue
		}
		for _, cl := range graph.ClausesForCategory(category) {
			if _, done := fc.ClauseStats[cl.ClauseID]; done {
				continue
			}
			stats, ok, err := s.stats("clause", cl.ClauseID)
			if err != nil {
				return scoring.FraudContext{}, err
			}
			if ok {
				fc.ClauseStats[cl.ClauseID] = stats
			}
		}
	}
	return fc, nil
}

func (s *Service) stats(kind, key string) (scoring.AmountStats, bool, error) {
	cacheKey := kind + ":" + key
	if cached, ok := s.lookupCache(cacheKey); ok {
		return cached, cached.Count > 0, nil
	}

	var (
		amounts []float64
		err     error
	)
	if kind == "clause" {
		amounts, err = s.db.AmountsByClause(key)
	} else {
		amounts, err = s.db.AmountsByCategory(key)
	}
	if err != nil {
		return scoring.AmountStats{}, false, fmt.Errorf("load %s amounts for %q: %w", kind, key, err)
	}
	stats := scoring.ComputeStats(amounts)
	s.storeCache(cacheKey, stats)
	return stats, stats.Count > 0, nil
}

// Record adds the line items of an adjudicated claim to the amount samples.
func (s *Service) Record(results []claim.LineItemResult, observedAt time.Time, source string) error {
	samples := make([]store.AmountSample, 0, len(results))
	for _, r := range results {
		if r.ClaimedAmount <= 0 {
			continue
		}
		samples = append(samples, store.AmountSample{
			ClauseID:   r.MatchedClauseID,
			Category:   policy.NormalizeCategory(r.Category),
			Amount:     r.ClaimedAmount,
			ObservedAt: observedAt,
			Source:     source,
		})
	}
	if err := s.db.AppendAmountSamples(samples); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// LoadFromCSV ingests clause_id,category,amount,observed_at rows and replaces
// previously imported CSV samples.
func (s *Service) LoadFromCSV(path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, fmt.Errorf("history path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	samples, skipped, err := ParseSamples(file)
	if err != nil {
		return 0, err
	}
	if err := s.db.ReplaceAmountSamples(SourceCSV, samples); err != nil {
		return 0, err
	}
	s.Invalidate()

	logrus.WithFields(logrus.Fields{
		"path":     path,
		"imported": len(samples),
		"skipped":  skipped,
	}).Info("history samples imported")
	return len(samples), nil
}

// ParseSamples reads amount samples from CSV. Rows without a usable amount
// or without both clause and category are skipped and counted.
func ParseSamples(r io.Reader) ([]store.AmountSample, int, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		samples []store.AmountSample
		skipped int
	)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read history row: %w", err)
		}
		if len(row) < 3 {
			skipped++
			continue
		}
		clauseID := strings.TrimSpace(row[0])
		if strings.EqualFold(clauseID, "clause_id") {
			continue
		}
		category := policy.NormalizeCategory(row[1])
		if clauseID == "" && category == "" {
			skipped++
			continue
		}
		amount, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if err != nil || amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
			skipped++
			continue
		}
		sample := store.AmountSample{
			ClauseID: clauseID,
			Category: category,
			Amount:   amount,
			Source:   SourceCSV,
		}
		if len(row) > 3 {
			if observed, ok := policy.ParseDate(strings.TrimSpace(row[3])); ok {
				sample.ObservedAt = observed
			}
		}
		samples = append(samples, sample)
	}
	return samples, skipped, nil
}

// Count returns the number of stored samples.
func (s *Service) Count() int {
	if s == nil {
		return 0
	}
	count, err := s.db.CountAmountSamples()
	if err != nil {
		return 0
	}
	return int(count)
}

// Invalidate drops every cached statistic.
func (s *Service) Invalidate() {
	s.cacheMu.Lock()
	s.cache = make(map[string]scoring.AmountStats)
	s.cacheMu.Unlock()
}

func (s *Service) lookupCache(key string) (scoring.AmountStats, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.cache[key]
	return entry, ok
}

func (s *Service) storeCache(key string, entry scoring.AmountStats) {
	s.cacheMu.Lock()
	s.cache[key] = entry
	s.cacheMu.Unlock()
}
