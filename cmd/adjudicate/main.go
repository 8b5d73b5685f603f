package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"claimcheck/internal/adjudication"
	"claimcheck/internal/ai"
	"claimcheck/internal/claim"
	"claimcheck/internal/history"
	"claimcheck/internal/policy"
	"claimcheck/internal/scoring"
	"claimcheck/internal/store"
)

// claimFile is the on-disk claim format. Dates may be calendar dates.
type claimFile struct {
	ClaimID        string `json:"claim_id"`
	PolicyID       string `json:"policy_id"`
	ClaimantName   string `json:"claimant_name"`
	SubmittedAt    string `json:"submitted_at"`
	ResubmissionOf string `json:"resubmission_of"`
	LineItems      []struct {
		LineItemID  string            `json:"line_item_id"`
		Category    string            `json:"category"`
		Description string            `json:"description"`
		Amount      float64           `json:"amount"`
		ServiceDate string            `json:"service_date"`
		Metadata    map[string]string `json:"metadata"`
	} `json:"line_items"`
}

type output struct {
	Verdict     adjudication.Verdict `json:"verdict"`
	Explanation string               `json:"explanation,omitempty"`
}

func main() {
	var (
		policyPath    = flag.String("policy", "", "Policy document (YAML or JSON)")
		claimPath     = flag.String("claim", "", "Claim JSON file")
		historyPath   = flag.String("history", "", "Optional fraud context JSON (history, clause_stats, category_stats)")
		termsPath     = flag.String("terms", "", "Optional fraud terms JSON keyed by severity")
		threshold     = flag.Float64("fraud-threshold", scoring.DefaultFraudThreshold, "Fraud score at which a claim is referred")
		explain       = flag.Bool("explain", false, "Attach a template narrative to the output")
		importHistory = flag.String("import-history", "", "CSV of clause_id,category,amount,observed_at to import into the database")
		dbPath        = flag.String("db", filepath.FromSlash("data/claimcheck.db"), "Path to SQLite database used by -import-history")
		logLevel      = flag.String("log-level", "warn", "Log level")
	)
	flag.Parse()

	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}

	if strings.TrimSpace(*importHistory) != "" {
		if err := runImport(*dbPath, *importHistory); err != nil {
			logrus.Fatalf("import history: %v", err)
		}
		if *policyPath == "" && *claimPath == "" {
			return
		}
	}

	if *policyPath == "" || *claimPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out, err := run(ctx, *policyPath, *claimPath, *historyPath, *termsPath, *threshold, *explain)
	if err != nil {
		logrus.Fatalf("adjudicate: %v", err)
	}
	if err := writeJSON(os.Stdout, out); err != nil {
		logrus.Fatalf("write verdict: %v", err)
	}
}

func run(ctx context.Context, policyPath, claimPath, historyPath, termsPath string, threshold float64, explain bool) (output, error) {
	loaded, err := policy.LoadFile(policyPath)
	if err != nil {
		return output{}, err
	}
	c, err := readClaim(claimPath)
	if err != nil {
		return output{}, err
	}
	if c.PolicyID == "" {
		c.PolicyID = loaded.Graph.PolicyID()
	}

	var fraud scoring.FraudContext
	if historyPath != "" {
		if err := readJSON(historyPath, &fraud); err != nil {
			return output{}, fmt.Errorf("read history: %w", err)
		}
	}

	cfg := scoring.DefaultConfig()
	cfg.FraudThreshold = threshold
	var terms *scoring.PatternSignal
	if termsPath != "" {
		if terms, err = scoring.LoadPatternSignal(termsPath, cfg.SignalThreshold); err != nil {
			return output{}, err
		}
	}
	engine := scoring.NewEngine(cfg, scoring.DefaultSignals(cfg, terms)...)

	verdict, err := adjudication.Adjudicate(ctx, loaded.Graph, c, fraud, adjudication.WithEngine(engine))
	if err != nil {
		return output{}, err
	}
	out := output{Verdict: verdict}
	if explain {
		decision, err := ai.Template{}.Explain(ctx, ai.ExplanationInput{
			Verdict:      verdict,
			ClaimNumber:  c.ClaimNumber,
			ClaimantName: c.ClaimantName,
			Indicators:   scoring.Indicators(verdict.Signals),
		})
		if err != nil {
			return output{}, err
		}
		out.Explanation = decision.Narrative
	}
	return out, nil
}

func readClaim(path string) (claim.Claim, error) {
	var raw claimFile
	if err := readJSON(path, &raw); err != nil {
		return claim.Claim{}, fmt.Errorf("read claim: %w", err)
	}
	c := claim.Claim{
		ClaimID:        raw.ClaimID,
		PolicyID:       raw.PolicyID,
		ClaimantName:   raw.ClaimantName,
		ResubmissionOf: raw.ResubmissionOf,
		SubmittedAt:    time.Now().UTC(),
	}
	if c.ClaimID == "" {
		c.ClaimID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if raw.SubmittedAt != "" {
		submitted, ok := parseTimestamp(raw.SubmittedAt)
		if !ok {
			return claim.Claim{}, fmt.Errorf("submitted_at %q is not a date", raw.SubmittedAt)
		}
		c.SubmittedAt = submitted
	}
	var problems []error
	for i, item := range raw.LineItems {
		id := item.LineItemID
		if id == "" {
			id = fmt.Sprintf("item-%d", i+1)
		}
		serviceDate, ok := policy.ParseDate(item.ServiceDate)
		if !ok {
			problems = append(problems, fmt.Errorf("line item %q service_date %q is not a date", id, item.ServiceDate))
		}
		c.LineItems = append(c.LineItems, claim.LineItem{
			LineItemID:  id,
			Category:    item.Category,
			Description: item.Description,
			Amount:      item.Amount,
			ServiceDate: serviceDate,
			Metadata:    item.Metadata,
		})
	}
	return c, errors.Join(problems...)
}

func parseTimestamp(raw string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return policy.ParseDate(raw)
}

func runImport(dbPath, csvPath string) error {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := store.Open(dbPath, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("close database")
		}
	}()

	n, err := history.NewService(db).LoadFromCSV(csvPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "imported %d amount samples into %s\n", n, dbPath)
	return nil
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
