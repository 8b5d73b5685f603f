package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the serialized form of a policy graph as produced by the
// extraction collaborator. Dates are calendar dates ("2024-01-15") or RFC 3339.
type Document struct {
	PolicyID       string             `yaml:"policy_id" json:"policy_id"`
	Version        string             `yaml:"version,omitempty" json:"version,omitempty"`
	Name           string             `yaml:"name,omitempty" json:"name,omitempty"`
	EffectiveDate  string             `yaml:"effective_date" json:"effective_date"`
	ExpirationDate string             `yaml:"expiration_date,omitempty" json:"expiration_date,omitempty"`
	Clauses        []ClauseSpec       `yaml:"clauses" json:"clauses"`
	Exclusions     []ExclusionSpec    `yaml:"exclusions,omitempty" json:"exclusions,omitempty"`
	Relationships  []RelationshipSpec `yaml:"relationships,omitempty" json:"relationships,omitempty"`
}

type ClauseSpec struct {
	ClauseID          string      `yaml:"clause_id" json:"clause_id"`
	Category          string      `yaml:"category" json:"category"`
	Description       string      `yaml:"description,omitempty" json:"description,omitempty"`
	LimitAmount       float64     `yaml:"limit_amount,omitempty" json:"limit_amount,omitempty"`
	LimitPeriod       string      `yaml:"limit_period,omitempty" json:"limit_period,omitempty"`
	Deductible        float64     `yaml:"deductible,omitempty" json:"deductible,omitempty"`
	CopayPercent      float64     `yaml:"copay_percentage,omitempty" json:"copay_percentage,omitempty"`
	WaitingPeriodDays int         `yaml:"waiting_period_days,omitempty" json:"waiting_period_days,omitempty"`
	Conditions        []Predicate `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

type ExclusionSpec struct {
	ExclusionID         string     `yaml:"exclusion_id" json:"exclusion_id"`
	AppliesToCategories []string   `yaml:"applies_to_categories" json:"applies_to_categories"`
	Predicate           *Predicate `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	Description         string     `yaml:"description,omitempty" json:"description,omitempty"`
}

type RelationshipSpec struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// Loaded bundles a built graph with the document it came from.
type Loaded struct {
	Graph    *Graph
	Document Document
	Hash     string
}

// Build converts the document into a validated graph.
func (d Document) Build() (*Graph, error) {
	effective, ok := ParseDate(d.EffectiveDate)
	if !ok {
		return nil, graphErr(ErrInvalidDocument, d.PolicyID, "effective_date %q is not a date", d.EffectiveDate)
	}
	var expiration time.Time
	if strings.TrimSpace(d.ExpirationDate) != "" {
		if expiration, ok = ParseDate(d.ExpirationDate); !ok {
			return nil, graphErr(ErrInvalidDocument, d.PolicyID, "expiration_date %q is not a date", d.ExpirationDate)
		}
	}

	clauses := make([]Clause, 0, len(d.Clauses))
	for _, c := range d.Clauses {
		clauses = append(clauses, Clause{
			ClauseID:          c.ClauseID,
			Category:          c.Category,
			Description:       c.Description,
			LimitAmount:       c.LimitAmount,
			LimitPeriod:       c.LimitPeriod,
			Deductible:        c.Deductible,
			CopayPercent:      c.CopayPercent,
			WaitingPeriodDays: c.WaitingPeriodDays,
			Conditions:        c.Conditions,
		})
	}
	exclusions := make([]Exclusion, 0, len(d.Exclusions))
	for _, e := range d.Exclusions {
		exclusions = append(exclusions, Exclusion{
			ExclusionID:         e.ExclusionID,
			AppliesToCategories: e.AppliesToCategories,
			Predicate:           e.Predicate,
			Description:         e.Description,
		})
	}
	relationships := make([]Relationship, 0, len(d.Relationships))
	for _, r := range d.Relationships {
		relationships = append(relationships, Relationship{From: r.From, To: r.To, Kind: r.Kind})
	}

	return BuildGraph(Info{
		PolicyID:       strings.TrimSpace(d.PolicyID),
		Version:        d.Version,
		Name:           d.Name,
		EffectiveDate:  effective,
		ExpirationDate: expiration,
	}, clauses, exclusions, relationships)
}

// Parse decodes a YAML or JSON policy document and builds its graph. The
// format is "yaml", "json" or empty to sniff the payload.
func Parse(data []byte, format string) (Loaded, error) {
	var doc Document
	switch detectFormat(data, format) {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return Loaded{}, fmt.Errorf("decode policy json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Loaded{}, fmt.Errorf("decode policy yaml: %w", err)
		}
	}
	graph, err := doc.Build()
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{Graph: graph, Document: doc, Hash: Digest(data)}, nil
}

// LoadFile reads and builds a policy document from disk.
func LoadFile(path string) (Loaded, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Loaded{}, fmt.Errorf("read policy: %w", err)
	}
	format := ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	}
	return Parse(data, format)
}

// Digest returns the sha256 content hash of a policy document.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func detectFormat(data []byte, format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json", "application/json":
		return "json"
	case "yaml", "yml", "application/yaml", "application/x-yaml", "text/yaml":
		return "yaml"
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return "json"
	}
	return "yaml"
}
