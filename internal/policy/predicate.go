package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Predicate fields.
const (
	FieldCategory    = "category"
	FieldAmount      = "amount"
	FieldServiceDate = "service_date"
	metadataPrefix   = "metadata."
)

// Date references resolved against the policy at evaluation time.
const (
	RefEffectiveDate  = "policy.effective_date"
	RefExpirationDate = "policy.expiration_date"
)

// Predicate operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpLt       = "lt"
	OpLte      = "lte"
	OpGt       = "gt"
	OpGte      = "gte"
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpContains = "contains"
	OpExists   = "exists"
	OpMissing  = "missing"
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

// farFuture stands in for an open-ended expiration date.
var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Predicate is a condition over a line item. A leaf compares Field against
// Value or Values; composites combine children with All, Any or Not.
type Predicate struct {
	Field  string      `yaml:"field,omitempty" json:"field,omitempty"`
	Op     string      `yaml:"op,omitempty" json:"op,omitempty"`
	Value  string      `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string    `yaml:"values,omitempty" json:"values,omitempty"`
	All    []Predicate `yaml:"all,omitempty" json:"all,omitempty"`
	Any    []Predicate `yaml:"any,omitempty" json:"any,omitempty"`
	Not    *Predicate  `yaml:"not,omitempty" json:"not,omitempty"`
	// Required marks a clause condition as a hard filter. Service date
	// conditions are always hard.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
}

// Facts is the view of a line item that predicates evaluate.
type Facts struct {
	Category    string
	Amount      float64
	ServiceDate time.Time
	Metadata    map[string]string
}

// Env carries the policy-level values predicates may reference.
type Env struct {
	EffectiveDate  time.Time
	ExpirationDate time.Time
}

// Eval reports whether the predicate holds for facts.
func (p Predicate) Eval(f Facts, env Env) bool {
	switch {
	case len(p.All) > 0:
		for _, child := range p.All {
			if !child.Eval(f, env) {
				return false
			}
		}
		return true
	case len(p.Any) > 0:
		for _, child := range p.Any {
			if child.Eval(f, env) {
				return true
			}
		}
		return false
	case p.Not != nil:
		return !p.Not.Eval(f, env)
	}

	op := strings.ToLower(p.Op)
	switch {
	case p.Field == FieldCategory:
		return evalCategory(op, p, f.Category)
	case p.Field == FieldAmount:
		return evalNumber(op, p, f.Amount)
	case p.Field == FieldServiceDate:
		if op == OpExists {
			return !f.ServiceDate.IsZero()
		}
		if op == OpMissing {
			return f.ServiceDate.IsZero()
		}
		if f.ServiceDate.IsZero() {
			return false
		}
		return evalDate(op, p, f.ServiceDate, env)
	case strings.HasPrefix(p.Field, metadataPrefix):
		key := strings.TrimPrefix(p.Field, metadataPrefix)
		value, ok := lookupMetadata(f.Metadata, key)
		return evalMetadata(op, p, value, ok, env)
	}
	return false
}

// DateBounded reports whether the predicate constrains the service date.
func (p Predicate) DateBounded() bool {
	if p.Field == FieldServiceDate {
		return true
	}
	for _, child := range p.All {
		if child.DateBounded() {
			return true
		}
	}
	for _, child := range p.Any {
		if child.DateBounded() {
			return true
		}
	}
	return p.Not != nil && p.Not.DateBounded()
}

// Hard reports whether a clause condition filters candidates rather than
// only weighting them.
func (p Predicate) Hard() bool {
	return p.Required || p.DateBounded()
}

func (p Predicate) validate() error {
	composites := 0
	if len(p.All) > 0 {
		composites++
	}
	if len(p.Any) > 0 {
		composites++
	}
	if p.Not != nil {
		composites++
	}
	if composites > 1 || (composites == 1 && p.Field != "") {
		return fmt.Errorf("predicate mixes field %q with composite operators", p.Field)
	}
	for _, child := range p.All {
		if err := child.validate(); err != nil {
			return err
		}
	}
	for _, child := range p.Any {
		if err := child.validate(); err != nil {
			return err
		}
	}
	if p.Not != nil {
		return p.Not.validate()
	}
	if composites == 1 {
		return nil
	}

	op := strings.ToLower(p.Op)
	switch {
	case p.Field == "":
		return fmt.Errorf("predicate field is required")
	case p.Field == FieldCategory:
		switch op {
		case OpEq, OpNe:
			return requireValue(p)
		case OpIn, OpNotIn:
			return requireValues(p)
		}
	case p.Field == FieldAmount:
		switch op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			if _, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64); err != nil {
				return fmt.Errorf("amount value %q: %w", p.Value, err)
			}
			return nil
		}
	case p.Field == FieldServiceDate:
		switch op {
		case OpExists, OpMissing:
			return nil
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			if _, ok := resolveDate(p.Value, Env{}); !ok && !isReference(p.Value) {
				return fmt.Errorf("service_date value %q is not a date", p.Value)
			}
			return nil
		}
	case strings.HasPrefix(p.Field, metadataPrefix):
		if strings.TrimPrefix(p.Field, metadataPrefix) == "" {
			return fmt.Errorf("metadata field needs a key")
		}
		switch op {
		case OpExists, OpMissing:
			return nil
		case OpEq, OpNe, OpContains, OpLt, OpLte, OpGt, OpGte:
			return requireValue(p)
		case OpIn, OpNotIn:
			return requireValues(p)
		}
	default:
		return fmt.Errorf("unknown predicate field %q", p.Field)
	}
	return fmt.Errorf("operator %q not supported for field %q", p.Op, p.Field)
}

func requireValue(p Predicate) error {
	if strings.TrimSpace(p.Value) == "" {
		return fmt.Errorf("%s %s needs a value", p.Field, p.Op)
	}
	return nil
}

func requireValues(p Predicate) error {
	if len(p.Values) == 0 {
		return fmt.Errorf("%s %s needs values", p.Field, p.Op)
	}
	return nil
}

func evalCategory(op string, p Predicate, category string) bool {
	got := NormalizeCategory(category)
	switch op {
	case OpEq:
		return got == NormalizeCategory(p.Value)
	case OpNe:
		return got != NormalizeCategory(p.Value)
	case OpIn, OpNotIn:
		found := false
		for _, v := range p.Values {
			if got == NormalizeCategory(v) {
				found = true
				break
			}
		}
		return found == (op == OpIn)
	}
	return false
}

func evalNumber(op string, p Predicate, got float64) bool {
	want, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64)
	if err != nil {
		return false
	}
	return compareFloat(op, got, want)
}

func compareFloat(op string, got, want float64) bool {
	const eps = 1e-9
	switch op {
	case OpEq:
		return math.Abs(got-want) < eps
	case OpNe:
		return math.Abs(got-want) >= eps
	case OpLt:
		return got < want
	case OpLte:
		return got <= want+eps
	case OpGt:
		return got > want
	case OpGte:
		return got >= want-eps
	}
	return false
}

func evalDate(op string, p Predicate, got time.Time, env Env) bool {
	want, ok := resolveDate(p.Value, env)
	if !ok {
		return false
	}
	return compareTime(op, got, want)
}

func compareTime(op string, got, want time.Time) bool {
	got = truncateDay(got)
	want = truncateDay(want)
	switch op {
	case OpEq:
		return got.Equal(want)
	case OpNe:
		return !got.Equal(want)
	case OpLt:
		return got.Before(want)
	case OpLte:
		return !got.After(want)
	case OpGt:
		return got.After(want)
	case OpGte:
		return !got.Before(want)
	}
	return false
}

func evalMetadata(op string, p Predicate, value string, present bool, env Env) bool {
	switch op {
	case OpExists:
		return present && strings.TrimSpace(value) != ""
	case OpMissing:
		return !present || strings.TrimSpace(value) == ""
	}
	if !present {
		return op == OpNe || op == OpNotIn
	}
	got := NormalizeValue(value)
	switch op {
	case OpEq:
		return got == NormalizeValue(p.Value)
	case OpNe:
		return got != NormalizeValue(p.Value)
	case OpContains:
		return strings.Contains(got, NormalizeValue(p.Value))
	case OpIn, OpNotIn:
		found := false
		for _, v := range p.Values {
			if got == NormalizeValue(v) {
				found = true
				break
			}
		}
		return found == (op == OpIn)
	case OpLt, OpLte, OpGt, OpGte:
		if gotNum, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			if wantNum, err := strconv.ParseFloat(strings.TrimSpace(p.Value), 64); err == nil {
				return compareFloat(op, gotNum, wantNum)
			}
		}
		gotDate, ok := ParseDate(value)
		if !ok {
			return false
		}
		wantDate, ok := resolveDate(p.Value, env)
		if !ok {
			return false
		}
		return compareTime(op, gotDate, wantDate)
	}
	return false
}

func lookupMetadata(metadata map[string]string, key string) (string, bool) {
	if metadata == nil {
		return "", false
	}
	if v, ok := metadata[key]; ok {
		return v, true
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func isReference(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case RefEffectiveDate, RefExpirationDate:
		return true
	}
	return false
}

func resolveDate(value string, env Env) (time.Time, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case RefEffectiveDate:
		return env.EffectiveDate, true
	case RefExpirationDate:
		if env.ExpirationDate.IsZero() {
			return farFuture, true
		}
		return env.ExpirationDate, true
	}
	return ParseDate(value)
}

// ParseDate accepts a calendar date or an RFC 3339 timestamp.
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
