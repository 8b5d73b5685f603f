package policy

import (
	"testing"
	"time"
)

func TestPredicateEval(t *testing.T) {
	env := Env{
		EffectiveDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpirationDate: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	facts := Facts{
		Category:    "Dental",
		Amount:      300,
		ServiceDate: time.Date(2024, 2, 10, 15, 30, 0, 0, time.UTC),
		Metadata:    map[string]string{"provider_state": "CA", "notes": "Routine  Cleaning"},
	}

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"category eq", Predicate{Field: FieldCategory, Op: OpEq, Value: "dental"}, true},
		{"category in", Predicate{Field: FieldCategory, Op: OpIn, Values: []string{"vision", "DENTAL"}}, true},
		{"amount gt", Predicate{Field: FieldAmount, Op: OpGt, Value: "250"}, true},
		{"amount lte", Predicate{Field: FieldAmount, Op: OpLte, Value: "300"}, true},
		{"amount lt", Predicate{Field: FieldAmount, Op: OpLt, Value: "300"}, false},
		{"before effective", Predicate{Field: FieldServiceDate, Op: OpLt, Value: RefEffectiveDate}, false},
		{"same day", Predicate{Field: FieldServiceDate, Op: OpEq, Value: "2024-02-10"}, true},
		{"before expiration", Predicate{Field: FieldServiceDate, Op: OpLte, Value: RefExpirationDate}, true},
		{"metadata eq folds case", Predicate{Field: "metadata.provider_state", Op: OpEq, Value: "ca"}, true},
		{"metadata contains", Predicate{Field: "metadata.notes", Op: OpContains, Value: "routine cleaning"}, true},
		{"metadata missing", Predicate{Field: "metadata.referral", Op: OpMissing}, true},
		{"metadata ne absent", Predicate{Field: "metadata.referral", Op: OpNe, Value: "yes"}, true},
		{"all", Predicate{All: []Predicate{
			{Field: FieldCategory, Op: OpEq, Value: "dental"},
			{Field: FieldAmount, Op: OpGte, Value: "1000"},
		}}, false},
		{"any", Predicate{Any: []Predicate{
			{Field: FieldCategory, Op: OpEq, Value: "vision"},
			{Field: FieldAmount, Op: OpGte, Value: "100"},
		}}, true},
		{"not", Predicate{Not: &Predicate{Field: FieldCategory, Op: OpEq, Value: "dental"}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.pred.validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got := tc.pred.Eval(facts, env); got != tc.want {
				t.Fatalf("expected %v got %v", tc.want, got)
			}
		})
	}
}

func TestPredicateOpenExpiration(t *testing.T) {
	env := Env{EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	pred := Predicate{Field: FieldServiceDate, Op: OpLte, Value: RefExpirationDate}
	facts := Facts{ServiceDate: time.Date(2090, 6, 1, 0, 0, 0, 0, time.UTC)}
	if !pred.Eval(facts, env) {
		t.Fatalf("open expiration should accept any future date")
	}
	if pred.Eval(Facts{}, env) {
		t.Fatalf("missing service date must not satisfy a date comparison")
	}
}

func TestPredicateHardness(t *testing.T) {
	tests := []struct {
		name string
		pred Predicate
		hard bool
	}{
		{"soft metadata", Predicate{Field: "metadata.network", Op: OpEq, Value: "in"}, false},
		{"required metadata", Predicate{Field: "metadata.network", Op: OpEq, Value: "in", Required: true}, true},
		{"date leaf", Predicate{Field: FieldServiceDate, Op: OpExists}, true},
		{"nested date", Predicate{Not: &Predicate{Any: []Predicate{{Field: FieldServiceDate, Op: OpLt, Value: "2024-01-01"}}}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.pred.Hard() != tc.hard {
				t.Fatalf("expected hard=%v", tc.hard)
			}
		})
	}
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Dental", "dental"},
		{"  Vision Care ", "vision_care"},
		{"out-of-network", "out_of_network"},
		{"Physio / Rehab", "physio_rehab"},
		{"\uff24\uff25\uff2e\uff34\uff21\uff2c", "dental"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeCategory(tc.in); got != tc.want {
			t.Fatalf("NormalizeCategory(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	for _, value := range []string{"2024-03-01", "2024-03-01T10:00:00Z", "2024-03-01T10:00:00"} {
		got, ok := ParseDate(value)
		if !ok {
			t.Fatalf("expected %q to parse", value)
		}
		if got.Year() != 2024 || got.Month() != time.March || got.Day() != 1 {
			t.Fatalf("unexpected date %v", got)
		}
	}
	if _, ok := ParseDate("March 1st"); ok {
		t.Fatalf("free text should not parse")
	}
}
