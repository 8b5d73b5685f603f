package policy

import (
	"sort"
	"strings"
	"time"
)

// Limit periods understood by the coverage resolver.
const (
	PeriodPerClaim     = "per_claim"
	PeriodPerItem      = "per_item"
	PeriodPolicyYear   = "policy_year"
	PeriodCalendarYear = "calendar_year"
	PeriodLifetime     = "lifetime"
)

// Relationship kinds. Both express that From depends on To being active.
const (
	KindRequires = "requires"
	KindRiderOf  = "rider_of"
)

// Info carries policy-level metadata.
type Info struct {
	PolicyID       string
	Version        string
	Name           string
	EffectiveDate  time.Time
	ExpirationDate time.Time
}

// Clause is a coverage provision for one category up to a limit. The
// deductible and copay shape the payout of each line item after the limit
// is applied; a waiting period keeps the clause inactive for service dates
// within that many days of the effective date.
type Clause struct {
	ClauseID          string
	Category          string
	Description       string
	LimitAmount       float64
	LimitPeriod       string
	Deductible        float64
	CopayPercent      float64
	WaitingPeriodDays int
	Conditions        []Predicate
}

// Unlimited reports whether the clause has no monetary cap.
func (c Clause) Unlimited() bool {
	return c.LimitAmount <= 0
}

// Exclusion overrides coverage for its categories when its predicate holds.
// A nil predicate matches every line item of those categories.
type Exclusion struct {
	ExclusionID         string
	AppliesToCategories []string
	Predicate           *Predicate
	Description         string
}

// Relationship is a directed dependency edge: From depends on To.
type Relationship struct {
	From string
	To   string
	Kind string
}

// Graph is an immutable, validated policy. It is safe for concurrent reads.
type Graph struct {
	info          Info
	clauses       []Clause
	index         map[string]int
	deps          [][]int
	order         []int
	byCategory    map[string][]int
	exclusions    []Exclusion
	exclByCat     map[string][]int
	relationships []Relationship
}

// BuildGraph validates the policy parts and assembles the graph. Any
// structural problem is returned as a *GraphError and no graph is built.
func BuildGraph(info Info, clauses []Clause, exclusions []Exclusion, relationships []Relationship) (*Graph, error) {
	if strings.TrimSpace(info.PolicyID) == "" {
		return nil, graphErr(ErrInvalidDocument, "", "policy id is required")
	}
	if !info.ExpirationDate.IsZero() && info.ExpirationDate.Before(info.EffectiveDate) {
		return nil, graphErr(ErrInvalidDocument, info.PolicyID, "expiration date precedes effective date")
	}

	g := &Graph{
		info:       info,
		clauses:    make([]Clause, len(clauses)),
		index:      make(map[string]int, len(clauses)),
		deps:       make([][]int, len(clauses)),
		byCategory: make(map[string][]int),
		exclByCat:  make(map[string][]int),
	}

	for i, c := range clauses {
		id := strings.TrimSpace(c.ClauseID)
		if id == "" {
			return nil, graphErr(ErrInvalidDocument, "", "clause %d has no id", i)
		}
		if _, exists := g.index[id]; exists {
			return nil, graphErr(ErrDuplicateClause, id, "clause ids must be unique within a policy")
		}
		category := NormalizeCategory(c.Category)
		if category == "" {
			return nil, graphErr(ErrInvalidDocument, id, "clause category is required")
		}
		period, ok := normalizePeriod(c.LimitPeriod)
		if !ok {
			return nil, graphErr(ErrInvalidDocument, id, "unknown limit period %q", c.LimitPeriod)
		}
		if c.Deductible < 0 {
			return nil, graphErr(ErrInvalidDocument, id, "deductible %.2f is negative", c.Deductible)
		}
		if c.CopayPercent < 0 || c.CopayPercent > 100 {
			return nil, graphErr(ErrInvalidDocument, id, "copay percent %.2f outside 0-100", c.CopayPercent)
		}
		if c.WaitingPeriodDays < 0 {
			return nil, graphErr(ErrInvalidDocument, id, "waiting period %d is negative", c.WaitingPeriodDays)
		}
		for _, cond := range c.Conditions {
			if err := cond.validate(); err != nil {
				return nil, graphErr(ErrInvalidPredicate, id, "%v", err)
			}
		}
		c.ClauseID = id
		c.Category = category
		c.LimitPeriod = period
		c.Conditions = append([]Predicate(nil), c.Conditions...)
		g.clauses[i] = c
		g.index[id] = i
		g.byCategory[category] = append(g.byCategory[category], i)
	}

	seenExcl := make(map[string]struct{}, len(exclusions))
	for i, e := range exclusions {
		id := strings.TrimSpace(e.ExclusionID)
		if id == "" {
			return nil, graphErr(ErrInvalidDocument, "", "exclusion %d has no id", i)
		}
		if _, dup := seenExcl[id]; dup {
			return nil, graphErr(ErrInvalidDocument, id, "exclusion ids must be unique within a policy")
		}
		seenExcl[id] = struct{}{}
		if len(e.AppliesToCategories) == 0 {
			return nil, graphErr(ErrUnknownCategory, id, "exclusion applies to no category")
		}
		categories := make([]string, 0, len(e.AppliesToCategories))
		known := false
		for _, cat := range e.AppliesToCategories {
			normalized := NormalizeCategory(cat)
			if normalized == "" {
				continue
			}
			if _, ok := g.byCategory[normalized]; ok {
				known = true
			}
			categories = append(categories, normalized)
		}
		if !known {
			return nil, graphErr(ErrUnknownCategory, id, "categories [%s] match no clause", strings.Join(e.AppliesToCategories, ", "))
		}
		if e.Predicate != nil {
			if err := e.Predicate.validate(); err != nil {
				return nil, graphErr(ErrInvalidPredicate, id, "%v", err)
			}
			pred := *e.Predicate
			e.Predicate = &pred
		}
		e.ExclusionID = id
		e.AppliesToCategories = categories
		g.exclusions = append(g.exclusions, e)
		idx := len(g.exclusions) - 1
		for _, cat := range uniqueStrings(categories) {
			g.exclByCat[cat] = append(g.exclByCat[cat], idx)
		}
	}

	for _, rel := range relationships {
		from, ok := g.index[strings.TrimSpace(rel.From)]
		if !ok {
			return nil, graphErr(ErrDanglingReference, rel.From, "relationship source is not a clause")
		}
		to, ok := g.index[strings.TrimSpace(rel.To)]
		if !ok {
			return nil, graphErr(ErrDanglingReference, rel.To, "relationship target is not a clause")
		}
		kind := strings.ToLower(strings.TrimSpace(rel.Kind))
		if kind == "" {
			kind = KindRequires
		}
		if kind != KindRequires && kind != KindRiderOf {
			return nil, graphErr(ErrInvalidRelationship, rel.From, "unknown relationship kind %q", rel.Kind)
		}
		g.deps[from] = append(g.deps[from], to)
		g.relationships = append(g.relationships, Relationship{From: g.clauses[from].ClauseID, To: g.clauses[to].ClauseID, Kind: kind})
	}

	order, cycle := g.topologicalSort()
	if len(cycle) > 0 {
		return nil, &GraphError{Kind: ErrCyclicDependency, Cycle: cycle, Detail: "relationships must form a DAG"}
	}
	g.order = order
	return g, nil
}

// topologicalSort orders clauses so every dependency precedes its dependents
// (Kahn's algorithm, ties in declaration order). Clauses left unprocessed
// belong to a cycle and are returned instead.
func (g *Graph) topologicalSort() ([]int, []string) {
	n := len(g.clauses)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for from, tos := range g.deps {
		for _, to := range tos {
			indegree[from]++
			dependents[to] = append(dependents[to], from)
		}
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, n)
	for len(queue) > 0 {
		sort.Ints(queue)
		next := queue[0]
		queue = queue[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) == n {
		return order, nil
	}
	var cycle []string
	for i := 0; i < n; i++ {
		if indegree[i] > 0 {
			cycle = append(cycle, g.clauses[i].ClauseID)
		}
	}
	return nil, cycle
}

// Info returns the policy metadata.
func (g *Graph) Info() Info {
	return g.info
}

// PolicyID returns the policy identifier.
func (g *Graph) PolicyID() string {
	return g.info.PolicyID
}

// Env returns the values predicates resolve references against.
func (g *Graph) Env() Env {
	return Env{EffectiveDate: g.info.EffectiveDate, ExpirationDate: g.info.ExpirationDate}
}

// Clauses returns all clauses in declaration order.
func (g *Graph) Clauses() []Clause {
	return append([]Clause(nil), g.clauses...)
}

// Exclusions returns all exclusions in declaration order.
func (g *Graph) Exclusions() []Exclusion {
	return append([]Exclusion(nil), g.exclusions...)
}

// Relationships returns the normalized dependency edges.
func (g *Graph) Relationships() []Relationship {
	return append([]Relationship(nil), g.relationships...)
}

// Clause looks up a clause by id.
func (g *Graph) Clause(id string) (Clause, bool) {
	idx, ok := g.index[id]
	if !ok {
		return Clause{}, false
	}
	return g.clauses[idx], true
}

// ClauseIndex returns the declaration position of a clause.
func (g *Graph) ClauseIndex(id string) (int, bool) {
	idx, ok := g.index[id]
	return idx, ok
}

// ClausesForCategory returns the clauses covering category in declaration order.
func (g *Graph) ClausesForCategory(category string) []Clause {
	idxs := g.byCategory[NormalizeCategory(category)]
	out := make([]Clause, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, g.clauses[idx])
	}
	return out
}

// ExclusionsForCategory returns the exclusions applying to category in declaration order.
func (g *Graph) ExclusionsForCategory(category string) []Exclusion {
	idxs := g.exclByCat[NormalizeCategory(category)]
	out := make([]Exclusion, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, g.exclusions[idx])
	}
	return out
}

// Categories lists the covered categories in first-declaration order.
func (g *Graph) Categories() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, c := range g.clauses {
		if _, ok := seen[c.Category]; ok {
			continue
		}
		seen[c.Category] = struct{}{}
		out = append(out, c.Category)
	}
	return out
}

// TopologicalOrder returns clause ids with dependencies first.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	for i, idx := range g.order {
		out[i] = g.clauses[idx].ClauseID
	}
	return out
}

// Dependencies returns the ids of clauses that id depends on.
func (g *Graph) Dependencies(id string) []string {
	idx, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[idx]))
	for _, dep := range g.deps[idx] {
		out = append(out, g.clauses[dep].ClauseID)
	}
	return out
}

// ConditionsHold reports whether every hard condition of the clause holds.
// A waiting period counts as one.
func (g *Graph) ConditionsHold(c Clause, f Facts) bool {
	env := g.Env()
	if !g.WaitingPeriodServed(c, f.ServiceDate) {
		return false
	}
	for _, cond := range c.Conditions {
		if cond.Hard() && !cond.Eval(f, env) {
			return false
		}
	}
	return true
}

// WaitingPeriodServed reports whether the service date falls on or after the
// end of the clause's waiting period. An unknown date never serves one.
func (g *Graph) WaitingPeriodServed(c Clause, serviceDate time.Time) bool {
	if c.WaitingPeriodDays <= 0 {
		return true
	}
	if serviceDate.IsZero() {
		return false
	}
	served := g.info.EffectiveDate.AddDate(0, 0, c.WaitingPeriodDays)
	return !truncateDay(serviceDate).Before(truncateDay(served))
}

// Matches evaluates a predicate against facts using this policy's dates.
func (g *Graph) Matches(p Predicate, f Facts) bool {
	return p.Eval(f, g.Env())
}

// ActiveSet evaluates clause activity for one line item in a single forward
// pass over the topological order. The result is indexed by declaration
// position: a clause is active when its hard conditions hold and every
// clause it depends on is active.
func (g *Graph) ActiveSet(f Facts) []bool {
	active := make([]bool, len(g.clauses))
	for _, idx := range g.order {
		ok := g.ConditionsHold(g.clauses[idx], f)
		for _, dep := range g.deps[idx] {
			if !active[dep] {
				ok = false
				break
			}
		}
		active[idx] = ok
	}
	return active
}

// IsActive reports whether the clause is active for facts.
func (g *Graph) IsActive(id string, f Facts) bool {
	idx, ok := g.index[id]
	if !ok {
		return false
	}
	return g.ActiveSet(f)[idx]
}

func normalizePeriod(period string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "", PeriodPerClaim, "claim":
		return PeriodPerClaim, true
	case PeriodPerItem, "per_incident", "item":
		return PeriodPerItem, true
	case PeriodPolicyYear, "annual":
		return PeriodPolicyYear, true
	case PeriodCalendarYear:
		return PeriodCalendarYear, true
	case PeriodLifetime:
		return PeriodLifetime, true
	}
	return "", false
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
