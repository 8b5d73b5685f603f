package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Graph error kinds. A *GraphError matches its kind with errors.Is.
var (
	ErrCyclicDependency    = errors.New("cyclic dependency")
	ErrDanglingReference   = errors.New("dangling reference")
	ErrUnknownCategory     = errors.New("unknown category")
	ErrDuplicateClause     = errors.New("duplicate clause")
	ErrInvalidRelationship = errors.New("invalid relationship")
	ErrInvalidPredicate    = errors.New("invalid predicate")
	ErrInvalidDocument     = errors.New("invalid policy document")
)

// GraphError reports a structurally invalid policy. It is raised by BuildGraph
// and never reaches adjudication.
type GraphError struct {
	Kind   error
	ID     string
	Cycle  []string
	Detail string
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.ID != "" {
		fmt.Fprintf(&b, " %q", e.ID)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " among [%s]", strings.Join(e.Cycle, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Is reports whether target is the error kind.
func (e *GraphError) Is(target error) bool {
	return e.Kind == target
}

// Unwrap exposes the kind for errors.Is chains.
func (e *GraphError) Unwrap() error {
	return e.Kind
}

func graphErr(kind error, id, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, ID: id, Detail: fmt.Sprintf(format, args...)}
}
