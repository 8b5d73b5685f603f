package claim

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a claim record.
type Status string

const (
	Draft             Status = "draft"
	Submitted         Status = "submitted"
	UnderReview       Status = "under_review"
	PendingDocuments  Status = "pending_documents"
	PendingInfo       Status = "pending_info"
	Validating        Status = "validating"
	Approved          Status = "approved"
	PartiallyApproved Status = "partially_approved"
	Denied            Status = "denied"
	FlaggedFraud      Status = "flagged_fraud"
	Investigating     Status = "investigating"
	Closed            Status = "closed"
	Cancelled         Status = "cancelled"
)

var transitions = map[Status][]Status{
	Draft:             {Submitted, Cancelled},
	Submitted:         {UnderReview, PendingDocuments, Cancelled},
	UnderReview:       {Validating, PendingInfo, PendingDocuments},
	PendingDocuments:  {UnderReview, Cancelled},
	PendingInfo:       {UnderReview, Cancelled},
	Validating:        {Approved, PartiallyApproved, Denied, FlaggedFraud},
	Approved:          {Closed},
	PartiallyApproved: {Closed},
	Denied:            {Closed, UnderReview},
	FlaggedFraud:      {Investigating},
	Investigating:     {Approved, Denied, Closed},
}

var descriptions = map[Status]string{
	Draft:             "Claim is being prepared",
	Submitted:         "Claim received and awaiting review",
	UnderReview:       "Claim is under review",
	PendingDocuments:  "Supporting documents are required",
	PendingInfo:       "Additional information is required",
	Validating:        "Claim is being adjudicated against the policy",
	Approved:          "Claim approved for payment",
	PartiallyApproved: "Claim approved up to the policy limits",
	Denied:            "Claim denied",
	FlaggedFraud:      "Claim flagged for fraud review",
	Investigating:     "Claim is under fraud investigation",
	Closed:            "Claim closed",
	Cancelled:         "Claim cancelled",
}

// Statuses lists every lifecycle status.
func Statuses() []Status {
	return []Status{Draft, Submitted, UnderReview, PendingDocuments, PendingInfo, Validating,
		Approved, PartiallyApproved, Denied, FlaggedFraud, Investigating, Closed, Cancelled}
}

// ParseStatus resolves a status name.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := descriptions[s]; !ok {
		return "", fmt.Errorf("unknown claim status %q", value)
	}
	return s, nil
}

// Description returns a human readable summary of the status.
func (s Status) Description() string {
	return descriptions[s]
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Closed || s == Cancelled
}

// Next returns the statuses reachable in one step.
func (s Status) Next() []Status {
	return append([]Status(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected lifecycle change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("claim status %s is terminal", e.From)
	}
	return fmt.Sprintf("cannot move claim from %s to %s", e.From, e.To)
}

// Transition validates a lifecycle change.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// PathTo finds the shortest chain of transitions from one status to another,
// excluding from itself. It returns nil when to is unreachable.
func PathTo(from, to Status) []Status {
	if from == to {
		return []Status{}
	}
	prev := map[Status]Status{from: ""}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Progress describes where a claim sits in the processing pipeline.
type Progress struct {
	CurrentStep    string   `json:"current_step"`
	StepsCompleted []string `json:"steps_completed"`
	StepsRemaining []string `json:"steps_remaining"`
}

var pipeline = []string{"submitted", "review", "validation", "decision", "closed"}

// ProgressOf maps a status onto the processing pipeline.
func ProgressOf(s Status) Progress {
	step := 0
	switch s {
	case Draft:
		return Progress{CurrentStep: string(Draft), StepsCompleted: []string{}, StepsRemaining: append([]string(nil), pipeline...)}
	case Submitted:
		step = 0
	case UnderReview, PendingDocuments, PendingInfo:
		step = 1
	case Validating:
		step = 2
	case Approved, PartiallyApproved, Denied, FlaggedFraud, Investigating:
		step = 3
	case Closed, Cancelled:
		step = 4
	}
	return Progress{
		CurrentStep:    pipeline[step],
		StepsCompleted: append([]string{}, pipeline[:step+1]...),
		StepsRemaining: append([]string{}, pipeline[step+1:]...),
	}
}
