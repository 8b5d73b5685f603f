package adjudication

import (
	"errors"
	"fmt"
)

// Setup error kinds. A *SetupError matches its kind with errors.Is.
var (
	ErrUnknownPolicy = errors.New("unknown policy")
	ErrEmptyClaim    = errors.New("empty claim")
	ErrInvalidClaim  = errors.New("invalid claim")
)

// SetupError reports inputs that prevent adjudication from starting. No
// verdict is produced.
type SetupError struct {
	Kind     error
	ClaimID  string
	PolicyID string
	Err      error
}

func (e *SetupError) Error() string {
	msg := fmt.Sprintf("%v: claim %q", e.Kind, e.ClaimID)
	if e.PolicyID != "" {
		msg += fmt.Sprintf(" policy %q", e.PolicyID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind.
func (e *SetupError) Is(target error) bool {
	return e.Kind == target
}

// Unwrap exposes the underlying cause.
func (e *SetupError) Unwrap() error {
	return e.Err
}
