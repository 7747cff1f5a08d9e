package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so callers can branch on outcome
// instead of matching error strings.
type ErrorKind string

const (
	// KindNotFound: the requirement or session referenced by the run does
	// not exist.
	KindNotFound ErrorKind = "not_found"

	// KindCallBudgetExceeded: the per-requirement agent call ceiling was hit.
	KindCallBudgetExceeded ErrorKind = "call_budget_exceeded"

	// KindRetryExhausted: a single task failed every attempt up to the retry
	// ceiling.
	KindRetryExhausted ErrorKind = "retry_exhausted"

	// KindTestLoopExhausted: the test loop ran out of attempts without all
	// tests passing. Always fatal.
	KindTestLoopExhausted ErrorKind = "test_loop_exhausted"

	// KindPlanInvalid: the planner produced output that failed schema
	// validation.
	KindPlanInvalid ErrorKind = "plan_invalid"

	// KindCancelled: the run was cancelled through Kill or context
	// cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain; returns "" for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
