package agent

import (
	"errors"
	"fmt"

	"github.com/IvaBojic/GoalGuardian/internal/workflow"
)

var (
	// ErrNoActiveSession is returned when a reply arrives for a patient the
	// agent never began.
	ErrNoActiveSession = errors.New("no active session for patient")

	// ErrStaleTurn matches every *StaleTurnError.
	ErrStaleTurn = errors.New("stale or duplicate turn")

	// ErrUnknownAgent is returned when a request names no registered agent.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrSessionComplete is returned when a reply arrives after the closing turn.
	ErrSessionComplete = workflow.ErrSessionComplete
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return "invalid " + e.Field
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StaleTurnError is returned when a reply carries a turn index other than the
// one stored for the patient.
type StaleTurnError struct {
	Expected int
	Got      int
}

func (e *StaleTurnError) Error() string {
	return fmt.Sprintf("stale turn: expected %d, got %d", e.Expected, e.Got)
}

func (e *StaleTurnError) Is(target error) bool { return target == ErrStaleTurn }

// UpstreamError wraps a failed call to a collaborator: the patient context
// service or the text generator.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
