package agent

import (
	"errors"
	"fmt"
)

// Turn failure kinds. Every error returned by Converse matches exactly one of
// them under errors.Is.
var (
	ErrThreadCreation    = errors.New("thread creation failed")
	ErrMessageSubmission = errors.New("message submission failed")
	ErrRunCreation       = errors.New("run creation failed")
	ErrRunFailed         = errors.New("run failed")
	ErrRunTimeout        = errors.New("run timed out")
	ErrUnexpectedStatus  = errors.New("unexpected run status")
	ErrNoContent         = errors.New("no assistant response")
	ErrRemote            = errors.New("remote agent unavailable")
	ErrSessionBusy       = errors.New("session has a turn in flight")
)

var kindNames = []struct {
	err  error
	name string
}{
	{ErrThreadCreation, "thread_creation"},
	{ErrMessageSubmission, "message_submission"},
	{ErrRunCreation, "run_creation"},
	{ErrRunFailed, "run_failed"},
	{ErrRunTimeout, "run_timeout"},
	{ErrUnexpectedStatus, "unexpected_status"},
	{ErrNoContent, "no_content"},
	{ErrRemote, "remote_error"},
	{ErrSessionBusy, "session_busy"},
}

// TurnError classifies a failed turn. Op names the step that failed.
type TurnError struct {
	Kind error
	Op   string
	Err  error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *TurnError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func turnError(kind error, op string, err error) *TurnError {
	return &TurnError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the wire name of the failure kind carried by err, or "" when
// err is not a classified turn failure.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}
