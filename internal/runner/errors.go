package runner

import (
	"errors"
	"fmt"
)

// ErrorKind classifies step failures.
type ErrorKind string

const (
	KindExitStatus ErrorKind = "exit_status" // subprocess exited nonzero
	KindSpawn      ErrorKind = "spawn"       // work dir or process could not be started
	KindNative     ErrorKind = "native"      // native binding returned an error or panicked
	KindRemote     ErrorKind = "remote"      // remote endpoint failed or returned a fault
	KindAdaptation ErrorKind = "adaptation"  // an output could not be adapted to its declared type
	KindOutput     ErrorKind = "output"      // a declared output was not produced
	KindTimeout    ErrorKind = "timeout"     // wall-clock limit reached
	KindCancelled  ErrorKind = "cancelled"   // external cancellation
	KindFetch      ErrorKind = "fetch"       // fetch/install refused or failed
)

// RunError is the structured failure of one step invocation.
type RunError struct {
	Kind       ErrorKind `json:"kind"`
	Step       string    `json:"step"`
	Message    string    `json:"message"`
	Trace      string    `json:"trace,omitempty"`
	ExitStatus *int      `json:"exit_status,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Err        error     `json:"-"`
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("step %s: %s: %s", e.Step, e.Kind, e.Message)
	if e.ExitStatus != nil {
		msg += fmt.Sprintf(" (exit status %d)", *e.ExitStatus)
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsRunError reports whether err is or wraps a RunError.
func IsRunError(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}

// KindOf returns the RunError kind of err, or "" if err is not a RunError.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func exitStatus(code int) *int {
	return &code
}
