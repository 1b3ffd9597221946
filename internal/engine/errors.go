package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/gridflow/internal/runner"
)

// Sentinels matched with errors.Is against a run's error.
var (
	// ErrCancelled means the flow was cancelled before it finished.
	ErrCancelled = errors.New("flow cancelled")

	// ErrTimeout means the flow's primary failure is a step that exceeded
	// its wall-clock limit.
	ErrTimeout = errors.New("step timed out")
)

// StepFailure is one failed step of a run.
type StepFailure struct {
	StepID string
	Index  int // declaration order
	State  State
	Err    error
}

func (f StepFailure) Error() string {
	return fmt.Sprintf("step %s %s: %v", f.StepID, strings.ToLower(string(f.State)), f.Err)
}

func (f StepFailure) Unwrap() error {
	return f.Err
}

// FlowError is the result error of a run in which non-optional steps failed.
//
// Failures are ordered by declaration; the first is the primary failure
// reported to users. errors.As reaches every failure's error, so
//
//	var re *runner.RunError
//	errors.As(err, &re)
//
// finds the primary step's RunError.
type FlowError struct {
	RunID    string
	Failures []StepFailure
}

func (e *FlowError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("run %s failed", e.RunID)
	}
	msg := fmt.Sprintf("run %s: %s", e.RunID, e.Failures[0].Error())
	if n := len(e.Failures) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more failed step(s))", n)
	}
	return msg
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *FlowError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Is matches ErrTimeout when the primary failure timed out.
func (e *FlowError) Is(target error) bool {
	return target == ErrTimeout && len(e.Failures) > 0 && e.Failures[0].State == StateTimedOut
}

// Primary returns the first failure in declaration order.
func (e *FlowError) Primary() (StepFailure, bool) {
	if len(e.Failures) == 0 {
		return StepFailure{}, false
	}
	return e.Failures[0], true
}

// IsTimeout reports whether err means the flow failed on a step timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled reports whether err means the flow was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsFlowError reports whether err is or wraps a FlowError.
func IsFlowError(err error) bool {
	var fe *FlowError
	return errors.As(err, &fe)
}

// InputError rejects the global inputs supplied to a run before any step
// starts.
type InputError struct {
	Name    string
	Message string
	Err     error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input %q: %s: %v", e.Name, e.Message, e.Err)
	}
	return fmt.Sprintf("input %q: %s", e.Name, e.Message)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// stateOf maps a step error to its terminal state.
func stateOf(err error) State {
	switch runner.KindOf(err) {
	case runner.KindTimeout:
		return StateTimedOut
	case runner.KindCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}
