package engine

import (
	"time"

	"github.com/roach88/gridflow/internal/runner"
)

// Record is the execution record of one step in one run.
type Record struct {
	StepID      string
	Index       int // declaration order
	Binding     string
	Fingerprint string
	State       State
	Reason      string // why a step was cancelled without running

	// Seq stamps of the Running and terminal transitions; zero when the
	// transition never happened.
	StartSeq int64
	EndSeq   int64
	Started  time.Time
	Finished time.Time

	PID     int
	WorkDir string
	Inputs  map[string]any // adapted values the binding received
	Outputs map[string]any // typed outputs; nil unless Produced
	Err     error
}

// Duration is the wall-clock time between start and end.
func (r *Record) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// RunError returns the structured step error, if any.
func (r *Record) RunError() (*runner.RunError, bool) {
	re, ok := r.Err.(*runner.RunError)
	return re, ok
}

func argsMap(args []runner.Arg) map[string]any {
	if args == nil {
		return nil
	}
	m := make(map[string]any, len(args))
	for _, a := range args {
		m[a.Name] = a.Value
	}
	return m
}
