package engine

// State is the lifecycle state of one step in one flow execution.
type State string

const (
	StatePending   State = "Pending"
	StateReady     State = "Ready"
	StateRunning   State = "Running"
	StateCached    State = "Cached"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
	StateTimedOut  State = "TimedOut"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCached, StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Produced reports whether the step's outputs are available to consumers.
func (s State) Produced() bool {
	return s == StateSucceeded || s == StateCached
}

// Failed reports whether the state counts as a step failure.
func (s State) Failed() bool {
	return s == StateFailed || s == StateTimedOut
}
