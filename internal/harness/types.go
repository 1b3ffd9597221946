package harness

// TraceEvent is one step state transition observed during a run.
type TraceEvent struct {
	Run    int    `json:"run"`
	Seq    int64  `json:"seq"`
	StepID string `json:"step_id"`
	State  string `json:"state"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	Name string `json:"name"`

	// Pass indicates overall test success: every expectation and
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds the step transitions of every run in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final run.
	Outputs   map[string]any    `json:"outputs,omitempty"`
	States    map[string]string `json:"states,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`

	// CacheEntries is the number of cache entries after the last run, or
	// -1 when the scenario ran without a cache.
	CacheEntries int64 `json:"cache_entries"`
}

// NewResult creates a new passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:         name,
		Pass:         true,
		Trace:        []TraceEvent{},
		Errors:       []string{},
		States:       map[string]string{},
		CacheEntries: -1,
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a state transition.
func (r *Result) AddTrace(run int, seq int64, stepID, state string) {
	r.Trace = append(r.Trace, TraceEvent{Run: run, Seq: seq, StepID: stepID, State: state})
}
