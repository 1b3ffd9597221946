package engine

import (
	"time"

	"github.com/roach88/gridflow/internal/compiler"
	"github.com/roach88/gridflow/internal/metrics"
)

// EventKind distinguishes scheduler events.
type EventKind int

const (
	// EventFlowStarted is emitted once before any step runs.
	EventFlowStarted EventKind = iota + 1
	// EventStepStarted is emitted when a step begins running.
	EventStepStarted
	// EventStepFinished is emitted when a step reaches a terminal state,
	// including steps cancelled without running.
	EventStepFinished
	// EventFlowFinished is emitted once with the final result.
	EventFlowFinished
)

func (k EventKind) String() string {
	switch k {
	case EventFlowStarted:
		return "flow_started"
	case EventStepStarted:
		return "step_started"
	case EventStepFinished:
		return "step_finished"
	case EventFlowFinished:
		return "flow_finished"
	default:
		return "unknown"
	}
}

// Event is one scheduler transition. Step is a snapshot owned by the
// receiver; Result is set only on EventFlowFinished.
type Event struct {
	Kind   EventKind
	Seq    int64
	Time   time.Time
	RunID  string
	Plan   *compiler.Plan
	Step   *Record
	Result *Result
}

// Observer receives scheduler events in seq order from the scheduler
// goroutine. Implementations must not block for long and must not fail the
// run; the provenance annotator and the metrics recorder are observers.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}

// Observers fans an event out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (obs Observers) Observe(ev Event) {
	for _, o := range obs {
		if o != nil {
			o.Observe(ev)
		}
	}
}

// MetricsObserver records step and flow outcomes in m.
func MetricsObserver(m *metrics.Metrics) Observer {
	return ObserverFunc(func(ev Event) {
		switch ev.Kind {
		case EventStepFinished:
			binding := ev.Step.Binding
			if ev.Step.StartSeq == 0 {
				// never invoked
				binding = ""
			}
			m.StepFinished(string(ev.Step.State), binding, ev.Step.Duration())
		case EventFlowFinished:
			m.FlowFinished(ev.Result.Outcome())
		}
	})
}
