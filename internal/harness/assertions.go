package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  run %d seq %d: %s %s\n", ev.Run, ev.Seq, ev.StepID, ev.State)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertCacheEntries:
			err = assertCacheEntries(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func matchRun(ev TraceEvent, run int) bool {
	return run == 0 || ev.Run == run
}

// assertTraceContains checks that the step reached the state.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchRun(ev, a.Run) && ev.StepID == a.Step && ev.State == a.State {
			return nil
		}
	}
	expected := fmt.Sprintf("%s reaches %s", a.Step, a.State)
	if a.Run != 0 {
		expected += fmt.Sprintf(" in run %d", a.Run)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that steps started in the given order. Steps
// don't need to be consecutive (intervening steps are allowed). Only the
// first start of each step counts.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if !matchRun(ev, a.Run) || ev.State != "Running" {
			continue
		}
		if _, seen := positions[ev.StepID]; !seen {
			positions[ev.StepID] = i + 1 // 1-indexed for readability
		}
	}

	for _, step := range a.Steps {
		if positions[step] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps started: %v", a.Steps),
				Actual:   fmt.Sprintf("never started: %s", step),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Steps); i++ {
		prev, curr := a.Steps[i-1], a.Steps[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", a.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the step reached the state exactly Count
// times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchRun(ev, a.Run) && ev.StepID == a.Step && ev.State == a.State {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s %s", a.Count, a.Step, a.State),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertCacheEntries checks the number of entries in the scenario's cache.
func assertCacheEntries(result *Result, a Assertion) error {
	if result.CacheEntries < 0 {
		return &AssertionError{
			Type:     AssertCacheEntries,
			Expected: fmt.Sprintf("%d cache entries", a.Count),
			Actual:   "scenario ran without a cache",
		}
	}
	if result.CacheEntries != int64(a.Count) {
		return &AssertionError{
			Type:     AssertCacheEntries,
			Expected: fmt.Sprintf("%d cache entries", a.Count),
			Actual:   fmt.Sprintf("%d cache entries", result.CacheEntries),
		}
	}
	return nil
}
