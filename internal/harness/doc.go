// Package harness runs flow scenarios as executable contract tests.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: fan_out
//	description: "Range, double and sum four numbers"
//	flow: flows/fanout.yaml      # relative to the scenario file
//	inputs:
//	  n: 4
//	runs: 2                      # run the flow twice against one cache
//	no_cache: false
//	max_concurrency: 1
//	expect:
//	  outputs: { total: 12 }
//	  states: { range: Cached, double: Cached, total: Cached }
//	  error_kind: ""             # empty means the final run succeeds
//	assertions:
//	  - type: trace_order
//	    steps: [range, double, total]
//	  - type: trace_count
//	    step: range
//	    state: Cached
//	    count: 1
//	  - type: cache_entries
//	    count: 3
//
// Expectations apply to the final run. Assertions see the trace of every
// run.
//
// # Assertion Types
//
//   - trace_contains: a step reached a state (optionally in a given run)
//   - trace_order: steps started in the given order
//   - trace_count: a step reached a state exactly N times
//   - cache_entries: the scenario's cache holds exactly N entries
//
// # Deterministic Testing
//
// Each scenario runs against its own temporary work root and its own cache
// service on a loopback port. Run ids are sequential ("<name>-1", ...) and
// the wall clock is a stepping clock, so traces of flows with a
// concurrency limit of one are identical across executions and can be
// compared against golden files:
//
//	result, err := harness.Run(ctx, scenario, harness.WithNatives(natives.Builtin()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
