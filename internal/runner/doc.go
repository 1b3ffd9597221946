// Package runner invokes one step's binding with adapted inputs and returns
// typed outputs.
//
// Three binding kinds are supported:
//   - native: a Go function looked up by dotted name in a NativeRegistry
//   - subprocess: a /bin/sh command template run in the step work directory
//     in its own process group, tracked by a Supervisor
//   - remote: an HTTP endpoint called with JSON-RPC 2.0 or plain JSON
//
// Every invocation gets <work_root>/<run_id>/<step_id>/ as its work
// directory. Failures never escape as panics; they are returned as *RunError.
// Wall-clock limits are set by the caller through ctx: on expiry the runner
// signals the process group, waits the kill grace and then kills it.
package runner
