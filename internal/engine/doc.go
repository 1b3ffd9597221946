// Package engine executes compiled flow plans.
//
// An Executor runs one plan once. Steps start when every upstream producer
// has finished, in declaration order, bounded by a concurrency limit. Each
// started step runs in its own goroutine; results come back through a FIFO
// completion queue and are applied by a single writer loop, so record state
// changes and dependent promotion happen in one place.
//
// Single-Writer Loop:
//  1. Ready steps start while fewer than max-concurrency are running
//  2. A worker adapts inputs, asks the coordinator for a cached result or
//     invokes the runner, then enqueues a completion
//  3. The loop dequeues completions, records the terminal state and
//     promotes dependents whose last producer just finished
//  4. The loop exits once nothing is running
//
// Failure Policy:
// A failed step cancels its descendants. A non-optional failure also stops
// new steps from starting; steps already running drain. External
// cancellation, or the end of the context passed to Run, cancels running
// steps as well. The run's error is a *FlowError listing the failures in
// declaration order, or wraps ErrCancelled or ErrTimeout.
//
// Ordering:
// Every Running and terminal transition is stamped from a logical Clock.
// Observers see events in seq order. Wall-clock times are recorded for
// reports but never used to order anything.
package engine
