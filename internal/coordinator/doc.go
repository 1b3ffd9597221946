// Package coordinator decides, per step, whether an invocation can be
// replaced by a cached result.
//
// Every step execution is identified by a fingerprint over its binding
// identity, its declared version and the canonical form of its adapted
// inputs. File inputs contribute the SHA-256 of their content, never their
// path. A hit rehydrates the stored outputs into the requesting step's work
// directory; a miss runs the step and stores the outputs on success.
//
// Within one process at most one invocation per fingerprint is in flight;
// concurrent requesters wait for it and share its result. Across processes
// duplicate runs are harmless because the cache keeps the first value
// inserted for a key.
package coordinator
