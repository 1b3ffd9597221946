// Package ir holds the in-memory form of flow documents and the canonical
// encoding used for content-addressed identity.
//
// The flow document is an XML-shaped tree (flow, inputs, outputs, processes,
// process). The same structs carry yaml tags so a flow may also be written as
// YAML with identical field names.
//
// Canonical encoding rules (used for fingerprints, never for display):
//   - Object keys sorted by UTF-16 code units
//   - No HTML escaping; strings are NFC normalized
//   - Floats in shortest round-trip form; NaN and Inf are rejected
//   - File values appear only as content digests (see ContentDigest)
package ir
