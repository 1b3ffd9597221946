// Package types implements the type and conversion registry used to adapt
// values between the declared types of flow steps.
//
// A type name is a namespaced string "{prefix}:{local}". The prefixes in use
// are "xs" for atomic types, "sf" for semantic types and "py" for structural
// types. Names that are known to be equivalent are collapsed into a synonym
// class, so that "str" and "xs:string" resolve to the same representative.
//
// The registry is data, not a type hierarchy: each ordered pair
// (inType, outType) maps to a list of candidate converters, and Find searches
// the resulting graph for a chain of links. Registries are owned by a single
// flow execution; use Clone to extend the builtin set without mutating it.
//
// List types may carry an element type, e.g. "py:list[xs:int]". Converting to
// such a type first reaches the base list type and then adapts every element.
package types
