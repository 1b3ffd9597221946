package ir

import (
	"fmt"
	"strings"
)

// RefPrefix marks a value source as a reference rather than a literal.
const RefPrefix = "@#"

// Reserved reference sources.
const (
	SourceInputs   = "inputs"
	SourcePrevious = "previous"
)

// Ref is a parsed value reference of the grammar "@#<ref>(.<field>)?".
//
//	@#inputs.a      -> Ref{Source: "inputs", Field: "a"}
//	@#sum.result    -> Ref{Source: "sum", Field: "result"}
//	@#previous.out  -> Ref{Source: "previous", Field: "out"}
//	@#sum           -> Ref{Source: "sum"} (the step's sole output)
type Ref struct {
	Source string
	Field  string
}

// String renders the reference in document form.
func (r Ref) String() string {
	if r.Field == "" {
		return RefPrefix + r.Source
	}
	return RefPrefix + r.Source + "." + r.Field
}

// IsRef reports whether s uses the reference grammar.
func IsRef(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), RefPrefix)
}

// ParseRef parses a reference. Only the first '.' separates source and
// field, so fields may contain dots but step ids may not.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, RefPrefix) {
		return Ref{}, fmt.Errorf("%q is not a reference", s)
	}
	body := s[len(RefPrefix):]
	if body == "" {
		return Ref{}, fmt.Errorf("%q: empty reference", s)
	}
	src, field, _ := strings.Cut(body, ".")
	if src == "" {
		return Ref{}, fmt.Errorf("%q: empty reference source", s)
	}
	if (src == SourceInputs || src == SourcePrevious) && field == "" {
		return Ref{}, fmt.Errorf("%q: @#%s requires a field", s, src)
	}
	return Ref{Source: src, Field: field}, nil
}
