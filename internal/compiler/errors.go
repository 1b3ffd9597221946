package compiler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies compile failures.
type ErrorKind string

const (
	KindMalformed        ErrorKind = "malformed"
	KindUnknownReference ErrorKind = "unknown_reference"
	KindCycle            ErrorKind = "cycle"
	KindTypeMismatch     ErrorKind = "type_mismatch"
	KindDuplicateStepID  ErrorKind = "duplicate_step_id"
	KindMissingBinding   ErrorKind = "missing_binding"
)

// CompileError reports a document that cannot be turned into a runnable plan.
// No step ever runs for a flow that fails to compile.
type CompileError struct {
	Kind    ErrorKind `json:"kind"`
	Step    string    `json:"step,omitempty"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
	Path    []string  `json:"path,omitempty"` // cycle path, first node repeated at the end
	Line    int       `json:"line,omitempty"`
	Err     error     `json:"-"`
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile error [%s]", e.Kind)
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, " step %q", e.Step)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// ErrorList holds every compile error found in one document, in document
// order. errors.As on an ErrorList finds the first *CompileError.
type ErrorList []*CompileError

func (l ErrorList) Error() string {
	if len(l) == 1 {
		return l[0].Error()
	}
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d compile errors:\n  %s", len(l), strings.Join(msgs, "\n  "))
}

func (l ErrorList) Unwrap() []error {
	errs := make([]error, len(l))
	for i, e := range l {
		errs[i] = e
	}
	return errs
}

// err returns nil, the sole error, or the list.
func (l ErrorList) err() error {
	switch len(l) {
	case 0:
		return nil
	case 1:
		return l[0]
	default:
		return l
	}
}

// IsCompileError reports whether err is or wraps a CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// HasKind reports whether any compile error wrapped by err has the kind.
func HasKind(err error, kind ErrorKind) bool {
	for _, ce := range All(err) {
		if ce.Kind == kind {
			return true
		}
	}
	return false
}

// All flattens err into its compile errors.
func All(err error) []*CompileError {
	var list ErrorList
	if errors.As(err, &list) {
		return list
	}
	var ce *CompileError
	if errors.As(err, &ce) {
		return []*CompileError{ce}
	}
	return nil
}
