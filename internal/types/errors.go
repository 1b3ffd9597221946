package types

import (
	"errors"
	"fmt"
	"strings"
)

// NoConversionError is returned by Find when no chain of registered
// converters leads from In to Out.
type NoConversionError struct {
	In  Name
	Out Name
}

// Error implements the error interface.
func (e *NoConversionError) Error() string {
	return fmt.Sprintf("no conversion from %s to %s", e.In, e.Out)
}

// AdaptationError is returned when a chain exists but executing it failed:
// every candidate converter of some link returned an error or panicked.
type AdaptationError struct {
	In  Name
	Out Name

	// Link is the failing link, e.g. "xs:string -> xs:double".
	Link string

	// Causes holds the error of each candidate tried for the failing link,
	// in registration order.
	Causes []error
}

// Error implements the error interface.
func (e *AdaptationError) Error() string {
	msgs := make([]string, len(e.Causes))
	for i, c := range e.Causes {
		msgs[i] = c.Error()
	}
	if e.Link == "" {
		return fmt.Sprintf("adapt %s to %s: %s", e.In, e.Out, strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("adapt %s to %s: link %s failed: %s", e.In, e.Out, e.Link, strings.Join(msgs, "; "))
}

// Unwrap exposes the candidate errors to errors.Is and errors.As.
func (e *AdaptationError) Unwrap() []error {
	return e.Causes
}

// IsNoConversion returns true if err is or wraps a NoConversionError.
func IsNoConversion(err error) bool {
	var nc *NoConversionError
	return errors.As(err, &nc)
}

// IsAdaptation returns true if err is or wraps an AdaptationError or a
// NoConversionError. Both surface to callers as adaptation failures.
func IsAdaptation(err error) bool {
	var ae *AdaptationError
	return errors.As(err, &ae) || IsNoConversion(err)
}
