package cache

import (
	"errors"
	"fmt"
)

// ErrorCode classifies cache errors.
type ErrorCode string

const (
	// ErrCodeUnavailable means the service could not be reached or the
	// connection broke mid-request.
	ErrCodeUnavailable ErrorCode = "unavailable"

	// ErrCodeProtocol means the peer sent something the protocol does not allow.
	ErrCodeProtocol ErrorCode = "protocol"

	// ErrCodeServer is an "#!error:" reply from the service.
	ErrCodeServer ErrorCode = "server"

	// ErrCodeBadKey and ErrCodeBadValue reject a request before it is sent.
	ErrCodeBadKey   ErrorCode = "bad_key"
	ErrCodeBadValue ErrorCode = "bad_value"
)

// Error is returned by the cache client and by key/value validation.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("cache %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the cache service is unreachable.
func IsUnavailable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == ErrCodeUnavailable
}

// IsCacheError reports whether err originated in this package.
func IsCacheError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
