package cache

import (
	"bufio"
	"bytes"
	"strings"
	"unicode"
)

// Protocol tokens.
const (
	newline    = "\r\n"
	msgOK      = "#!ok\r\n"
	msgNone    = "#!None\r\n"
	terminator = "#!end\r\n"
	errPrefix  = "#!error: "

	cmdPing   = "ping"
	cmdGet    = "get"
	cmdDelete = "delete"
	cmdInsert = "insert"
)

// Limits enforced by the server.
const (
	MaxKeyLen   = 4096
	MaxValueLen = 256 << 20
)

// connState is the per-connection protocol state.
type connState int

const (
	stateStart connState = iota
	stateGetKey
	stateDeleteKey
	stateInsertKey
	stateInsertValue
)

func (s connState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateGetKey:
		return "get"
	case stateDeleteKey:
		return "delete"
	case stateInsertKey:
		return "insert"
	case stateInsertValue:
		return "value"
	default:
		return "unknown"
	}
}

// ValidKey reports whether key can travel on the wire: non-empty, printable,
// no network newline, no reserved prefix, at most MaxKeyLen bytes.
func ValidKey(key string) error {
	switch {
	case key == "":
		return &Error{Code: ErrCodeBadKey, Message: "empty key"}
	case len(key) > MaxKeyLen:
		return &Error{Code: ErrCodeBadKey, Message: "key too long"}
	case strings.HasPrefix(key, "#!"):
		return &Error{Code: ErrCodeBadKey, Message: "key uses reserved prefix"}
	}
	for _, r := range key {
		if !unicode.IsPrint(r) {
			return &Error{Code: ErrCodeBadKey, Message: "key contains non-printable characters"}
		}
	}
	return nil
}

// ValidValue reports whether value can be framed by the terminator and told
// apart from a protocol reply.
func ValidValue(value []byte) error {
	if len(value) > MaxValueLen {
		return &Error{Code: ErrCodeBadValue, Message: "value too large"}
	}
	if bytes.Contains(value, []byte(terminator)) {
		return &Error{Code: ErrCodeBadValue, Message: "value contains the end sentinel"}
	}
	if bytes.HasPrefix(value, []byte("#!")) {
		return &Error{Code: ErrCodeBadValue, Message: "value uses reserved prefix"}
	}
	return nil
}

var errLineTooLong = &Error{Code: ErrCodeProtocol, Message: "line too long"}

// readLine reads one line and strips the trailing "\r\n" (a bare "\n" is
// tolerated). Lines longer than limit are consumed and reported as
// errLineTooLong.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > limit+len(newline) {
				tooLong = true
				buf = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", errLineTooLong
	}
	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

var errValueTooLarge = &Error{Code: ErrCodeBadValue, Message: "value too large"}

// readValue reads bytes up to and including the terminator and returns
// everything before it. A value over limit is consumed up to its terminator
// and reported as errValueTooLarge so the stream stays in sync.
func readValue(r *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	var tail []byte
	tooLarge := false
	for {
		chunk, err := r.ReadSlice('\n')
		if tooLarge {
			tail = append(tail, chunk...)
			if len(tail) > len(terminator) {
				tail = tail[len(tail)-len(terminator):]
			}
		} else {
			buf = append(buf, chunk...)
			if len(buf) > limit+len(terminator) {
				tooLarge = true
				tail = append(tail, buf[len(buf)-len(terminator):]...)
				buf = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tooLarge {
			if bytes.Equal(tail, []byte(terminator)) {
				return nil, errValueTooLarge
			}
			continue
		}
		if bytes.HasSuffix(buf, []byte(terminator)) {
			return buf[:len(buf)-len(terminator)], nil
		}
	}
}
