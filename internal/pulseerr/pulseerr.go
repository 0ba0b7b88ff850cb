// Package pulseerr defines the closed set of error codes the connection
// core reports through Context.Errno and operation-failure callbacks.
package pulseerr

import "fmt"

// Code is a stable numeric error code, mirrored from the wire protocol's
// ERROR payload and from internal failure paths.
type Code int

const (
	OK Code = iota
	PROTOCOL
	TIMEOUT
	AUTHKEY
	INTERNAL
	CONNECTION_TERMINATED
	CONNECTION_REFUSED
	INVALID
	INVALIDSERVER
	NOENTITY
	BADSTATE
	VERSION
	NOTSUPPORTED
	FORKED
	UNKNOWN
	MAX
)

var names = map[Code]string{
	OK:                     "ok",
	PROTOCOL:               "protocol error",
	TIMEOUT:                "timeout",
	AUTHKEY:                "invalid authorization key",
	INTERNAL:               "internal error",
	CONNECTION_TERMINATED:  "connection terminated",
	CONNECTION_REFUSED:     "connection refused",
	INVALID:                "invalid argument",
	INVALIDSERVER:          "invalid server",
	NOENTITY:               "no such entity",
	BADSTATE:               "bad state",
	VERSION:                "incompatible protocol version",
	NOTSUPPORTED:           "operation not supported",
	FORKED:                 "process forked",
	UNKNOWN:                "unknown error",
	MAX:                    "invalid error code",
}

// String returns a human-readable description of the code.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unrecognized error"
}

// Error implements the error interface so Code can be returned directly.
func (c Code) Error() string {
	return c.String()
}

// FromWire normalizes a code received on the wire in an ERROR packet.
// A code of OK or one at/above MAX is not a valid server error and is
// normalized per spec: OK -> PROTOCOL (a server shouldn't fail a request
// with "no error"), anything >= MAX -> UNKNOWN (forward compatibility with
// a newer server that defines more codes than we know about).
func FromWire(raw uint32) Code {
	c := Code(raw)
	switch {
	case c == OK:
		return PROTOCOL
	case c >= MAX:
		return UNKNOWN
	default:
		return c
	}
}

// Error wraps a Code with call-site context, matching the
// code/message/details shape the teacher's SocketError used for transport
// failures.
type Error struct {
	Code    Code
	Message string
	Details string
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Code
}
