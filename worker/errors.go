package worker

import (
	"errors"
	"fmt"

	"honnef.co/go/tracecap/protocol"
	"honnef.co/go/tracecap/trace/tracefile"
)

// Kind classifies the errors that end a session or prevent one from starting.
type Kind uint8

const (
	KindCannotConnect Kind = iota + 1
	KindProtocol
	KindIO
	KindVersionTooNew
	KindVersionTooOld
	KindNotTraceFile
)

func (k Kind) String() string {
	switch k {
	case KindCannotConnect:
		return "cannot connect"
	case KindProtocol:
		return "protocol error"
	case KindIO:
		return "I/O error"
	case KindVersionTooNew:
		return "version too new"
	case KindVersionTooOld:
		return "version too old"
	case KindNotTraceFile:
		return "not a trace file"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

type Error struct {
	Kind Kind
	// Op is the operation that failed, such as "connect", "handshake", "read" or "open".
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Kind == kind
}

// ErrTimeout is reported when the producer stays silent for longer than Options.ReadTimeout.
var ErrTimeout = errors.New("producer stopped responding")

func handshakeError(err error) *Error {
	kind := KindCannotConnect
	switch {
	case errors.Is(err, protocol.ErrProtocolMismatch), errors.Is(err, protocol.ErrBadHandshake):
		kind = KindProtocol
	}
	return &Error{Kind: kind, Op: "handshake", Err: err}
}

func openError(err error) *Error {
	var verr *tracefile.VersionError
	kind := KindIO
	switch {
	case errors.Is(err, tracefile.ErrNotTraceFile):
		kind = KindNotTraceFile
	case errors.As(err, &verr):
		if verr.TooNew {
			kind = KindVersionTooNew
		} else {
			kind = KindVersionTooOld
		}
	}
	return &Error{Kind: kind, Op: "open", Err: err}
}
