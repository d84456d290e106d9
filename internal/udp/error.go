package udp

import (
	"fmt"

	"github.com/juju/errors"
)

type ErrorKind uint8

const (
	SocketInitFailure ErrorKind = iota + 1
	SendFailure
	ReceiveTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case SocketInitFailure:
		return "socket init failure"
	case SendFailure:
		return "send failure"
	case ReceiveTimeout:
		return "receive timeout"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is transport level failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Timeout() bool { return e.Kind == ReceiveTimeout }

func KindOf(err error) ErrorKind {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Kind
	}
	return 0
}
