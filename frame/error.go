package frame

import (
	"fmt"

	"github.com/juju/errors"
)

type DecodeErrorKind uint8

const (
	TooShort DecodeErrorKind = iota + 1
	LengthOutOfRange
	Truncated
	ChecksumMismatch
	MalformedDocument
)

func (k DecodeErrorKind) String() string {
	switch k {
	case TooShort:
		return "too short"
	case LengthOutOfRange:
		return "length out of range"
	case Truncated:
		return "truncated"
	case ChecksumMismatch:
		return "checksum mismatch"
	case MalformedDocument:
		return "malformed document"
	}
	return fmt.Sprintf("DecodeErrorKind(%d)", uint8(k))
}

type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func newDecodeError(kind DecodeErrorKind, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "frame decode: " + e.Kind.String()
	}
	return "frame decode: " + e.Kind.String() + " " + e.Detail
}

// KindOf returns DecodeError kind of err or its cause, 0 otherwise.
func KindOf(err error) DecodeErrorKind {
	if de, ok := errors.Cause(err).(*DecodeError); ok {
		return de.Kind
	}
	return 0
}
