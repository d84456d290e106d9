package link

import (
	"github.com/jixiexiaoge/cplink/internal/session"
	"github.com/jixiexiaoge/cplink/internal/udp"
)

// TransportError is socket level failure.
type TransportError = udp.Error

type ErrorKind = udp.ErrorKind

const (
	SocketInitFailure = udp.SocketInitFailure
	SendFailure       = udp.SendFailure
	ReceiveTimeout    = udp.ReceiveTimeout
)

var (
	ErrNoActivePeer      = session.ErrNoActivePeer
	ErrPeerTimedOut      = session.ErrPeerTimedOut
	ErrRecoveryExhausted = session.ErrRecoveryExhausted
)

// KindOf returns TransportError kind of err or its cause, 0 otherwise.
func KindOf(err error) ErrorKind { return udp.KindOf(err) }
