package session

import (
	"fmt"

	"github.com/juju/errors"
)

type State uint32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnected
	StateRecovering   // outbound sends suspended
	StateDisconnected // discovery still running
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Event uint8

const (
	EventStart       Event = iota + 1
	EventSighted           // peer announcement
	EventSelected          // autoSelect picked peer
	EventLost              // active peer evicted, no replacement
	EventFault             // health threshold reached
	EventReconnected       // recovery ping succeeded
	EventExhausted         // recovery attempts exhausted
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventSighted:
		return "sighted"
	case EventSelected:
		return "selected"
	case EventLost:
		return "lost"
	case EventFault:
		return "fault"
	case EventReconnected:
		return "reconnected"
	case EventExhausted:
		return "exhausted"
	case EventStop:
		return "stop"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

var ErrTransition = errors.New("invalid session transition")

// Next is the only place where session state changes are defined.
//
//	idle -start-> discovering -selected-> connected -fault-> recovering
//	recovering -reconnected-> connected
//	recovering -exhausted-> disconnected -sighted-> discovering
//	connected -lost-> disconnected
//	any -stop-> idle
func Next(s State, ev Event) (State, error) {
	if ev == EventStop {
		return StateIdle, nil
	}
	switch s {
	case StateIdle:
		if ev == EventStart {
			return StateDiscovering, nil
		}

	case StateDiscovering:
		switch ev {
		case EventSighted, EventLost:
			return StateDiscovering, nil
		case EventSelected:
			return StateConnected, nil
		}

	case StateConnected:
		switch ev {
		case EventSighted, EventSelected:
			return StateConnected, nil
		case EventFault:
			return StateRecovering, nil
		case EventLost:
			return StateDisconnected, nil
		}

	case StateRecovering:
		switch ev {
		case EventSighted, EventLost:
			return StateRecovering, nil
		case EventReconnected:
			return StateConnected, nil
		case EventExhausted:
			return StateDisconnected, nil
		}

	case StateDisconnected:
		switch ev {
		case EventSighted:
			return StateDiscovering, nil
		case EventLost:
			return StateDisconnected, nil
		}
	}
	return s, errors.Annotatef(ErrTransition, "state=%s event=%s", s, ev)
}
