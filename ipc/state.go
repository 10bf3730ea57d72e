package ipc

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Handle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Failed means an established connection was lost. Err returns the
	// reason. A Failed handle may be reconnected.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind classifies a LifecycleEvent.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// LifecycleEvent is published on Handle.Events for every native lifecycle
// callback.
type LifecycleEvent struct {
	Kind  EventKind
	Err   error
	State State
	At    time.Time
}
