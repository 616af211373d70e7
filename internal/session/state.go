// SPDX-License-Identifier: MIT
package session

import "fmt"

// StateKind enumerates the connection lifecycle.
type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is a snapshot of the session. Reason is set only for Failed.
type State struct {
	Kind   StateKind
	Reason string
}

func (s State) String() string {
	if s.Kind == Failed && s.Reason != "" {
		return fmt.Sprintf("error(%s)", s.Reason)
	}
	return s.Kind.String()
}
