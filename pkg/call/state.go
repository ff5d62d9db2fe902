// Package call implements the signaling state machines on top of the
// transport: the 1:1 call session coordinator, the group-call mesh
// coordinator, and the heartbeat-driven liveness monitor that keeps
// the mesh topology honest when peers vanish silently.
package call

import (
	"errors"

	"github.com/alcovechat/rtc-core/pkg/protocol"
)

// State is the lifecycle position of a 1:1 call session.
type State int

const (
	StateIdle State = iota
	StateRingingOutgoing
	StateRingingIncoming
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOutgoing:
		return "ringing_outgoing"
	case StateRingingIncoming:
		return "ringing_incoming"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// allowedTransitions guards every state change. Ended is terminal; a
// session in Ended is removed and the peer re-enters Idle implicitly.
var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateRingingOutgoing: {},
		StateRingingIncoming: {},
	},
	StateRingingOutgoing: {
		StateConnecting: {},
		StateEnded:      {},
	},
	StateRingingIncoming: {
		StateConnecting: {},
		StateEnded:      {},
	},
	StateConnecting: {
		StateActive: {},
		StateEnded:  {},
	},
	StateActive: {
		StateEnded: {},
	},
	StateEnded: {},
}

// Direction records which side initiated a session.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

var (
	ErrBusy              = errors.New("peer already has an active call")
	ErrNoSession         = errors.New("no session for peer")
	ErrBadState          = errors.New("operation not valid in current state")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Sender delivers envelopes to the relay. The transport client
// implements it; tests substitute a capture.
type Sender interface {
	Send(env protocol.Envelope) error
}
