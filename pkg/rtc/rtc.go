// Package rtc abstracts the real-time peer-connection primitive the
// call coordinators are built on. The coordinators only ever see these
// interfaces; the production implementation adapts pion/webrtc, and
// tests wire in-memory fakes back to back.
package rtc

import "errors"

var ErrChannelClosed = errors.New("data channel closed")

// SDPType discriminates session descriptions.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is the negotiated media description for one side
// of a connection.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidateInit is one discovered network path, in the standard
// init shape.
type ICECandidateInit struct {
	SDPMid        string
	SDPMLineIndex uint16
	Candidate     string
}

// DataChannel is a reliable, ordered side channel over a peer
// connection. The liveness monitor uses one per mesh leg.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnOpen(fn func())
	OnClose(fn func())
	Close() error
}

// PeerConnection is one direct media connection to a remote peer.
type PeerConnection interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	RemoteDescriptionSet() bool
	AddICECandidate(candidate ICECandidateInit) error

	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(fn func(dc DataChannel))
	OnICECandidate(fn func(candidate ICECandidateInit))
	OnConnected(fn func())
	OnDisconnected(fn func())

	Close() error
}

// Factory builds peer connections. Injected into the coordinators so
// call logic stays independent of the media library.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
