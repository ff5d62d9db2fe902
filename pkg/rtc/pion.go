package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionFactory builds peer connections backed by pion/webrtc.
type PionFactory struct {
	config webrtc.Configuration
}

// NewPionFactory creates a factory using the given STUN server URLs.
func NewPionFactory(stunServers []string) *PionFactory {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &PionFactory{config: config}
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu             sync.Mutex
	onConnected    func()
	onDisconnected func()
}

func (c *pionConn) CreateOffer() (SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer() (SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (c *pionConn) SetLocalDescription(desc SessionDescription) error {
	return c.pc.SetLocalDescription(toPionDescription(desc))
}

func (c *pionConn) SetRemoteDescription(desc SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionDescription(desc))
}

func (c *pionConn) RemoteDescriptionSet() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddICECandidate(candidate ICECandidateInit) error {
	mid := candidate.SDPMid
	index := candidate.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConn) OnDataChannel(fn func(dc DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionChannel{dc: dc})
	})
}

func (c *pionConn) OnICECandidate(fn func(candidate ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// pion signals end-of-candidates with nil.
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		out := ICECandidateInit{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func (c *pionConn) OnConnected(fn func()) {
	c.stateHandlers(fn, nil)
}

func (c *pionConn) OnDisconnected(fn func()) {
	c.stateHandlers(nil, fn)
}

// pion allows a single OnConnectionStateChange handler, so both
// callbacks funnel through one registration.
func (c *pionConn) stateHandlers(onConnected, onDisconnected func()) {
	c.mu.Lock()
	if onConnected != nil {
		c.onConnected = onConnected
	}
	if onDisconnected != nil {
		c.onDisconnected = onDisconnected
	}
	c.mu.Unlock()

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		connected, disconnected := c.onConnected, c.onDisconnected
		c.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			if connected != nil {
				connected()
			}
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			if disconnected != nil {
				disconnected()
			}
		}
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func toPionDescription(desc SessionDescription) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == SDPTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (ch *pionChannel) Label() string { return ch.dc.Label() }

func (ch *pionChannel) Send(data []byte) error {
	if ch.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelClosed
	}
	return ch.dc.Send(data)
}

func (ch *pionChannel) OnMessage(fn func(data []byte)) {
	ch.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (ch *pionChannel) OnOpen(fn func())  { ch.dc.OnOpen(fn) }
func (ch *pionChannel) OnClose(fn func()) { ch.dc.OnClose(fn) }
func (ch *pionChannel) Close() error      { return ch.dc.Close() }
