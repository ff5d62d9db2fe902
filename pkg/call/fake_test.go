package call

import (
	"fmt"
	"sync"

	"github.com/alcovechat/rtc-core/pkg/protocol"
	"github.com/alcovechat/rtc-core/pkg/rtc"
)

// fakeSender captures envelopes instead of writing to a relay.
type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (s *fakeSender) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) byType(envType string) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.sent {
		if env.Type == envType {
			out = append(out, env)
		}
	}
	return out
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakePC
	seq     int
}

func (f *fakeFactory) NewPeerConnection() (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	pc := &fakePC{
		id:       f.seq,
		channels: make(map[string]*fakeChannel),
	}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakePC struct {
	id int

	mu         sync.Mutex
	localDesc  *rtc.SessionDescription
	remoteDesc *rtc.SessionDescription
	applied    []rtc.ICECandidateInit
	channels   map[string]*fakeChannel
	closed     bool

	onDataChannel  func(rtc.DataChannel)
	onICE          func(rtc.ICECandidateInit)
	onConnected    func()
	onDisconnected func()
}

func (pc *fakePC) CreateOffer() (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Type: rtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-sdp-%d", pc.id)}, nil
}

func (pc *fakePC) CreateAnswer() (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-sdp-%d", pc.id)}, nil
}

func (pc *fakePC) SetLocalDescription(desc rtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.localDesc = &desc
	return nil
}

func (pc *fakePC) SetRemoteDescription(desc rtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.remoteDesc = &desc
	return nil
}

func (pc *fakePC) RemoteDescriptionSet() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remoteDesc != nil
}

func (pc *fakePC) AddICECandidate(candidate rtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.applied = append(pc.applied, candidate)
	return nil
}

func (pc *fakePC) CreateDataChannel(label string) (rtc.DataChannel, error) {
	ch := &fakeChannel{label: label}
	pc.mu.Lock()
	pc.channels[label] = ch
	pc.mu.Unlock()
	return ch, nil
}

func (pc *fakePC) OnDataChannel(fn func(dc rtc.DataChannel)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onDataChannel = fn
}

func (pc *fakePC) OnICECandidate(fn func(candidate rtc.ICECandidateInit)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICE = fn
}

func (pc *fakePC) OnConnected(fn func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onConnected = fn
}

func (pc *fakePC) OnDisconnected(fn func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onDisconnected = fn
}

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePC) appliedCandidates() []rtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]rtc.ICECandidateInit(nil), pc.applied...)
}

// connect simulates transport establishment.
func (pc *fakePC) connect() {
	pc.mu.Lock()
	fn := pc.onConnected
	pc.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// disconnect simulates transport loss.
func (pc *fakePC) disconnect() {
	pc.mu.Lock()
	fn := pc.onDisconnected
	pc.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// deliverChannel hands an inbound data channel to the OnDataChannel
// handler, as if the remote side created it.
func (pc *fakePC) deliverChannel(ch *fakeChannel) {
	pc.mu.Lock()
	fn := pc.onDataChannel
	pc.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

// fakeChannel is one end of an in-memory data channel pair. Send
// delivers synchronously into the peer end's OnMessage handler.
type fakeChannel struct {
	label string

	mu        sync.Mutex
	peer      *fakeChannel
	onMessage func(data []byte)
	sent      [][]byte
	closed    bool
}

// newChannelPair wires two channel ends back to back.
func newChannelPair(label string) (*fakeChannel, *fakeChannel) {
	a := &fakeChannel{label: label}
	b := &fakeChannel{label: label}
	a.peer, b.peer = b, a
	return a, b
}

func (ch *fakeChannel) Label() string { return ch.label }

func (ch *fakeChannel) Send(data []byte) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return rtc.ErrChannelClosed
	}
	ch.sent = append(ch.sent, data)
	peer := ch.peer
	ch.mu.Unlock()

	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	fn := peer.onMessage
	peer.mu.Unlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

func (ch *fakeChannel) OnMessage(fn func(data []byte)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMessage = fn
}

func (ch *fakeChannel) OnOpen(fn func())  { fn() }
func (ch *fakeChannel) OnClose(fn func()) {}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

func (ch *fakeChannel) sentMessages() [][]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([][]byte(nil), ch.sent...)
}
