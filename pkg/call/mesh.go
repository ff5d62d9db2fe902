package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/alcovechat/rtc-core/pkg/protocol"
	"github.com/alcovechat/rtc-core/pkg/rtc"
)

// HeartbeatChannelLabel names the data channel the liveness monitor
// rides on. The offering side of each leg creates it.
const HeartbeatChannelLabel = "heartbeat"

var ErrAlreadyJoined = fmt.Errorf("already joined group call")

// meshLeg is one direct connection to another participant of a group
// call. A mesh of N participants has N-1 legs per member.
type meshLeg struct {
	peerUserID string
	pc         rtc.PeerConnection
	pending    []protocol.Candidate
}

type meshCall struct {
	chatID  string
	kind    string
	legs    map[string]*meshLeg
	monitor *Monitor
	// Candidates that arrived before their leg existed. A candidate can
	// overtake the offer on the wire because ICE gathering starts at
	// SetLocalDescription, before the offer envelope is sent. Moved onto
	// the leg when it forms; bounded, oldest dropped first.
	early map[string][]protocol.Candidate
}

func (call *meshCall) takeEarly(peerUserID string) []protocol.Candidate {
	buffered := call.early[peerUserID]
	delete(call.early, peerUserID)
	return buffered
}

// MeshCoordinator runs full-mesh group calls. Every member keeps one
// peer connection per other member; joins fan out through the relay
// and existing members offer toward the newcomer.
type MeshCoordinator struct {
	userID  string
	sender  Sender
	factory rtc.Factory

	mu    sync.Mutex
	calls map[string]*meshCall

	// OnIncoming fires for a join announcement in a chat the local user
	// has not joined. OnPeerJoined and OnPeerLeft track membership of
	// joined calls. Callbacks run outside the coordinator lock.
	OnIncoming   func(inc protocol.IncomingGroupCall)
	OnPeerJoined func(chatID, peerUserID string)
	OnPeerLeft   func(chatID, peerUserID string)
}

// NewMeshCoordinator creates a group-call coordinator for one user.
func NewMeshCoordinator(userID string, sender Sender, factory rtc.Factory) *MeshCoordinator {
	return &MeshCoordinator{
		userID:  userID,
		sender:  sender,
		factory: factory,
		calls:   make(map[string]*meshCall),
	}
}

// Joined reports whether the local user is in the chat's group call.
func (m *MeshCoordinator) Joined(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.calls[chatID]
	return ok
}

// JoinedChats lists the chats whose group call the local user is in.
func (m *MeshCoordinator) JoinedChats() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	chats := make([]string, 0, len(m.calls))
	for chatID := range m.calls {
		chats = append(chats, chatID)
	}
	return chats
}

// Participants lists the peers the local user holds a leg to.
func (m *MeshCoordinator) Participants(chatID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[chatID]
	if !ok {
		return nil
	}
	peers := make([]string, 0, len(call.legs))
	for peer := range call.legs {
		peers = append(peers, peer)
	}
	return peers
}

// Join announces the local user into the chat's group call. Existing
// members respond with one offer each; legs form as the offers arrive.
func (m *MeshCoordinator) Join(chatID, kind string) error {
	m.mu.Lock()
	if _, ok := m.calls[chatID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, chatID)
	}
	call := &meshCall{
		chatID: chatID,
		kind:   kind,
		legs:   make(map[string]*meshLeg),
		early:  make(map[string][]protocol.Candidate),
	}
	call.monitor = NewMonitor(func(peerUserID string) {
		m.dropPeer(chatID, peerUserID)
	})
	call.monitor.Start()
	m.calls[chatID] = call
	m.mu.Unlock()

	log.Printf("🌐 Joining group call in chat %s", chatID)
	return m.sender.Send(protocol.MustEnvelope(protocol.TypeGroupCallRequest, &protocol.GroupCallRequest{
		ChatID: chatID,
		Kind:   protocol.GroupSignalJoinRequest,
	}))
}

// HandleIncoming processes a fanned-out join announcement. A member
// already in the call offers a new leg toward the joiner; anyone else
// gets the ring notification.
func (m *MeshCoordinator) HandleIncoming(inc protocol.IncomingGroupCall) error {
	m.mu.Lock()
	call, joined := m.calls[inc.ChatID]
	if !joined {
		incoming := m.OnIncoming
		m.mu.Unlock()
		if incoming != nil {
			incoming(inc)
		}
		return nil
	}

	if _, ok := call.legs[inc.FromUserID]; ok {
		m.mu.Unlock()
		log.Printf("🌐 Duplicate join from %s in chat %s, ignoring", inc.FromUserID, inc.ChatID)
		return nil
	}

	leg, offer, err := m.offerLegLocked(call, inc.FromUserID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	call.legs[inc.FromUserID] = leg
	m.mu.Unlock()

	m.notifyJoined(inc.ChatID, inc.FromUserID)

	return m.sender.Send(protocol.MustEnvelope(protocol.TypeGroupCallSignal, &protocol.GroupCallSignal{
		ChatID:   inc.ChatID,
		ToUserID: inc.FromUserID,
		Kind:     protocol.GroupSignalOffer,
		SDP:      offer.SDP,
	}))
}

// HandleSignal routes one mesh signaling event to the leg it belongs
// to, keyed by chat and sending peer. Signals for chats the local user
// never joined are logged and dropped.
func (m *MeshCoordinator) HandleSignal(sig protocol.GroupCallSignal) error {
	switch sig.Kind {
	case protocol.GroupSignalOffer:
		return m.handleOffer(sig)
	case protocol.GroupSignalAnswer:
		return m.handleAnswer(sig)
	case protocol.GroupSignalCandidate:
		return m.handleCandidate(sig)
	default:
		log.Printf("🌐 Unknown group signal kind %q from %s", sig.Kind, sig.FromUserID)
		return nil
	}
}

// Leave tears down every leg of the chat's call and stops heartbeats.
func (m *MeshCoordinator) Leave(chatID string) error {
	m.mu.Lock()
	call, ok := m.calls[chatID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, chatID)
	}
	delete(m.calls, chatID)
	call.monitor.Stop()
	for _, leg := range call.legs {
		leg.pc.Close()
	}
	m.mu.Unlock()

	log.Printf("🌐 Left group call in chat %s", chatID)
	return nil
}

func (m *MeshCoordinator) handleOffer(sig protocol.GroupCallSignal) error {
	m.mu.Lock()
	call, ok := m.calls[sig.ChatID]
	if !ok {
		m.mu.Unlock()
		log.Printf("🌐 Dropping offer for unjoined chat %s", sig.ChatID)
		return nil
	}
	if _, exists := call.legs[sig.FromUserID]; exists {
		m.mu.Unlock()
		log.Printf("🌐 Duplicate offer from %s in chat %s, ignoring", sig.FromUserID, sig.ChatID)
		return nil
	}

	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	leg := &meshLeg{peerUserID: sig.FromUserID, pc: pc, pending: call.takeEarly(sig.FromUserID)}
	m.wireLegLocked(call, leg)

	// The offering side created the heartbeat channel; adopt it when it
	// arrives.
	monitor := call.monitor
	peer := sig.FromUserID
	pc.OnDataChannel(func(dc rtc.DataChannel) {
		if dc.Label() == HeartbeatChannelLabel {
			monitor.Track(peer, dc)
		}
	})

	if err := pc.SetRemoteDescription(rtc.SessionDescription{Type: rtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		pc.Close()
		m.mu.Unlock()
		return err
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		pc.Close()
		m.mu.Unlock()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		m.mu.Unlock()
		return err
	}
	call.legs[sig.FromUserID] = leg
	m.flushLegLocked(leg)
	m.mu.Unlock()

	m.notifyJoined(sig.ChatID, sig.FromUserID)

	return m.sender.Send(protocol.MustEnvelope(protocol.TypeGroupCallSignal, &protocol.GroupCallSignal{
		ChatID:   sig.ChatID,
		ToUserID: sig.FromUserID,
		Kind:     protocol.GroupSignalAnswer,
		SDP:      answer.SDP,
	}))
}

func (m *MeshCoordinator) handleAnswer(sig protocol.GroupCallSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[sig.ChatID]
	if !ok {
		log.Printf("🌐 Dropping answer for unjoined chat %s", sig.ChatID)
		return nil
	}
	leg, ok := call.legs[sig.FromUserID]
	if !ok {
		log.Printf("🌐 Dropping answer from %s: no leg in chat %s", sig.FromUserID, sig.ChatID)
		return nil
	}

	if err := leg.pc.SetRemoteDescription(rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
		return err
	}
	m.flushLegLocked(leg)
	return nil
}

func (m *MeshCoordinator) handleCandidate(sig protocol.GroupCallSignal) error {
	if sig.Candidate == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[sig.ChatID]
	if !ok {
		log.Printf("🌐 Dropping candidate for unjoined chat %s", sig.ChatID)
		return nil
	}
	leg, ok := call.legs[sig.FromUserID]
	if !ok {
		buffered := call.early[sig.FromUserID]
		if len(buffered) >= maxEarlyCandidates {
			buffered = buffered[1:]
		}
		call.early[sig.FromUserID] = append(buffered, *sig.Candidate)
		return nil
	}

	if !leg.pc.RemoteDescriptionSet() {
		leg.pending = append(leg.pending, *sig.Candidate)
		return nil
	}
	return leg.pc.AddICECandidate(candidateInit(*sig.Candidate))
}

// offerLegLocked builds the offering side of a leg toward a joiner:
// peer connection, heartbeat channel, local offer.
func (m *MeshCoordinator) offerLegLocked(call *meshCall, peerUserID string) (*meshLeg, rtc.SessionDescription, error) {
	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return nil, rtc.SessionDescription{}, err
	}
	leg := &meshLeg{peerUserID: peerUserID, pc: pc, pending: call.takeEarly(peerUserID)}
	m.wireLegLocked(call, leg)

	dc, err := pc.CreateDataChannel(HeartbeatChannelLabel)
	if err != nil {
		pc.Close()
		return nil, rtc.SessionDescription{}, err
	}
	call.monitor.Track(peerUserID, dc)

	offer, err := pc.CreateOffer()
	if err != nil {
		pc.Close()
		return nil, rtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, rtc.SessionDescription{}, err
	}
	return leg, offer, nil
}

func (m *MeshCoordinator) wireLegLocked(call *meshCall, leg *meshLeg) {
	chatID := call.chatID
	peer := leg.peerUserID

	leg.pc.OnICECandidate(func(candidate rtc.ICECandidateInit) {
		env := protocol.MustEnvelope(protocol.TypeGroupCallSignal, &protocol.GroupCallSignal{
			ChatID:   chatID,
			ToUserID: peer,
			Kind:     protocol.GroupSignalCandidate,
			Candidate: &protocol.Candidate{
				SDPMid:        candidate.SDPMid,
				SDPMLineIndex: candidate.SDPMLineIndex,
				SDP:           candidate.Candidate,
			},
		})
		if err := m.sender.Send(env); err != nil {
			log.Printf("🌐 Send candidate to %s failed: %v", peer, err)
		}
	})

	leg.pc.OnDisconnected(func() {
		m.dropPeer(chatID, peer)
	})
}

func (m *MeshCoordinator) flushLegLocked(leg *meshLeg) {
	for _, cand := range leg.pending {
		if err := leg.pc.AddICECandidate(candidateInit(cand)); err != nil {
			log.Printf("🌐 Apply queued candidate for %s failed: %v", leg.peerUserID, err)
		}
	}
	leg.pending = nil
}

// dropPeer removes one leg after eviction or transport loss. The rest
// of the mesh keeps running.
func (m *MeshCoordinator) dropPeer(chatID, peerUserID string) {
	m.mu.Lock()
	call, ok := m.calls[chatID]
	if !ok {
		m.mu.Unlock()
		return
	}
	leg, ok := call.legs[peerUserID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(call.legs, peerUserID)
	call.monitor.Forget(peerUserID)
	leg.pc.Close()
	m.mu.Unlock()

	log.Printf("🌐 Peer %s left mesh in chat %s", peerUserID, chatID)
	if m.OnPeerLeft != nil {
		m.OnPeerLeft(chatID, peerUserID)
	}
}

func (m *MeshCoordinator) notifyJoined(chatID, peerUserID string) {
	if m.OnPeerJoined != nil {
		m.OnPeerJoined(chatID, peerUserID)
	}
}
