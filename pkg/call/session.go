package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/alcovechat/rtc-core/pkg/protocol"
	"github.com/alcovechat/rtc-core/pkg/rtc"
)

// DefaultRingTimeout bounds how long a session may stay in a Ringing
// state with no response before it is torn down. The wire protocol
// defines no timeout; this is a local policy so sessions cannot leak
// indefinitely.
const DefaultRingTimeout = 45 * time.Second

// maxEarlyCandidates bounds the per-peer buffer of candidates that
// arrived before their session or mesh leg existed.
const maxEarlyCandidates = 32

// staleCandidateWindow is how long after a session ends that stray
// candidates from that peer keep getting discarded instead of buffered
// for the next call.
const staleCandidateWindow = 30 * time.Second

// Session is one 1:1 call with a remote peer. Owned by the Coordinator
// and only mutated under its lock.
type Session struct {
	PeerUserID string
	Direction  Direction
	Kind       string

	state       State
	pc          rtc.PeerConnection
	remoteOffer string
	pending     []protocol.Candidate
	ringTimer   *time.Timer
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Coordinator drives the 1:1 call state machine for every remote peer
// of one local user.
type Coordinator struct {
	userID      string
	displayName string
	sender      Sender
	factory     rtc.Factory
	ringTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	// Candidates that arrived before their session existed. Bounded per
	// peer, oldest dropped first, flushed into the session on creation.
	early map[string][]protocol.Candidate
	// When each peer's last session ended. Candidates from that peer are
	// discarded for staleCandidateWindow so leftovers of a torn-down
	// call cannot poison the next one.
	ended map[string]time.Time

	// OnStateChange fires after every transition. OnIncoming fires when
	// a new incoming call starts ringing. Callbacks run outside the
	// coordinator lock and must not be nil-checked by callers.
	OnStateChange func(peerUserID string, state State)
	OnIncoming    func(inc protocol.IncomingCall)

	// Busy, when set, reports whether the device cannot take a call from
	// the peer right now (it is in a group call, for example). A busy
	// incoming call is auto-rejected.
	Busy func(peerUserID string) bool
}

// NewCoordinator creates a 1:1 call coordinator for the given user.
func NewCoordinator(userID, displayName string, sender Sender, factory rtc.Factory) *Coordinator {
	return &Coordinator{
		userID:      userID,
		displayName: displayName,
		sender:      sender,
		factory:     factory,
		ringTimeout: DefaultRingTimeout,
		sessions:    make(map[string]*Session),
		early:       make(map[string][]protocol.Candidate),
		ended:       make(map[string]time.Time),
	}
}

// SetRingTimeout overrides the ringing timeout. Zero disables it.
func (c *Coordinator) SetRingTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ringTimeout = d
}

// Session returns the session for a peer, if any.
func (c *Coordinator) Session(peerUserID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerUserID]
	return s, ok
}

// ActivePeers lists peers with a live session in any state.
func (c *Coordinator) ActivePeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]string, 0, len(c.sessions))
	for peer := range c.sessions {
		peers = append(peers, peer)
	}
	return peers
}

// Initiate starts an outgoing call: creates the local offer,
// transitions to RingingOutgoing and sends call_request.
func (c *Coordinator) Initiate(peerUserID, kind string) error {
	c.mu.Lock()
	if _, exists := c.sessions[peerUserID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, peerUserID)
	}

	pc, err := c.factory.NewPeerConnection()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.wirePeerConnection(pc, peerUserID)

	offer, err := pc.CreateOffer()
	if err != nil {
		pc.Close()
		c.mu.Unlock()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		c.mu.Unlock()
		return err
	}

	delete(c.ended, peerUserID)
	s := &Session{
		PeerUserID: peerUserID,
		Direction:  DirectionOutgoing,
		Kind:       kind,
		state:      StateRingingOutgoing,
		pc:         pc,
		pending:    c.takeEarlyLocked(peerUserID),
	}
	c.sessions[peerUserID] = s
	c.armRingTimerLocked(s)
	c.mu.Unlock()

	c.notify(peerUserID, StateRingingOutgoing)

	return c.sender.Send(protocol.MustEnvelope(protocol.TypeCallRequest, &protocol.CallRequest{
		ToUserID:   peerUserID,
		Kind:       kind,
		SDP:        offer.SDP,
		SenderName: c.displayName,
	}))
}

// HandleIncomingCall processes a relayed incoming_call envelope. On
// glare (both sides called each other at once) the local outgoing
// request wins and the conflicting incoming one is auto-rejected.
func (c *Coordinator) HandleIncomingCall(inc protocol.IncomingCall) error {
	c.mu.Lock()
	if existing, ok := c.sessions[inc.FromUserID]; ok {
		c.mu.Unlock()
		if existing.Direction == DirectionOutgoing && existing.state == StateRingingOutgoing {
			log.Printf("📞 Glare with %s: keeping outgoing request, rejecting theirs", inc.FromUserID)
		} else {
			log.Printf("📞 Busy with %s, rejecting incoming call", inc.FromUserID)
		}
		return c.sender.Send(protocol.MustEnvelope(protocol.TypeCallResponse, &protocol.CallResponse{
			ToUserID: inc.FromUserID,
			Accepted: false,
		}))
	}

	if c.Busy != nil && c.Busy(inc.FromUserID) {
		c.mu.Unlock()
		log.Printf("📞 Busy elsewhere, rejecting incoming call from %s", inc.FromUserID)
		return c.sender.Send(protocol.MustEnvelope(protocol.TypeCallResponse, &protocol.CallResponse{
			ToUserID: inc.FromUserID,
			Accepted: false,
		}))
	}

	delete(c.ended, inc.FromUserID)
	s := &Session{
		PeerUserID:  inc.FromUserID,
		Direction:   DirectionIncoming,
		Kind:        inc.Kind,
		state:       StateRingingIncoming,
		remoteOffer: inc.SDP,
		pending:     c.takeEarlyLocked(inc.FromUserID),
	}
	c.sessions[inc.FromUserID] = s
	c.armRingTimerLocked(s)
	incoming := c.OnIncoming
	c.mu.Unlock()

	c.notify(inc.FromUserID, StateRingingIncoming)
	if incoming != nil {
		incoming(inc)
	}
	return nil
}

// Accept answers a ringing incoming call: applies the stored remote
// offer, generates the answer and sends call_response{accepted}.
func (c *Coordinator) Accept(peerUserID string) error {
	c.mu.Lock()
	s, ok := c.sessions[peerUserID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, peerUserID)
	}
	if s.state != StateRingingIncoming {
		c.mu.Unlock()
		return fmt.Errorf("%w: accept in %s", ErrBadState, s.state)
	}

	pc, err := c.factory.NewPeerConnection()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.wirePeerConnection(pc, peerUserID)
	s.pc = pc

	if err := pc.SetRemoteDescription(rtc.SessionDescription{Type: rtc.SDPTypeOffer, SDP: s.remoteOffer}); err != nil {
		c.teardownLocked(s)
		c.mu.Unlock()
		c.notify(peerUserID, StateEnded)
		return err
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		c.teardownLocked(s)
		c.mu.Unlock()
		c.notify(peerUserID, StateEnded)
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.teardownLocked(s)
		c.mu.Unlock()
		c.notify(peerUserID, StateEnded)
		return err
	}

	c.flushPendingLocked(s)
	c.disarmRingTimerLocked(s)
	if err := c.transitionLocked(s, StateConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.notify(peerUserID, StateConnecting)

	return c.sender.Send(protocol.MustEnvelope(protocol.TypeCallResponse, &protocol.CallResponse{
		ToUserID: peerUserID,
		Accepted: true,
		Answer:   answer.SDP,
	}))
}

// Reject declines a ringing incoming call and discards the session.
func (c *Coordinator) Reject(peerUserID string) error {
	c.mu.Lock()
	s, ok := c.sessions[peerUserID]
	if !ok || s.state != StateRingingIncoming {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, peerUserID)
	}
	c.teardownLocked(s)
	c.mu.Unlock()

	c.notify(peerUserID, StateEnded)

	return c.sender.Send(protocol.MustEnvelope(protocol.TypeCallResponse, &protocol.CallResponse{
		ToUserID: peerUserID,
		Accepted: false,
	}))
}

// HandleAnswer processes the relayed call_answer on the caller side.
func (c *Coordinator) HandleAnswer(ans protocol.CallAnswer) error {
	c.mu.Lock()
	s, ok := c.sessions[ans.From]
	if !ok {
		c.mu.Unlock()
		log.Printf("Dropping call_answer from %s: no session", ans.From)
		return nil
	}
	if s.state != StateRingingOutgoing {
		c.mu.Unlock()
		return fmt.Errorf("%w: answer in %s", ErrBadState, s.state)
	}

	if err := s.pc.SetRemoteDescription(rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: ans.Answer}); err != nil {
		c.mu.Unlock()
		return err
	}
	c.flushPendingLocked(s)
	c.disarmRingTimerLocked(s)
	if err := c.transitionLocked(s, StateConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.notify(ans.From, StateConnecting)
	return nil
}

// HandleCandidate queues or applies a relayed ICE candidate. A
// candidate for an unknown peer is buffered until the session exists;
// a candidate arriving before the remote description is queued on the
// session and flushed once the description is applied.
func (c *Coordinator) HandleCandidate(ic protocol.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[ic.From]
	if !ok {
		if endedAt, recent := c.ended[ic.From]; recent {
			if time.Since(endedAt) < staleCandidateWindow {
				log.Printf("Dropping stale candidate from %s", ic.From)
				return nil
			}
			delete(c.ended, ic.From)
		}
		buffered := c.early[ic.From]
		if len(buffered) >= maxEarlyCandidates {
			buffered = buffered[1:]
		}
		c.early[ic.From] = append(buffered, ic.Candidate)
		return nil
	}

	if s.pc == nil || !s.pc.RemoteDescriptionSet() {
		s.pending = append(s.pending, ic.Candidate)
		return nil
	}
	return s.pc.AddICECandidate(candidateInit(ic.Candidate))
}

// End hangs up locally: sends call_end and releases the session.
func (c *Coordinator) End(peerUserID string) error {
	c.mu.Lock()
	s, ok := c.sessions[peerUserID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, peerUserID)
	}
	c.teardownLocked(s)
	c.mu.Unlock()

	c.notify(peerUserID, StateEnded)

	return c.sender.Send(protocol.MustEnvelope(protocol.TypeCallEnd, &protocol.CallEnd{
		ToUserID: peerUserID,
	}))
}

// DropRinging ends every session still waiting on signaling. Called
// after a relay reconnect: a ring response sent while the connection
// was down is lost, so a ringing session cannot complete. Connecting
// and active sessions survive because media rides the peer connection.
func (c *Coordinator) DropRinging() {
	c.mu.Lock()
	var dropped []string
	for peer, s := range c.sessions {
		if s.state == StateRingingOutgoing || s.state == StateRingingIncoming {
			c.teardownLocked(s)
			dropped = append(dropped, peer)
		}
	}
	c.mu.Unlock()

	for _, peer := range dropped {
		log.Printf("📞 Dropping ringing call with %s after reconnect", peer)
		c.notify(peer, StateEnded)
	}
}

// HandleEnd processes a relayed call_end. Idempotent: a call_end for
// an already-released session is logged and dropped, never an error.
func (c *Coordinator) HandleEnd(end protocol.CallEnd) error {
	c.mu.Lock()
	s, ok := c.sessions[end.From]
	if !ok {
		c.mu.Unlock()
		log.Printf("Dropping call_end from %s: no session", end.From)
		return nil
	}
	c.teardownLocked(s)
	c.mu.Unlock()

	c.notify(end.From, StateEnded)
	return nil
}

// wirePeerConnection attaches the coordinator's per-peer handlers.
// Candidate discovery and connection-state callbacks run on the media
// library's goroutines.
func (c *Coordinator) wirePeerConnection(pc rtc.PeerConnection, peerUserID string) {
	pc.OnICECandidate(func(candidate rtc.ICECandidateInit) {
		env := protocol.MustEnvelope(protocol.TypeICECandidate, &protocol.ICECandidate{
			ToUserID: peerUserID,
			Candidate: protocol.Candidate{
				SDPMid:        candidate.SDPMid,
				SDPMLineIndex: candidate.SDPMLineIndex,
				SDP:           candidate.Candidate,
			},
		})
		if err := c.sender.Send(env); err != nil {
			log.Printf("Send candidate to %s failed: %v", peerUserID, err)
		}
	})

	pc.OnConnected(func() {
		c.markActive(peerUserID)
	})
}

func (c *Coordinator) markActive(peerUserID string) {
	c.mu.Lock()
	s, ok := c.sessions[peerUserID]
	if !ok || s.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	if err := c.transitionLocked(s, StateActive); err != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.notify(peerUserID, StateActive)
}

func (c *Coordinator) transitionLocked(s *Session, to State) error {
	if _, ok := allowedTransitions[s.state][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// teardownLocked releases everything the session holds: ring timer,
// queued candidates, the peer connection, and the map entry. The
// session ends in StateEnded; the peer is back to Idle.
func (c *Coordinator) teardownLocked(s *Session) {
	c.disarmRingTimerLocked(s)
	s.pending = nil
	if s.pc != nil {
		s.pc.Close()
		s.pc = nil
	}
	s.state = StateEnded
	delete(c.sessions, s.PeerUserID)
	delete(c.early, s.PeerUserID)
	c.ended[s.PeerUserID] = time.Now()
}

func (c *Coordinator) armRingTimerLocked(s *Session) {
	if c.ringTimeout <= 0 {
		return
	}
	peer := s.PeerUserID
	s.ringTimer = time.AfterFunc(c.ringTimeout, func() {
		c.ringExpired(peer)
	})
}

func (c *Coordinator) disarmRingTimerLocked(s *Session) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (c *Coordinator) ringExpired(peerUserID string) {
	c.mu.Lock()
	s, ok := c.sessions[peerUserID]
	if !ok || (s.state != StateRingingOutgoing && s.state != StateRingingIncoming) {
		c.mu.Unlock()
		return
	}
	outgoing := s.Direction == DirectionOutgoing
	c.teardownLocked(s)
	c.mu.Unlock()

	log.Printf("📞 Call with %s timed out while ringing", peerUserID)
	c.notify(peerUserID, StateEnded)

	if outgoing {
		if err := c.sender.Send(protocol.MustEnvelope(protocol.TypeCallEnd, &protocol.CallEnd{ToUserID: peerUserID})); err != nil {
			log.Printf("Send call_end to %s failed: %v", peerUserID, err)
		}
	}
}

func (c *Coordinator) flushPendingLocked(s *Session) {
	for _, cand := range s.pending {
		if err := s.pc.AddICECandidate(candidateInit(cand)); err != nil {
			log.Printf("Apply queued candidate for %s failed: %v", s.PeerUserID, err)
		}
	}
	s.pending = nil
}

func (c *Coordinator) takeEarlyLocked(peerUserID string) []protocol.Candidate {
	buffered := c.early[peerUserID]
	delete(c.early, peerUserID)
	return buffered
}

func (c *Coordinator) notify(peerUserID string, state State) {
	if c.OnStateChange != nil {
		c.OnStateChange(peerUserID, state)
	}
}

func candidateInit(cand protocol.Candidate) rtc.ICECandidateInit {
	return rtc.ICECandidateInit{
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
		Candidate:     cand.SDP,
	}
}
