package call

import (
	"testing"

	"github.com/alcovechat/rtc-core/pkg/protocol"
)

func newTestMesh(t *testing.T, userID string) (*MeshCoordinator, *fakeSender, *fakeFactory) {
	t.Helper()
	sender := &fakeSender{}
	factory := &fakeFactory{}
	m := NewMeshCoordinator(userID, sender, factory)
	t.Cleanup(func() {
		for _, chatID := range []string{"chat-1", "chat-2"} {
			if m.Joined(chatID) {
				m.Leave(chatID)
			}
		}
	})
	return m, sender, factory
}

func TestJoinAnnouncesToChat(t *testing.T) {
	m, sender, _ := newTestMesh(t, "dave")

	if err := m.Join("chat-1", protocol.CallKindVoice); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !m.Joined("chat-1") {
		t.Error("Joined() = false after Join()")
	}
	if err := m.Join("chat-1", protocol.CallKindVoice); err == nil {
		t.Error("second Join() succeeded, want error")
	}

	requests := sender.byType(protocol.TypeGroupCallRequest)
	if len(requests) != 1 {
		t.Fatalf("sent %d group_call_request, want 1", len(requests))
	}
	req := decodeAs[protocol.GroupCallRequest](t, requests[0])
	if req.ChatID != "chat-1" || req.Kind != protocol.GroupSignalJoinRequest {
		t.Errorf("group_call_request = %+v", req)
	}
}

func TestMemberOffersTowardJoiner(t *testing.T) {
	m, sender, factory := newTestMesh(t, "alice")

	m.Join("chat-1", protocol.CallKindVoice)
	err := m.HandleIncoming(protocol.IncomingGroupCall{
		ChatID:     "chat-1",
		FromUserID: "dave",
		Kind:       protocol.GroupSignalJoinRequest,
	})
	if err != nil {
		t.Fatalf("HandleIncoming() error = %v", err)
	}

	offers := sender.byType(protocol.TypeGroupCallSignal)
	if len(offers) != 1 {
		t.Fatalf("sent %d group_call_signal, want 1", len(offers))
	}
	sig := decodeAs[protocol.GroupCallSignal](t, offers[0])
	if sig.Kind != protocol.GroupSignalOffer || sig.ToUserID != "dave" || sig.SDP == "" {
		t.Errorf("offer signal = %+v", sig)
	}

	// The offering side carries the heartbeat channel.
	pc := factory.last()
	if _, ok := pc.channels[HeartbeatChannelLabel]; !ok {
		t.Error("no heartbeat channel on offered leg")
	}

	// Repeated join announcements never duplicate the leg.
	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "dave", Kind: protocol.GroupSignalJoinRequest})
	if got := len(m.Participants("chat-1")); got != 1 {
		t.Errorf("legs = %d after duplicate join, want 1", got)
	}
}

func TestJoinerRingsWhenNotInCall(t *testing.T) {
	m, sender, _ := newTestMesh(t, "erin")

	var rang []protocol.IncomingGroupCall
	m.OnIncoming = func(inc protocol.IncomingGroupCall) { rang = append(rang, inc) }

	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "dave", Kind: protocol.GroupSignalJoinRequest})

	if len(rang) != 1 || rang[0].FromUserID != "dave" {
		t.Errorf("ring notifications = %+v, want one from dave", rang)
	}
	if got := len(sender.byType(protocol.TypeGroupCallSignal)); got != 0 {
		t.Errorf("sent %d signals while not in call, want 0", got)
	}
}

func TestJoinerAnswersEachMemberOffer(t *testing.T) {
	m, sender, _ := newTestMesh(t, "dave")
	m.Join("chat-1", protocol.CallKindVoice)

	// Three existing members each offer a leg toward the joiner.
	for _, member := range []string{"alice", "bob", "carol"} {
		err := m.HandleSignal(protocol.GroupCallSignal{
			ChatID:     "chat-1",
			FromUserID: member,
			Kind:       protocol.GroupSignalOffer,
			SDP:        "offer-from-" + member,
		})
		if err != nil {
			t.Fatalf("HandleSignal(offer from %s) error = %v", member, err)
		}
	}

	if got := len(m.Participants("chat-1")); got != 3 {
		t.Errorf("legs = %d, want 3", got)
	}

	var answers int
	for _, env := range sender.byType(protocol.TypeGroupCallSignal) {
		if sig := decodeAs[protocol.GroupCallSignal](t, env); sig.Kind == protocol.GroupSignalAnswer {
			answers++
		}
	}
	if answers != 3 {
		t.Errorf("sent %d answers, want 3", answers)
	}
}

func TestAnswerCompletesLegAndFlushesCandidates(t *testing.T) {
	m, _, factory := newTestMesh(t, "alice")
	m.Join("chat-1", protocol.CallKindVoice)
	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "dave", Kind: protocol.GroupSignalJoinRequest})

	pc := factory.last()

	// Candidates before the answer queue on the leg.
	m.HandleSignal(protocol.GroupCallSignal{
		ChatID:     "chat-1",
		FromUserID: "dave",
		Kind:       protocol.GroupSignalCandidate,
		Candidate:  &protocol.Candidate{SDP: "early"},
	})
	if got := len(pc.appliedCandidates()); got != 0 {
		t.Fatalf("candidate applied before remote description (%d)", got)
	}

	if err := m.HandleSignal(protocol.GroupCallSignal{
		ChatID:     "chat-1",
		FromUserID: "dave",
		Kind:       protocol.GroupSignalAnswer,
		SDP:        "dave-answer",
	}); err != nil {
		t.Fatalf("HandleSignal(answer) error = %v", err)
	}

	if !pc.RemoteDescriptionSet() {
		t.Error("remote description not applied")
	}
	if got := len(pc.appliedCandidates()); got != 1 {
		t.Errorf("applied %d queued candidates, want 1", got)
	}
}

func TestCandidateAheadOfOfferApplied(t *testing.T) {
	m, _, factory := newTestMesh(t, "dave")
	m.Join("chat-1", protocol.CallKindVoice)

	// ICE gathering starts at SetLocalDescription, so a member's
	// candidate can beat its offer to the joiner. It must survive until
	// the leg forms.
	err := m.HandleSignal(protocol.GroupCallSignal{
		ChatID:     "chat-1",
		FromUserID: "alice",
		Kind:       protocol.GroupSignalCandidate,
		Candidate:  &protocol.Candidate{SDP: "ahead-of-offer"},
	})
	if err != nil {
		t.Fatalf("HandleSignal(candidate) error = %v", err)
	}

	if err := m.HandleSignal(protocol.GroupCallSignal{
		ChatID:     "chat-1",
		FromUserID: "alice",
		Kind:       protocol.GroupSignalOffer,
		SDP:        "offer-from-alice",
	}); err != nil {
		t.Fatalf("HandleSignal(offer) error = %v", err)
	}

	if got := len(factory.last().appliedCandidates()); got != 1 {
		t.Errorf("applied %d candidates after offer, want 1", got)
	}
}

func TestJoinerCandidateBufferedUntilAnswer(t *testing.T) {
	m, _, factory := newTestMesh(t, "alice")
	m.Join("chat-1", protocol.CallKindVoice)

	// A joiner's candidate racing the join fan-out arrives before the
	// member has offered a leg toward them.
	m.HandleSignal(protocol.GroupCallSignal{
		ChatID:     "chat-1",
		FromUserID: "dave",
		Kind:       protocol.GroupSignalCandidate,
		Candidate:  &protocol.Candidate{SDP: "racing-the-fanout"},
	})

	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "dave", Kind: protocol.GroupSignalJoinRequest})
	pc := factory.last()
	if got := len(pc.appliedCandidates()); got != 0 {
		t.Fatalf("candidate applied before remote description (%d)", got)
	}

	m.HandleSignal(protocol.GroupCallSignal{
		ChatID:     "chat-1",
		FromUserID: "dave",
		Kind:       protocol.GroupSignalAnswer,
		SDP:        "dave-answer",
	})
	if got := len(pc.appliedCandidates()); got != 1 {
		t.Errorf("applied %d candidates after answer, want 1", got)
	}
}

func TestSignalsForUnjoinedChatDropped(t *testing.T) {
	m, sender, _ := newTestMesh(t, "alice")

	err := m.HandleSignal(protocol.GroupCallSignal{
		ChatID:     "chat-2",
		FromUserID: "dave",
		Kind:       protocol.GroupSignalOffer,
		SDP:        "offer",
	})
	if err != nil {
		t.Errorf("HandleSignal() for unjoined chat error = %v, want nil", err)
	}
	if got := len(sender.byType(protocol.TypeGroupCallSignal)); got != 0 {
		t.Errorf("sent %d signals for unjoined chat, want 0", got)
	}
}

func TestLeaveClosesEveryLeg(t *testing.T) {
	m, _, factory := newTestMesh(t, "alice")
	m.Join("chat-1", protocol.CallKindVoice)
	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "bob", Kind: protocol.GroupSignalJoinRequest})
	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "carol", Kind: protocol.GroupSignalJoinRequest})

	if err := m.Leave("chat-1"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if m.Joined("chat-1") {
		t.Error("Joined() = true after Leave()")
	}
	for _, pc := range factory.created {
		if !pc.isClosed() {
			t.Error("leg connection left open after Leave()")
		}
	}
}

func TestTransportLossDropsSingleLeg(t *testing.T) {
	m, _, factory := newTestMesh(t, "alice")

	var left []string
	m.OnPeerLeft = func(chatID, peer string) { left = append(left, peer) }

	m.Join("chat-1", protocol.CallKindVoice)
	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "bob", Kind: protocol.GroupSignalJoinRequest})
	bobPC := factory.last()
	m.HandleIncoming(protocol.IncomingGroupCall{ChatID: "chat-1", FromUserID: "carol", Kind: protocol.GroupSignalJoinRequest})

	bobPC.disconnect()

	if got := len(m.Participants("chat-1")); got != 1 {
		t.Errorf("legs = %d after drop, want 1", got)
	}
	if len(left) != 1 || left[0] != "bob" {
		t.Errorf("OnPeerLeft calls = %v, want [bob]", left)
	}
	if !bobPC.isClosed() {
		t.Error("dropped leg connection left open")
	}
}
