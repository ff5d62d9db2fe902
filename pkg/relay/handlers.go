package relay

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/alcovechat/rtc-core/pkg/protocol"
	"github.com/alcovechat/rtc-core/pkg/storage"
)

// route dispatches one client envelope. The relay rewrites the target
// field into a sender field and forwards; it never inspects SDP or
// candidate contents. Malformed or unroutable envelopes are logged and
// dropped so one bad client cannot wedge the connection.
func (s *Server) route(sess *wsSession, env protocol.Envelope) {
	payload, err := protocol.DecodePayload(env)
	if err != nil {
		log.Printf("Dropping %s from %s: %v", env.Type, sess.userID, err)
		return
	}

	from := sess.userID
	switch p := payload.(type) {
	case *protocol.CallRequest:
		s.relayCallRequest(from, p)
	case *protocol.CallResponse:
		s.relayCallResponse(from, p)
	case *protocol.CallEnd:
		s.emit(p.ToUserID, protocol.TypeCallEnd, &protocol.CallEnd{From: from})
	case *protocol.ICECandidate:
		s.emit(p.ToUserID, protocol.TypeICECandidate, &protocol.ICECandidate{From: from, Candidate: p.Candidate})
	case *protocol.GroupCallRequest:
		s.relayGroupCallRequest(from, p)
	case *protocol.GroupCallSignal:
		p.FromUserID = from
		s.emit(p.ToUserID, protocol.TypeGroupCallSignal, p)
	case *protocol.ChatMessage:
		s.relayChatMessage(from, p)
	default:
		log.Printf("Dropping %s from %s: not a client event", env.Type, from)
	}
}

// relayCallRequest forwards an offer to the callee as incoming_call,
// plus the legacy call_offer mirror older clients listen for.
func (s *Server) relayCallRequest(from string, req *protocol.CallRequest) {
	delivered := s.emit(req.ToUserID, protocol.TypeIncomingCall, &protocol.IncomingCall{
		FromUserID: from,
		Kind:       req.Kind,
		SDP:        req.SDP,
		SenderName: req.SenderName,
	})
	if !delivered {
		// Callee offline: tell the caller the call is over.
		s.emit(from, protocol.TypeCallEnd, &protocol.CallEnd{From: req.ToUserID})
		return
	}
	s.emit(req.ToUserID, protocol.TypeCallOffer, &protocol.CallOffer{
		From:  from,
		Offer: req.SDP,
	})
}

// relayCallResponse turns an accept into call_answer and a rejection
// into call_end on the caller side.
func (s *Server) relayCallResponse(from string, resp *protocol.CallResponse) {
	if resp.Accepted {
		s.emit(resp.ToUserID, protocol.TypeCallAnswer, &protocol.CallAnswer{
			From:   from,
			Answer: resp.Answer,
		})
		return
	}
	s.emit(resp.ToUserID, protocol.TypeCallEnd, &protocol.CallEnd{From: from})
}

// relayGroupCallRequest fans a join announcement out to every other
// member of the chat.
func (s *Server) relayGroupCallRequest(from string, req *protocol.GroupCallRequest) {
	if err := s.store.AddChatMember(req.ChatID, from); err != nil {
		log.Printf("Record membership of %s in %s failed: %v", from, req.ChatID, err)
	}

	members, err := s.store.ListChatMembers(req.ChatID)
	if err != nil {
		log.Printf("Fan-out for chat %s failed: %v", req.ChatID, err)
		return
	}

	announcement := &protocol.IncomingGroupCall{
		ChatID:     req.ChatID,
		FromUserID: from,
		Kind:       req.Kind,
	}
	for _, member := range members {
		if member == from {
			continue
		}
		s.emit(member, protocol.TypeIncomingGroupCall, announcement)
	}
}

// relayChatMessage persists the message, acks the sender and forwards
// to the recipient. ExpiresInSec is resolved to an absolute timestamp
// at store time so the sweeper's comparison survives restarts.
func (s *Server) relayChatMessage(from string, msg *protocol.ChatMessage) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.FromUserID = from

	now := time.Now()
	stored := storage.Message{
		MessageID:   msg.MessageID,
		ChatID:      msg.ChatID,
		SenderID:    from,
		RecipientID: msg.ToUserID,
		Body:        msg.Body,
		CreatedAt:   now.Unix(),
	}
	if msg.ExpiresInSec > 0 {
		stored.ExpiresAt = now.Unix() + msg.ExpiresInSec
	}
	if err := s.store.SaveMessage(stored); err != nil {
		log.Printf("Persist message %s failed: %v", msg.MessageID, err)
		return
	}

	// Both parties of a direct chat count as members for group fan-out.
	if err := s.store.AddChatMember(msg.ChatID, from); err != nil {
		log.Printf("Record membership of %s in %s failed: %v", from, msg.ChatID, err)
	}
	if err := s.store.AddChatMember(msg.ChatID, msg.ToUserID); err != nil {
		log.Printf("Record membership of %s in %s failed: %v", msg.ToUserID, msg.ChatID, err)
	}

	s.emit(from, protocol.TypeChatAck, &protocol.ChatAck{
		MessageID: msg.MessageID,
		ChatID:    msg.ChatID,
	})
	s.emit(msg.ToUserID, protocol.TypeChatMessage, msg)
}

// emit wraps and delivers one payload, best-effort.
func (s *Server) emit(toUserID, envType string, payload interface{}) bool {
	if toUserID == "" {
		return false
	}
	delivered := s.hub.Emit(toUserID, protocol.MustEnvelope(envType, payload))
	if !delivered {
		log.Printf("📭 %s offline, %s not delivered", toUserID, envType)
	}
	return delivered
}
