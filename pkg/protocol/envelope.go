// Package protocol defines the signaling envelopes exchanged between
// clients and the relay. Every event rides the same authenticated
// channel as a tagged-union JSON envelope: a type discriminator plus a
// type-specific payload. The relay routes on the target inside the
// payload and never interprets call semantics.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type discriminators. Client-to-relay events and their
// relayed counterparts are wire-compatible with the existing
// deployment, including the legacy call_offer mirror.
const (
	// 1:1 call signaling
	TypeCallRequest  = "call_request"
	TypeIncomingCall = "incoming_call"
	TypeCallOffer    = "call_offer" // legacy mirror of incoming_call
	TypeCallResponse = "call_response"
	TypeCallAnswer   = "call_answer"
	TypeCallEnd      = "call_end"
	TypeICECandidate = "ice_candidate"

	// Group (mesh) call signaling
	TypeGroupCallRequest  = "group_call_request"
	TypeIncomingGroupCall = "incoming_group_call"
	TypeGroupCallSignal   = "group_call_signal"

	// Chat messages and server pushes
	TypeChatMessage    = "chat_message"
	TypeChatAck        = "chat_ack"
	TypeMessageDeleted = "message_deleted"
)

// Call kinds
const (
	CallKindVoice = "voice"
	CallKindVideo = "video"
)

// Group call signal sub-types
const (
	GroupSignalJoinRequest = "join_request"
	GroupSignalOffer       = "offer"
	GroupSignalAnswer      = "answer"
	GroupSignalCandidate   = "candidate"
)

var ErrUnknownType = errors.New("unknown envelope type")

// Envelope is the wire unit. Payload shape is determined by Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallRequest initiates a 1:1 call. Relayed to the callee as
// IncomingCall (and the legacy CallOffer).
type CallRequest struct {
	ToUserID   string `json:"toUserId"`
	Kind       string `json:"type"` // voice | video
	SDP        string `json:"sdp"`
	SenderName string `json:"senderName,omitempty"`
}

// IncomingCall is the relayed form of CallRequest.
type IncomingCall struct {
	FromUserID string `json:"fromUserId"`
	Kind       string `json:"type"`
	SDP        string `json:"sdp"`
	SenderName string `json:"senderName,omitempty"`
}

// CallOffer is the legacy mirror of IncomingCall kept for older
// clients. Same information, older field names.
type CallOffer struct {
	From  string `json:"from"`
	Offer string `json:"offer"`
}

// CallResponse accepts or rejects an incoming call. An accepted
// response is relayed as CallAnswer; a rejection is relayed as CallEnd.
type CallResponse struct {
	ToUserID string `json:"toUserId"`
	Accepted bool   `json:"accepted"`
	Answer   string `json:"answer,omitempty"`
}

// CallAnswer is the relayed form of an accepted CallResponse.
type CallAnswer struct {
	From   string `json:"from"`
	Answer string `json:"answer"`
}

// CallEnd terminates a 1:1 call. Sent with ToUserID, relayed with From.
type CallEnd struct {
	ToUserID string `json:"toUserId,omitempty"`
	From     string `json:"from,omitempty"`
}

// Candidate is a discovered ICE candidate in the standard shape.
type Candidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDP           string `json:"sdp"`
}

// ICECandidate carries one candidate for a 1:1 call leg. Relayed
// verbatim with From attached.
type ICECandidate struct {
	ToUserID  string    `json:"toUserId,omitempty"`
	From      string    `json:"from,omitempty"`
	Candidate Candidate `json:"candidate"`
}

// GroupCallRequest announces a mesh join. Fanned out to every other
// member of the chat as IncomingGroupCall.
type GroupCallRequest struct {
	ChatID string `json:"chatId"`
	Kind   string `json:"type"` // join_request
}

// IncomingGroupCall is the fanned-out form of GroupCallRequest.
type IncomingGroupCall struct {
	ChatID     string `json:"chatId"`
	FromUserID string `json:"fromUserId"`
	Kind       string `json:"type"`
}

// GroupCallSignal carries offer/answer/candidate for one mesh leg,
// keyed by (chatId, peer). Relayed to ToUserID with FromUserID added.
type GroupCallSignal struct {
	ChatID     string     `json:"chatId"`
	ToUserID   string     `json:"toUserId,omitempty"`
	FromUserID string     `json:"fromUserId,omitempty"`
	Kind       string     `json:"type"` // offer | answer | candidate
	SDP        string     `json:"sdp,omitempty"`
	Candidate  *Candidate `json:"candidate,omitempty"`
}

// ChatMessage is a direct message. The relay stores it (honoring
// ExpiresInSec when set) and forwards it; the body is opaque bytes to
// the relay, E2EE-marked or not.
type ChatMessage struct {
	MessageID    string `json:"messageId,omitempty"`
	ToUserID     string `json:"toUserId"`
	FromUserID   string `json:"fromUserId,omitempty"`
	ChatID       string `json:"chatId"`
	Body         string `json:"body"`
	ExpiresInSec int64  `json:"expiresInSec,omitempty"`
}

// ChatAck confirms relay-side persistence of a ChatMessage.
type ChatAck struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// MessageDeleted is pushed by the relay when a stored message is
// removed, e.g. by the expiry sweeper.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Reason    string `json:"reason"`
}

// NewEnvelope wraps a typed payload.
func NewEnvelope(envType string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", envType, err)
	}
	return Envelope{Type: envType, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to
// marshal. Used for the fixed structs above.
func MustEnvelope(envType string, payload interface{}) Envelope {
	env, err := NewEnvelope(envType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodePayload decodes an envelope's payload into the typed struct
// for its discriminator. Returns ErrUnknownType for unrecognized
// discriminators so callers can skip them instead of failing.
func DecodePayload(env Envelope) (interface{}, error) {
	var target interface{}
	switch env.Type {
	case TypeCallRequest:
		target = &CallRequest{}
	case TypeIncomingCall:
		target = &IncomingCall{}
	case TypeCallOffer:
		target = &CallOffer{}
	case TypeCallResponse:
		target = &CallResponse{}
	case TypeCallAnswer:
		target = &CallAnswer{}
	case TypeCallEnd:
		target = &CallEnd{}
	case TypeICECandidate:
		target = &ICECandidate{}
	case TypeGroupCallRequest:
		target = &GroupCallRequest{}
	case TypeIncomingGroupCall:
		target = &IncomingGroupCall{}
	case TypeGroupCallSignal:
		target = &GroupCallSignal{}
	case TypeChatMessage:
		target = &ChatMessage{}
	case TypeChatAck:
		target = &ChatAck{}
	case TypeMessageDeleted:
		target = &MessageDeleted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return target, nil
}
