package client

import (
	"errors"
	"log"

	"github.com/alcovechat/rtc-core/pkg/identity"
	"github.com/alcovechat/rtc-core/pkg/protocol"
)

// dispatch routes one relay envelope into the right coordinator or
// callback. Unknown envelope types are skipped so newer relays can
// introduce events without breaking older clients.
func (c *Client) dispatch(env protocol.Envelope) {
	payload, err := protocol.DecodePayload(env)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("Skipping unknown envelope type %q", env.Type)
		} else {
			log.Printf("Dropping malformed %s: %v", env.Type, err)
		}
		return
	}

	switch p := payload.(type) {
	case *protocol.IncomingCall:
		if err := c.calls.HandleIncomingCall(*p); err != nil {
			log.Printf("Handle incoming call from %s: %v", p.FromUserID, err)
		}
	case *protocol.CallOffer:
		// Legacy mirror of incoming_call; the modern event already
		// carried the offer.
	case *protocol.CallAnswer:
		if err := c.calls.HandleAnswer(*p); err != nil {
			log.Printf("Handle answer from %s: %v", p.From, err)
		}
	case *protocol.CallEnd:
		if err := c.calls.HandleEnd(*p); err != nil {
			log.Printf("Handle call end from %s: %v", p.From, err)
		}
	case *protocol.ICECandidate:
		if err := c.calls.HandleCandidate(*p); err != nil {
			log.Printf("Handle candidate from %s: %v", p.From, err)
		}
	case *protocol.IncomingGroupCall:
		if err := c.mesh.HandleIncoming(*p); err != nil {
			log.Printf("Handle group join from %s: %v", p.FromUserID, err)
		}
	case *protocol.GroupCallSignal:
		if err := c.mesh.HandleSignal(*p); err != nil {
			log.Printf("Handle group signal from %s: %v", p.FromUserID, err)
		}
	case *protocol.ChatMessage:
		c.handleChatMessage(*p)
	case *protocol.ChatAck:
		if c.OnAck != nil {
			c.OnAck(*p)
		}
	case *protocol.MessageDeleted:
		if c.OnDeleted != nil {
			c.OnDeleted(*p)
		}
	default:
		log.Printf("Skipping server-bound envelope %s", env.Type)
	}
}

// handleChatMessage decrypts an E2EE body when possible. A body that
// cannot be decrypted is surfaced as-is rather than dropped; the UI
// decides how to render it.
func (c *Client) handleChatMessage(msg protocol.ChatMessage) {
	if c.OnMessage == nil {
		return
	}

	plaintext := msg.Body
	if identity.IsEncrypted(msg.Body) {
		peerKey, err := c.peerKey(msg.FromUserID)
		if err != nil {
			log.Printf("🔒 No key for %s, delivering ciphertext: %v", msg.FromUserID, err)
			c.OnMessage(msg, msg.Body)
			return
		}
		decrypted, err := c.identity.Decrypt(msg.Body, peerKey)
		if err != nil {
			log.Printf("🔒 Decrypt message %s from %s failed", msg.MessageID, msg.FromUserID)
			c.OnMessage(msg, msg.Body)
			return
		}
		plaintext = string(decrypted)
	}
	c.OnMessage(msg, plaintext)
}
