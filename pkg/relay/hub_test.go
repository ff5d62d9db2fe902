package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alcovechat/rtc-core/pkg/protocol"
)

func endEnvelope(to string) protocol.Envelope {
	return protocol.MustEnvelope(protocol.TypeCallEnd, &protocol.CallEnd{ToUserID: to})
}

func TestEmitNeverBlocksOnSlowSession(t *testing.T) {
	hub := NewHub()
	// No writer drains this queue, standing in for a receiver that
	// stopped reading. Emit must keep returning promptly and shed the
	// overflow instead of stalling the sender's goroutine.
	sess := &wsSession{userID: "bob", outbound: make(chan protocol.Envelope, 2)}
	hub.add(sess)

	for i := 0; i < 10; i++ {
		assert.True(t, hub.Emit("bob", endEnvelope("bob")))
	}
	assert.Len(t, sess.outbound, 2)
}

func TestBroadcastSkipsClosedSession(t *testing.T) {
	hub := NewHub()
	open := &wsSession{userID: "alice", outbound: make(chan protocol.Envelope, 4)}
	gone := &wsSession{userID: "bob", outbound: make(chan protocol.Envelope, 4)}
	hub.add(open)
	hub.add(gone)
	gone.close()

	assert.NotPanics(t, func() { hub.Broadcast(endEnvelope("")) })
	assert.Len(t, open.outbound, 1)
}

func TestSessionCloseIdempotent(t *testing.T) {
	sess := &wsSession{userID: "bob", outbound: make(chan protocol.Envelope, 1)}
	sess.close()
	assert.NotPanics(t, func() {
		sess.close()
		sess.send(endEnvelope("bob"))
	})
}
