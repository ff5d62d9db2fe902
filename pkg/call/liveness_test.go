package call

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// testClock is an injectable clock for driving the monitor manually.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(clock *testClock) (*Monitor, *[]string) {
	var dead []string
	m := NewMonitor(func(peer string) { dead = append(dead, peer) })
	m.now = clock.Now
	return m, &dead
}

func TestPingRepliedWithPong(t *testing.T) {
	clock := newTestClock()
	m, _ := newTestMonitor(clock)

	local, remote := newChannelPair(HeartbeatChannelLabel)
	m.Track("bob", local)

	// The remote end answers our ping by hand.
	remote.OnMessage(func(data []byte) {
		if bytes.Equal(data, pingMessage) {
			remote.Send(pongMessage)
		}
	})

	m.tick()

	sent := local.sentMessages()
	if len(sent) != 1 || !bytes.Equal(sent[0], pingMessage) {
		t.Fatalf("local sent %q, want one ping", sent)
	}
	// The pong refreshed bob's deadline.
	m.mu.Lock()
	lastPong := m.peers["bob"].lastPongAt
	m.mu.Unlock()
	if !lastPong.Equal(clock.Now()) {
		t.Errorf("lastPongAt = %v, want %v", lastPong, clock.Now())
	}
}

func TestMonitorAnswersInboundPings(t *testing.T) {
	clock := newTestClock()
	m, _ := newTestMonitor(clock)

	local, remote := newChannelPair(HeartbeatChannelLabel)
	m.Track("bob", local)

	remote.Send(pingMessage)

	sent := local.sentMessages()
	if len(sent) != 1 || !bytes.Equal(sent[0], pongMessage) {
		t.Errorf("local sent %q, want one pong", sent)
	}
}

func TestPongKeepsPeerAlive(t *testing.T) {
	clock := newTestClock()
	m, dead := newTestMonitor(clock)

	local, remote := newChannelPair(HeartbeatChannelLabel)
	m.Track("bob", local)
	remote.OnMessage(func(data []byte) {
		if bytes.Equal(data, pingMessage) {
			remote.Send(pongMessage)
		}
	})

	// A responsive peer survives indefinitely.
	for i := 0; i < 10; i++ {
		clock.Advance(PingInterval)
		m.tick()
	}
	if len(*dead) != 0 {
		t.Errorf("responsive peer evicted: %v", *dead)
	}
}

func TestSilentPeerEvictedAfterTimeout(t *testing.T) {
	clock := newTestClock()
	m, dead := newTestMonitor(clock)

	local, _ := newChannelPair(HeartbeatChannelLabel)
	m.Track("bob", local)

	// Three missed intervals is still within the timeout.
	for i := 0; i < 3; i++ {
		clock.Advance(PingInterval)
		m.tick()
	}
	if len(*dead) != 0 {
		t.Fatalf("peer evicted inside the timeout window: %v", *dead)
	}

	// The fourth crosses it.
	clock.Advance(PingInterval)
	m.tick()
	if len(*dead) != 1 || (*dead)[0] != "bob" {
		t.Fatalf("dead = %v, want [bob]", *dead)
	}

	// An evicted peer is gone; no repeated notifications.
	clock.Advance(PingInterval)
	m.tick()
	if len(*dead) != 1 {
		t.Errorf("eviction reported %d times, want once", len(*dead))
	}
}

func TestFreshPeerGetsFullTimeout(t *testing.T) {
	clock := newTestClock()
	m, dead := newTestMonitor(clock)

	localA, remoteA := newChannelPair(HeartbeatChannelLabel)
	m.Track("old", localA)
	remoteA.OnMessage(func(data []byte) {
		if bytes.Equal(data, pingMessage) {
			remoteA.Send(pongMessage)
		}
	})

	clock.Advance(2 * PingInterval)
	m.tick()

	// A peer tracked now must not inherit the elapsed time.
	localB, _ := newChannelPair(HeartbeatChannelLabel)
	m.Track("fresh", localB)

	clock.Advance(2 * PingInterval)
	m.tick()

	if len(*dead) != 0 {
		t.Errorf("fresh peer evicted early: %v", *dead)
	}
}

func TestForgetStopsTrackingWithoutEviction(t *testing.T) {
	clock := newTestClock()
	m, dead := newTestMonitor(clock)

	local, _ := newChannelPair(HeartbeatChannelLabel)
	m.Track("bob", local)
	m.Forget("bob")

	clock.Advance(10 * PingInterval)
	m.tick()

	if len(*dead) != 0 {
		t.Errorf("forgotten peer reported dead: %v", *dead)
	}
	if got := len(local.sentMessages()); got != 0 {
		t.Errorf("pinged a forgotten peer %d times", got)
	}
}
