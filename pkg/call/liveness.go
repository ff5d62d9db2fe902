package call

import (
	"bytes"
	"log"
	"sync"
	"time"

	"github.com/alcovechat/rtc-core/pkg/rtc"
)

// Heartbeat cadence over mesh data channels. A peer that misses three
// consecutive round trips is declared dead and evicted.
const (
	PingInterval = 5 * time.Second
	PeerTimeout  = 15 * time.Second
)

var (
	pingMessage = []byte("ping")
	pongMessage = []byte("pong")
)

type monitoredPeer struct {
	ch         rtc.DataChannel
	lastPongAt time.Time
}

// Monitor keeps mesh membership honest: it pings every tracked peer
// over its heartbeat data channel and reports peers whose pongs stop.
// Both ends of a leg run a monitor; eviction is symmetric.
type Monitor struct {
	mu    sync.Mutex
	peers map[string]*monitoredPeer

	now    func() time.Time
	onDead func(peerUserID string)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a stopped monitor. onDead fires once per evicted
// peer, outside the monitor lock.
func NewMonitor(onDead func(peerUserID string)) *Monitor {
	return &Monitor{
		peers:  make(map[string]*monitoredPeer),
		now:    time.Now,
		onDead: onDead,
		stop:   make(chan struct{}),
	}
}

// Track starts heartbeating a peer over its channel. The clock starts
// at tracking time so a freshly joined peer gets the full timeout
// before its first pong is due.
func (m *Monitor) Track(peerUserID string, ch rtc.DataChannel) {
	m.mu.Lock()
	m.peers[peerUserID] = &monitoredPeer{ch: ch, lastPongAt: m.now()}
	m.mu.Unlock()

	ch.OnMessage(func(data []byte) {
		switch {
		case bytes.Equal(data, pingMessage):
			if err := ch.Send(pongMessage); err != nil {
				log.Printf("💓 Pong to %s failed: %v", peerUserID, err)
			}
		case bytes.Equal(data, pongMessage):
			m.recordPong(peerUserID)
		}
	})
}

// Forget stops tracking a peer without declaring it dead.
func (m *Monitor) Forget(peerUserID string) {
	m.mu.Lock()
	delete(m.peers, peerUserID)
	m.mu.Unlock()
}

// Start runs the ping loop until Stop.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the ping loop. Tracked peers are left to the caller.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// tick sends one round of pings and evicts peers past the timeout.
// Exposed on the struct so tests can drive it without the ticker.
func (m *Monitor) tick() {
	now := m.now()

	m.mu.Lock()
	var dead []string
	type outbound struct {
		peer string
		ch   rtc.DataChannel
	}
	var pings []outbound
	for peer, mp := range m.peers {
		if now.Sub(mp.lastPongAt) > PeerTimeout {
			dead = append(dead, peer)
			delete(m.peers, peer)
			continue
		}
		pings = append(pings, outbound{peer: peer, ch: mp.ch})
	}
	m.mu.Unlock()

	// Send outside the lock; a pong can arrive on the same goroutine
	// when the channel delivers synchronously.
	for _, p := range pings {
		if err := p.ch.Send(pingMessage); err != nil {
			log.Printf("💓 Ping to %s failed: %v", p.peer, err)
		}
	}

	for _, peer := range dead {
		log.Printf("💓 Peer %s missed heartbeats, evicting", peer)
		if m.onDead != nil {
			m.onDead(peer)
		}
	}
}

func (m *Monitor) recordPong(peerUserID string) {
	m.mu.Lock()
	if mp, ok := m.peers[peerUserID]; ok {
		mp.lastPongAt = m.now()
	}
	m.mu.Unlock()
}
