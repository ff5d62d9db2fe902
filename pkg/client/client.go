// Package client is the device-side endpoint: it holds the websocket
// to the relay, dispatches signaling into the call coordinators,
// encrypts and decrypts chat messages with the local identity, and
// reconnects with backoff when the relay connection drops.
package client

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alcovechat/rtc-core/pkg/call"
	"github.com/alcovechat/rtc-core/pkg/identity"
	"github.com/alcovechat/rtc-core/pkg/protocol"
	"github.com/alcovechat/rtc-core/pkg/rtc"
)

var (
	ErrNotConnected   = errors.New("not connected to relay")
	ErrCallInProgress = errors.New("another call is in progress")
)

// Config holds everything a client needs to come online.
type Config struct {
	RelayURL    string // websocket endpoint, ws(s)://host/ws
	APIURL      string // REST endpoint, http(s)://host
	Token       string
	UserID      string
	DisplayName string
	KeyPath     string // identity key file
	STUNServers []string
}

// Client is one device of one user.
type Client struct {
	cfg      Config
	identity *identity.Manager

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	calls *call.Coordinator
	mesh  *call.MeshCoordinator

	keysMu   sync.Mutex
	peerKeys map[string]identity.PublicKey

	httpClient *http.Client

	// OnMessage delivers an inbound chat message with its decrypted
	// body. OnDeleted announces relay-side deletions, expiry included.
	OnMessage      func(msg protocol.ChatMessage, plaintext string)
	OnAck          func(ack protocol.ChatAck)
	OnDeleted      func(del protocol.MessageDeleted)
	OnIncomingCall func(inc protocol.IncomingCall)
	OnIncomingMesh func(inc protocol.IncomingGroupCall)
	// OnReconnected fires after the relay connection was lost and
	// re-established, once client state has been restored.
	OnReconnected func()
}

// New builds a client. Factory may be nil; the pion-backed default is
// used then.
func New(cfg Config, factory rtc.Factory) *Client {
	if factory == nil {
		factory = rtc.NewPionFactory(cfg.STUNServers)
	}

	c := &Client{
		cfg:        cfg,
		identity:   identity.NewManager(cfg.KeyPath),
		peerKeys:   make(map[string]identity.PublicKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	c.calls = call.NewCoordinator(cfg.UserID, cfg.DisplayName, c, factory)
	c.calls.OnIncoming = func(inc protocol.IncomingCall) {
		if c.OnIncomingCall != nil {
			c.OnIncomingCall(inc)
		}
	}
	c.mesh = call.NewMeshCoordinator(cfg.UserID, c, factory)
	c.mesh.OnIncoming = func(inc protocol.IncomingGroupCall) {
		if c.OnIncomingMesh != nil {
			c.OnIncomingMesh(inc)
		}
	}
	// A device in a mesh call auto-rejects incoming 1:1 calls; the
	// outbound direction is guarded in StartCall and AcceptCall.
	c.calls.Busy = func(string) bool {
		return len(c.mesh.JoinedChats()) > 0
	}
	return c
}

// Calls exposes the 1:1 coordinator, e.g. for state callbacks.
func (c *Client) Calls() *call.Coordinator { return c.calls }

// Mesh exposes the group-call coordinator.
func (c *Client) Mesh() *call.MeshCoordinator { return c.mesh }

// Connect dials the relay, publishes the identity key and starts the
// read loop. The loop reconnects by itself until Close.
func (c *Client) Connect() error {
	if _, err := c.identity.GetOrCreateIdentity(); err != nil {
		return err
	}

	if err := c.dial(); err != nil {
		return err
	}
	if err := c.publishIdentity(); err != nil {
		log.Printf("⚠️  Publish identity key failed: %v", err)
	}

	go c.readLoopWithReconnect()
	return nil
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send delivers one envelope to the relay. Implements call.Sender;
// gorilla allows one concurrent writer, so writes serialize here.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Client) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.RelayURL+"?token="+c.cfg.Token, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return nil
}

// readLoopWithReconnect pumps envelopes and redials with exponential
// backoff when the connection drops.
func (c *Client) readLoopWithReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		c.readLoop()

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			log.Println("Client closed, stopping read loop")
			return
		}

		log.Printf("🔄 Relay connection lost, reconnecting in %v...", backoff)
		time.Sleep(backoff)

		if err := c.dial(); err != nil {
			log.Printf("❌ Reconnection failed: %v", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		log.Println("✅ Reconnected to relay")
		backoff = time.Second
		c.reconnected()
	}
}

// reconnected restores what the relay lost while the connection was
// down: the identity key is published again and ringing calls are
// dropped, since a ring response sent in the gap never arrived.
// Connecting and active calls keep running on their peer connections.
func (c *Client) reconnected() {
	if err := c.publishIdentity(); err != nil {
		log.Printf("⚠️  Re-publish identity key failed: %v", err)
	}
	c.calls.DropRinging()
	if c.OnReconnected != nil {
		c.OnReconnected()
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()
			return
		}
		c.dispatch(env)
	}
}
