package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/alcovechat/rtc-core/pkg/protocol"
	"github.com/alcovechat/rtc-core/pkg/storage"
)

// Config holds the relay's runtime settings.
type Config struct {
	Addr          string
	Secret        []byte
	SweepInterval time.Duration
}

// Server is the relay: a websocket signaling endpoint plus a small
// REST surface for the key directory and chat membership.
type Server struct {
	cfg      Config
	store    *storage.Store
	hub      *Hub
	sweeper  *Sweeper
	engine   *gin.Engine
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires the relay against an open datastore.
func NewServer(cfg Config, store *storage.Store) *Server {
	gin.SetMode(gin.ReleaseMode)

	hub := NewHub()
	s := &Server{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		sweeper: NewSweeper(store, hub, cfg.SweepInterval),
		engine:  gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are mobile apps, not browsers; origin checks do
			// not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws", s.handleWS)

	authed := s.engine.Group("/", s.authRequired)
	authed.GET("/keys/:userId", s.handleGetKey)
	authed.POST("/keys", s.handlePublishKey)
	authed.GET("/chats/:chatId/members", s.handleListMembers)
	authed.POST("/chats/:chatId/members", s.handleAddMember)
}

// Handler exposes the router, mainly for tests over httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the context is cancelled, then drains. The expiry
// sweeper runs for the lifetime of the server.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.sweeper.Run(ctx)

	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 Relay listening on %s", s.cfg.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SweepNow runs one sweeper pass immediately.
func (s *Server) SweepNow() {
	s.sweeper.sweepOnce()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"onlineUsers": s.hub.OnlineCount(),
	})
}

// authRequired validates the bearer token and records the caller.
func (s *Server) authRequired(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	userID, err := ParseToken(s.cfg.Secret, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set("userID", userID)
	c.Next()
}

func (s *Server) handleGetKey(c *gin.Context) {
	userID := c.Param("userId")
	key, err := s.store.GetPublicKey(userID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no key published"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "publicKey": key})
}

func (s *Server) handlePublishKey(c *gin.Context) {
	var body struct {
		PublicKey string `json:"publicKey" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "publicKey required"})
		return
	}
	userID := c.GetString("userID")
	if err := s.store.UpsertPublicKey(userID, body.PublicKey); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID})
}

func (s *Server) handleListMembers(c *gin.Context) {
	members, err := s.store.ListChatMembers(c.Param("chatId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (s *Server) handleAddMember(c *gin.Context) {
	var body struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}
	if err := s.store.AddChatMember(c.Param("chatId"), body.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": c.Param("chatId"), "userId": body.UserID})
}

// handleWS authenticates, upgrades and pumps envelopes until the
// connection drops.
func (s *Server) handleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	userID, err := ParseToken(s.cfg.Secret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Upgrade for %s failed: %v", userID, err)
		return
	}

	sess := newWSSession(userID, conn)
	s.hub.add(sess)
	log.Printf("🔌 %s connected", userID)

	defer func() {
		s.hub.remove(sess)
		sess.close()
		conn.Close()
		log.Printf("🔌 %s disconnected", userID)
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Read from %s failed: %v", userID, err)
			}
			return
		}
		s.route(sess, env)
	}
}
