// ABOUTME: WebSocket endpoint that lets clients join session rooms and receive live updates
// ABOUTME: Handles join/leave/conversation_started requests and publishes session events

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/metrics"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/session"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// Sessions is the registry view the bridge needs.
type Sessions interface {
	Get(id string) (*store.Session, error)
	Update(ctx context.Context, id string, fn func(tx *session.Tx) error) (*store.Session, error)
}

// Config configures the bridge.
type Config struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*"
	// allows any origin.
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
}

// Bridge is the real-time endpoint.
type Bridge struct {
	cfg      Config
	rooms    *Rooms
	sessions Sessions
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*Conn
	closed  bool
	writers sync.WaitGroup
}

// NewBridge creates a bridge over sessions. m may be nil.
func NewBridge(cfg Config, sessions Sessions, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "realtime")

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		rooms:    NewRooms(m, logger),
		sessions: sessions,
		metrics:  m,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	b.logger.Warn("rejected websocket origin", "origin", origin)
	return false
}

// ServeHTTP upgrades GET /ws and runs the connection until it closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, b.cfg.SendBuffer, b.logger)
	if !b.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(b.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer b.unregister(c)

	b.writers.Add(1)
	go func() {
		defer b.writers.Done()
		c.writeLoop(b.cfg.PingInterval, b.cfg.WriteTimeout)
	}()

	c.logger.Info("client connected", "remote_addr", r.RemoteAddr)
	b.send(c, EventConnected, Connected{ConnectionID: c.id})
	b.readLoop(ws, c)
}

func (b *Bridge) register(c *Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[c.id] = c
	b.metrics.ConnectionOpened()
	return true
}

func (b *Bridge) unregister(c *Conn) {
	b.rooms.RemoveConn(c)
	c.close()

	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	b.metrics.ConnectionClosed()
	c.logger.Info("client disconnected")
}

func (b *Bridge) readLoop(ws *websocket.Conn, c *Conn) {
	pongWait := 2 * b.cfg.PingInterval
	ws.SetReadLimit(b.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.closed() {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		b.handle(c, data)
	}
}

func (b *Bridge) handle(c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		b.sendError(c, "invalid message: expected {\"event\": ..., \"data\": ...}")
		return
	}

	switch env.Event {
	case EventJoinSession:
		var req SessionRequest
		if !b.decode(c, env, &req) {
			return
		}
		sess, err := b.Join(c, req.SessionID)
		if err != nil {
			b.sendError(c, err.Error())
			return
		}
		b.send(c, EventSessionJoined, SessionJoined{SessionID: sess.ID, Session: sess})

	case EventLeaveSession:
		var req SessionRequest
		if !b.decode(c, env, &req) {
			return
		}
		if req.SessionID == "" {
			b.sendError(c, "session_id is required")
			return
		}
		b.Leave(c, req.SessionID)
		b.send(c, EventSessionLeft, SessionLeft{SessionID: req.SessionID})

	case EventConversationStarted:
		var req StartRequest
		if !b.decode(c, env, &req) {
			return
		}
		if err := b.Start(b.ctx, req.SessionID, req.ConversationID); err != nil {
			b.sendError(c, err.Error())
		}

	default:
		b.sendError(c, "unknown event: "+env.Event)
	}
}

func (b *Bridge) decode(c *Conn, env Envelope, v any) bool {
	if len(env.Data) == 0 {
		b.sendError(c, env.Event+": missing data")
		return false
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		b.sendError(c, env.Event+": invalid data")
		return false
	}
	return true
}

// Join adds c to the session's room and returns the snapshot to send back.
// The snapshot is read after joining, so every update is either in it or
// delivered to c; frames older than the snapshot carry a lower version.
func (b *Bridge) Join(c *Conn, sessionID string) (*store.Session, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}
	b.rooms.Join(sessionID, c)
	sess, err := b.sessions.Get(sessionID)
	if err != nil {
		b.rooms.Leave(sessionID, c)
		return nil, err
	}
	c.logger.Info("joined session", "session_id", sessionID)
	return sess, nil
}

// Leave removes c from the session's room.
func (b *Bridge) Leave(c *Conn, sessionID string) bool {
	left := b.rooms.Leave(sessionID, c)
	if left {
		c.logger.Info("left session", "session_id", sessionID)
	}
	return left
}

// Start marks the session active and binds the conversation id reported by
// the client, then tells the room.
func (b *Bridge) Start(ctx context.Context, sessionID, conversationID string) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	sess, err := b.sessions.Update(ctx, sessionID, func(tx *session.Tx) error {
		if err := tx.Bind(conversationID); err != nil {
			return err
		}
		_, err := tx.Transition(store.StateActive, "")
		return err
	})
	if err != nil {
		b.logger.Warn("client start rejected", "session_id", sessionID, "conversation_id", conversationID, "error", err)
		return err
	}
	b.logger.Info("conversation started by client", "session_id", sessionID, "conversation_id", conversationID)
	b.Publish(sessionID, EventConversationUpdate, NewConversationUpdate(sess))
	return nil
}

// Publish sends an event to every connection in the session's room and
// returns how many accepted it.
func (b *Bridge) Publish(sessionID, event string, data any) int {
	frame, err := encode(event, data)
	if err != nil {
		b.logger.Error("failed to encode event", "session_id", sessionID, "event", event, "error", err)
		return 0
	}
	return b.rooms.Publish(sessionID, event, frame)
}

// CloseRoom tells the session's members it is gone and empties its room.
func (b *Bridge) CloseRoom(sessionID, reason string) int {
	b.Publish(sessionID, EventSessionClosed, SessionClosed{SessionID: sessionID, Reason: reason})
	members := b.rooms.CloseRoom(sessionID)
	if len(members) > 0 {
		b.logger.Info("room closed", "session_id", sessionID, "members", len(members), "reason", reason)
	}
	return len(members)
}

// Members returns the number of connections in the session's room.
func (b *Bridge) Members(sessionID string) int {
	return b.rooms.Members(sessionID)
}

// Connections returns the number of open connections.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close disconnects every client and waits for their writers to finish.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.cancel()
	for _, c := range conns {
		c.close()
	}
	b.writers.Wait()
	b.logger.Debug("bridge closed", "connections", len(conns))
}

func (b *Bridge) send(c *Conn, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		b.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}
	queued := c.enqueue(frame)
	b.metrics.RecordFrame(event, queued)
}

func (b *Bridge) sendError(c *Conn, message string) {
	b.send(c, EventError, ErrorMessage{Message: message})
}
