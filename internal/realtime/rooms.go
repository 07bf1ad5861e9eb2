// ABOUTME: Per-session rooms fanning frames out to member connections
// ABOUTME: Publishing never blocks; a full connection queue drops the frame for that connection

package realtime

import (
	"log/slog"
	"sync"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/metrics"
)

// Rooms tracks which connections are in which session's room.
// Members are kept on both sides (room -> conns, conn -> rooms) under one
// lock so a disconnect can leave every room without scanning.
type Rooms struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*Conn // sessionID -> connID -> conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRooms creates an empty room set. Pass nil logger for default.
func NewRooms(m *metrics.Metrics, logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{
		rooms:   make(map[string]map[string]*Conn),
		metrics: m,
		logger:  logger.With("component", "rooms"),
	}
}

// Join adds c to the room for sessionID. Joining twice is a no-op.
func (r *Rooms) Join(sessionID string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[sessionID]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[sessionID] = members
	}
	members[c.id] = c
	c.rooms[sessionID] = struct{}{}

	r.logger.Debug("connection joined room", "session_id", sessionID, "conn_id", c.id, "members", len(members))
}

// Leave removes c from the room for sessionID and reports whether it was a member.
func (r *Rooms) Leave(sessionID string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sessionID, c)
}

func (r *Rooms) leaveLocked(sessionID string, c *Conn) bool {
	members, ok := r.rooms[sessionID]
	if !ok {
		return false
	}
	if _, exists := members[c.id]; !exists {
		return false
	}
	delete(members, c.id)
	delete(c.rooms, sessionID)

	// Clean up empty rooms
	if len(members) == 0 {
		delete(r.rooms, sessionID)
	}
	return true
}

// RemoveConn removes c from every room it joined.
func (r *Rooms) RemoveConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID := range c.rooms {
		r.leaveLocked(sessionID, c)
	}
}

// Publish queues frame on every member of the session's room and returns how
// many connections accepted it. An empty room drops the frame.
func (r *Rooms) Publish(sessionID, event string, frame []byte) int {
	r.mu.RLock()
	members, ok := r.rooms[sessionID]
	if !ok || len(members) == 0 {
		r.mu.RUnlock()
		return 0
	}

	// Copy members under read lock to avoid holding the lock during sends
	targets := make([]*Conn, 0, len(members))
	for _, c := range members {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		queued := c.enqueue(frame)
		r.metrics.RecordFrame(event, queued)
		if queued {
			delivered++
			continue
		}
		r.logger.Debug("dropped frame for slow connection", "session_id", sessionID, "conn_id", c.id, "event", event)
	}
	return delivered
}

// CloseRoom removes every member from the session's room and returns them.
func (r *Rooms) CloseRoom(sessionID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		delete(c.rooms, sessionID)
		out = append(out, c)
	}
	delete(r.rooms, sessionID)
	return out
}

// Members returns the number of connections in the session's room.
func (r *Rooms) Members(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[sessionID])
}

// Len returns the number of non-empty rooms.
func (r *Rooms) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
