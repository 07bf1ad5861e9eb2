// ABOUTME: One real-time client connection with a bounded outbound queue
// ABOUTME: A dedicated writer goroutine owns all writes and sends keepalive pings

package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn the writer uses.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is a client connection. Frames are queued with enqueue and written by
// writeLoop; nothing else writes to the socket.
type Conn struct {
	id     string
	ws     wsConn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// rooms is guarded by Rooms.mu.
	rooms map[string]struct{}
}

func newConn(ws wsConn, buffer int, logger *slog.Logger) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id),
		rooms:  make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// enqueue queues frame without blocking. It reports false when the queue is
// full or the connection is closed.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close signals the writer to say goodbye and release the socket.
func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

// closed reports whether close has been called.
func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop(pingInterval, writeTimeout time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flushOnShutdown(writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return

		case frame := <-c.send:
			if err := c.writeFrame(frame, writeTimeout); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}

		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// flushOnShutdown writes a few already-queued frames before the close frame.
func (c *Conn) flushOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	const maxFlushFrames = 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeFrame(frame []byte, writeTimeout time.Duration) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
