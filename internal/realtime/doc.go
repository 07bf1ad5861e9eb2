// Package realtime pushes session updates to connected clients over WebSocket.
//
// Clients join a room per session. Publish delivers a frame only to that
// room's members, and each connection has its own bounded queue and writer
// goroutine, so one slow client never delays another or the webhook path.
package realtime
