// Package session runs the bike handshake and owns all live bike state: the authenticated socket, the most recent
// location, the battery level, and the lock state. Other components read bike liveness exclusively through the
// Tracker's queries and actuate locks through SetLock; nothing else may touch a bike's socket.
package session

import (
	"errors"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/openvelo/openvelo-server/internal/geo"
	"github.com/openvelo/openvelo-server/internal/pickup"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeWait is how long a bike has to present its signed challenge after upgrading.
	handshakeWait = 10 * time.Second

	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// proofSize is the length of the first binary frame: a 64-byte Ed25519 signature followed by the original
	// 64-byte challenge.
	proofSize = 128
)

// Sentinel errors for the session package.
var (
	ErrIdentityUnknown = errors.New("public key is not registered")
	ErrBadSignature    = errors.New("challenge signature verification failed")
	ErrNotConnected    = errors.New("bike has no live session")
)

// Conn is the subset of *websocket.Conn the tracker uses. Tests substitute an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Location is a bike's most recent reported position. Pickup is the containing pickup point, or nil when the bike is
// outside every pickup area.
type Location struct {
	Point  geo.Point
	At     time.Time
	Pickup *pickup.Point
}

// closeWith sends a close frame with the given code and reason, then closes the connection. Closing is idempotent;
// errors are ignored because the peer may already be gone.
func closeWith(conn Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
