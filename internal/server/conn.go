package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/dvdyellow/server/internal/protocol"
)

// Conn is one accepted client connection after a successful
// handshake. Handlers for a given Conn run strictly sequentially;
// writes from other connections' handlers (notifications) are
// serialized by the write lock.
type Conn struct {
	id   uuid.UUID
	sock net.Conn

	wmu sync.Mutex

	mu       sync.Mutex
	authed   bool
	userID   int64
	username string
}

// NewConn wraps an accepted socket. Exported for module tests, which
// drive handlers over net.Pipe connections.
func NewConn(sock net.Conn) *Conn {
	return &Conn{id: uuid.New(), sock: sock}
}

// ID returns the connection identifier.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}

// Authenticated reports whether a user is signed in on this connection.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// User returns the signed-in user id and name.
func (c *Conn) User() (int64, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.username, c.authed
}

// SetUser marks the connection authenticated as the given user.
func (c *Conn) SetUser(id int64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
	c.userID = id
	c.username = name
}

// ClearUser removes the authentication state.
func (c *Conn) ClearUser() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = false
	c.userID = 0
	c.username = ""
}

// Respond sends a channel-0 response body. Exactly one response must
// be emitted per query; a handler either returns the body to the mux
// or calls Respond itself and returns nil.
func (c *Conn) Respond(body protocol.Map) error {
	return c.send(protocol.ChannelResponse, body)
}

// Notify sends an unsolicited push on a positive channel.
func (c *Conn) Notify(channel int64, body protocol.Map) error {
	if channel <= 0 {
		return fmt.Errorf("notify: channel must be positive, got %d", channel)
	}
	return c.send(channel, body)
}

func (c *Conn) send(channel int64, body protocol.Map) error {
	payload, err := protocol.EncodeEnvelope(channel, body)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", c.id, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.WriteFrame(c.sock, payload); err != nil {
		// a failed write is fatal for the connection; the read loop
		// observes the closed socket and runs the disconnect hooks
		c.sock.Close()
		return fmt.Errorf("writing to %s: %w", c.id, err)
	}
	return nil
}

// Close shuts the underlying socket down.
func (c *Conn) Close() error {
	return c.sock.Close()
}
