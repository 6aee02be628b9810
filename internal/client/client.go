// Package client implements the Go client side of the dvdyellow
// protocol: handshake, FIFO query/response pairing and per-channel
// notification subscribers.
package client

import (
	"fmt"
	"net"
	"sync"

	"github.com/dvdyellow/server/internal/protocol"
)

// Client is one connection to a dvdyellow server. Queries may be
// issued from any goroutine; responses are matched to the oldest
// outstanding query, which is what the server guarantees.
type Client struct {
	conn net.Conn

	mu      sync.Mutex
	pending []chan protocol.Map
	subs    map[int64][]func(protocol.Map)
	err     error

	done chan struct{}
}

// Dial connects, performs the handshake and starts the receive loop.
func Dial(addr string, version int64) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if err := protocol.ClientHandshake(conn, version); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	c := &Client{
		conn: conn,
		subs: make(map[int64][]func(protocol.Map)),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe appends a handler for notifications on a channel.
// Handlers run on the receive goroutine and must not block.
func (c *Client) Subscribe(channel int64, fn func(body protocol.Map)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[channel] = append(c.subs[channel], fn)
}

// Query sends one request to a module and blocks until its response
// arrives or the connection fails.
func (c *Client) Query(module int64, fields protocol.Map) (protocol.Map, error) {
	payload, err := protocol.EncodeRequest(module, fields)
	if err != nil {
		return nil, err
	}

	waiter := make(chan protocol.Map, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending = append(c.pending, waiter)
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		c.pending = c.pending[:len(c.pending)-1]
		c.mu.Unlock()
		return nil, fmt.Errorf("sending query: %w", err)
	}
	c.mu.Unlock()

	select {
	case resp := <-waiter:
		return resp, nil
	case <-c.done:
		return nil, c.connError()
	}
}

// Close shuts the connection down; outstanding queries fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) connError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	for {
		payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.fail(fmt.Errorf("connection lost: %w", err))
			return
		}

		channel, body, err := protocol.DecodeEnvelope(payload)
		if err != nil {
			c.fail(fmt.Errorf("bad frame from server: %w", err))
			return
		}

		m, ok := body.(protocol.Map)
		if !ok && body != nil {
			c.fail(fmt.Errorf("server body on channel %d is not a map", channel))
			return
		}

		if channel == protocol.ChannelResponse {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				c.fail(fmt.Errorf("response without outstanding query"))
				return
			}
			waiter := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			waiter <- m
			continue
		}

		c.mu.Lock()
		handlers := make([]func(protocol.Map), len(c.subs[channel]))
		copy(handlers, c.subs[channel])
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(m)
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.conn.Close()
	close(c.done)
}
