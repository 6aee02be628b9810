// Package server implements the TCP accept loop, the handshake gate
// and the module-addressed request multiplexer.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/dvdyellow/server/internal/protocol"
)

// Handler processes one request for a module. It returns the response
// body for the mux to send, or nil if it already responded via
// Conn.Respond (used where the response must be emitted inside a
// critical section).
type Handler func(ctx context.Context, c *Conn, fields protocol.Map) protocol.Map

// PermissionChecker gates dispatch per (connection, module).
type PermissionChecker func(c *Conn, module int64) bool

// DisconnectHook runs when a connection goes away, in registration
// order, before the connection is forgotten.
type DisconnectHook func(ctx context.Context, c *Conn)

// Server accepts connections, gates them through the handshake and
// dispatches framed requests to registered module handlers.
type Server struct {
	addr     string
	check    protocol.VersionChecker
	handlers map[int64]Handler

	permission PermissionChecker
	hooks      []DisconnectHook
	shutdown   []func()

	mu       sync.Mutex
	listener net.Listener
	conns    map[uuid.UUID]*Conn
}

// New creates a Server listening on addr once Run is called.
func New(addr string, check protocol.VersionChecker) *Server {
	return &Server{
		addr:     addr,
		check:    check,
		handlers: make(map[int64]Handler),
		conns:    make(map[uuid.UUID]*Conn),
	}
}

// Register installs the handler for a module number.
func (s *Server) Register(module int64, h Handler) {
	s.handlers[module] = h
}

// SetPermissionChecker installs the dispatch gate.
func (s *Server) SetPermissionChecker(pc PermissionChecker) {
	s.permission = pc
}

// OnDisconnect appends a disconnect hook. Hooks run in registration
// order; the game hook must be registered before the auth hook so
// in-flight games are settled while the user identity is still known.
func (s *Server) OnDisconnect(h DisconnectHook) {
	s.hooks = append(s.hooks, h)
}

// OnShutdown appends a callback run once when the server stops,
// before remaining sockets are closed.
func (s *Server) OnShutdown(f func()) {
	s.shutdown = append(s.shutdown, f)
}

// Addr returns the bound address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done. Exposed
// separately so tests can pass a loopback listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("server started", "address", ln.Addr())

	var wg sync.WaitGroup
	for {
		sock, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("failed to accept connection", "error", err)
			continue
		}
		wg.Go(func() {
			s.handleConnection(ctx, sock)
		})
	}

	for _, f := range s.shutdown {
		f()
	}
	s.closeAll()
	wg.Wait()
	slog.Info("server stopped")
	return nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// handleConnection owns one socket: handshake gate first, then the
// framed receive state machine until EOF or a fatal protocol error.
func (s *Server) handleConnection(ctx context.Context, sock net.Conn) {
	defer sock.Close()

	version, err := protocol.ServerHandshake(sock, s.check)
	if err != nil {
		slog.Warn("handshake failed", "remote", sock.RemoteAddr(), "error", err)
		return
	}

	c := NewConn(sock)
	s.track(c)
	slog.Info("connection accepted", "conn", c.id, "remote", sock.RemoteAddr(), "version", version)

	defer func() {
		for _, h := range s.hooks {
			h(ctx, c)
		}
		s.forget(c)
		slog.Info("connection closed", "conn", c.id)
	}()

	recv := protocol.NewReceiver()
	buf := make([]byte, 4096)
	var frames [][]byte

	for {
		n, err := sock.Read(buf)
		if err != nil {
			return
		}

		frames, err = recv.Feed(buf[:n], frames[:0])
		if err != nil {
			slog.Warn("malformed frame, closing", "conn", c.id, "error", err)
			return
		}

		for _, payload := range frames {
			if err := s.dispatch(ctx, c, payload); err != nil {
				slog.Warn("protocol error, closing", "conn", c.id, "error", err)
				return
			}
		}
	}
}

// dispatch decodes one request frame and routes it to its module.
// A decode failure is fatal for the connection; handler-level business
// errors travel back inside the response body.
func (s *Server) dispatch(ctx context.Context, c *Conn, payload []byte) error {
	channel, body, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	if channel != protocol.ChannelResponse {
		return fmt.Errorf("client sent frame on channel %d", channel)
	}

	module, fields, err := protocol.DecodeRequest(body)
	if err != nil {
		return err
	}

	handler, ok := s.handlers[module]
	if !ok {
		return c.Respond(protocol.Errorf("NO_MODULE"))
	}
	if s.permission != nil && !s.permission(c, module) {
		return c.Respond(protocol.Errorf("PERMISSION_DENIED"))
	}

	resp := handler(ctx, c, fields)
	if resp == nil {
		// handler responded inside its critical section
		return nil
	}
	return c.Respond(resp)
}
