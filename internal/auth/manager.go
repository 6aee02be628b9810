// Package auth implements the sign-up / sign-in module and owns the
// bijection between authenticated connections and user ids.
package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dvdyellow/server/internal/model"
	"github.com/dvdyellow/server/internal/protocol"
	"github.com/dvdyellow/server/internal/server"
)

// UserRepository is the slice of the persistence port auth needs.
type UserRepository interface {
	FindUserByName(ctx context.Context, name string) (*model.User, error)
	FindUserByID(ctx context.Context, id int64) (*model.User, error)
	InsertUser(ctx context.Context, name, passwordHash string) (int64, error)
}

// MaxUsernameLength mirrors the users.name column constraint.
const MaxUsernameLength = 64

// Manager handles module 3 requests and tracks who is signed in where.
type Manager struct {
	users UserRepository

	mu     sync.Mutex
	byConn map[uuid.UUID]int64
	byUser map[int64]*server.Conn
}

// NewManager creates the auth module.
func NewManager(users UserRepository) *Manager {
	return &Manager{
		users:  users,
		byConn: make(map[uuid.UUID]int64),
		byUser: make(map[int64]*server.Conn),
	}
}

// PermissionChecker returns the dispatch gate: the auth module itself
// is unrestricted, everything else requires a signed-in connection.
func (m *Manager) PermissionChecker() server.PermissionChecker {
	return func(c *server.Conn, module int64) bool {
		if module == protocol.ModuleAuth {
			return true
		}
		return c.Authenticated()
	}
}

// ConnByUser returns the connection the user is signed in on.
func (m *Manager) ConnByUser(userID int64) (*server.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byUser[userID]
	return c, ok
}

// HandleDisconnect removes the bijection entry of a dropped
// connection. Registered last in the hook chain: game and presence
// cleanup still need the identity.
func (m *Manager) HandleDisconnect(ctx context.Context, c *server.Conn) {
	m.signOut(c)
}

func (m *Manager) signOut(c *server.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid, ok := m.byConn[c.ID()]
	if !ok {
		return false
	}
	delete(m.byConn, c.ID())
	delete(m.byUser, uid)
	c.ClearUser()
	return true
}

// Handle dispatches one auth module request.
func (m *Manager) Handle(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	command, ok := protocol.GetString(fields, "command")
	if !ok {
		return protocol.Errorf("NO_COMMAND")
	}

	switch command {
	case "sign-up":
		return m.handleSignUp(ctx, fields)
	case "sign-in":
		return m.handleSignIn(ctx, c, fields)
	case "sign-out":
		return m.handleSignOut(c)
	case "get-status":
		return m.handleGetStatus(c)
	case "get-name":
		return m.handleGetName(ctx, fields)
	default:
		return protocol.Errorf("NO_COMMAND")
	}
}

func (m *Manager) handleSignUp(ctx context.Context, fields protocol.Map) protocol.Map {
	username, _ := protocol.GetString(fields, "username")
	if username == "" || len(username) > MaxUsernameLength {
		return protocol.Errorf("NO_USERNAME")
	}
	password, _ := protocol.GetString(fields, "password")
	if password == "" {
		return protocol.Errorf("NO_PASSWORD")
	}

	existing, err := m.users.FindUserByName(ctx, username)
	if err != nil {
		slog.Error("sign-up lookup failed", "username", username, "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	if existing != nil {
		return protocol.Errorf("LOGIN_TAKEN")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("hashing password failed", "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}

	if _, err := m.users.InsertUser(ctx, username, string(hash)); err != nil {
		// a concurrent sign-up may have taken the name between the
		// lookup and the insert; the unique index reports it here
		slog.Warn("sign-up insert failed", "username", username, "error", err)
		return protocol.Errorf("LOGIN_TAKEN")
	}

	slog.Info("user signed up", "username", username)
	return protocol.OK(nil)
}

func (m *Manager) handleSignIn(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	if c.Authenticated() {
		return protocol.Errorf("ALREADY_LOGGED_IN")
	}
	username, _ := protocol.GetString(fields, "username")
	if username == "" {
		return protocol.Errorf("NO_USERNAME")
	}
	password, _ := protocol.GetString(fields, "password")
	if password == "" {
		return protocol.Errorf("NO_PASSWORD")
	}

	user, err := m.users.FindUserByName(ctx, username)
	if err != nil {
		slog.Error("sign-in lookup failed", "username", username, "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	if user == nil {
		return protocol.Errorf("NO_SUCH_USER")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		slog.Warn("wrong password", "username", username, "conn", c.ID())
		return protocol.Errorf("WRONG_PASSWORD")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byUser[user.ID]; taken {
		return protocol.Errorf("ALREADY_LOGGED_IN")
	}
	m.byConn[c.ID()] = user.ID
	m.byUser[user.ID] = c
	c.SetUser(user.ID, user.Name)

	slog.Info("user signed in", "username", user.Name, "id", user.ID, "conn", c.ID())
	return protocol.OK(nil)
}

func (m *Manager) handleSignOut(c *server.Conn) protocol.Map {
	if !m.signOut(c) {
		return protocol.Errorf("NOT_SIGNED_IN")
	}
	slog.Info("user signed out", "conn", c.ID())
	return protocol.OK(nil)
}

func (m *Manager) handleGetStatus(c *server.Conn) protocol.Map {
	uid, name, ok := c.User()
	if !ok {
		return protocol.OK(protocol.Map{"authenticated": false})
	}
	return protocol.OK(protocol.Map{
		"authenticated": true,
		"username":      name,
		"id":            uid,
	})
}

func (m *Manager) handleGetName(ctx context.Context, fields protocol.Map) protocol.Map {
	id, ok := protocol.GetInt(fields, "id")
	if !ok {
		return protocol.Errorf("NO_ID")
	}
	user, err := m.users.FindUserByID(ctx, id)
	if err != nil {
		slog.Error("get-name lookup failed", "id", id, "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	if user == nil {
		return protocol.Errorf("NO_SUCH_USER")
	}
	return protocol.OK(protocol.Map{"name": user.Name})
}
