// Package presence implements the waiting room: user status labels,
// the listener set and the channel-13 status-change fan-out.
package presence

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/dvdyellow/server/internal/model"
	"github.com/dvdyellow/server/internal/protocol"
	"github.com/dvdyellow/server/internal/server"
)

// StatusDisconnected is the implicit status of any user without an
// entry in the map; setting it erases the entry.
const StatusDisconnected = "disconnected"

// RankingRepository is the slice of the persistence port presence needs.
type RankingRepository interface {
	FindUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsersByRating(ctx context.Context) ([]model.User, error)
	CountUsersWithRatingAbove(ctx context.Context, rating float64) (int, error)
}

// Manager handles module 4 requests. All mutations and their fan-out
// run under one lock so every listener observes the same total order.
type Manager struct {
	ranking RankingRepository

	mu        sync.Mutex
	status    map[int64]string
	listeners map[uuid.UUID]*server.Conn
}

// NewManager creates the presence module.
func NewManager(ranking RankingRepository) *Manager {
	return &Manager{
		ranking:   ranking,
		status:    make(map[int64]string),
		listeners: make(map[uuid.UUID]*server.Conn),
	}
}

// Handle dispatches one presence module request.
func (m *Manager) Handle(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	command, ok := protocol.GetString(fields, "command")
	if !ok {
		return protocol.Errorf("NO_COMMAND")
	}

	switch command {
	case "start-listening":
		return m.handleStartListening(c)
	case "stop-listening":
		return m.handleStopListening(c)
	case "get-status":
		return m.handleGetStatus(fields)
	case "set-status":
		return m.handleSetStatus(c, fields)
	case "get-waiting-room":
		return m.handleGetWaitingRoom()
	case "get-ranking":
		return m.handleGetRanking(ctx)
	case "check-ranking-position":
		return m.handleRankingPosition(ctx, c)
	default:
		return protocol.Errorf("NO_COMMAND")
	}
}

func (m *Manager) handleStartListening(c *server.Conn) protocol.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[c.ID()] = c
	return protocol.OK(nil)
}

func (m *Manager) handleStopListening(c *server.Conn) protocol.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[c.ID()]; !ok {
		return protocol.Errorf("NOT_LISTENING")
	}
	delete(m.listeners, c.ID())
	return protocol.OK(nil)
}

func (m *Manager) handleGetStatus(fields protocol.Map) protocol.Map {
	id, ok := protocol.GetInt(fields, "id")
	if !ok {
		return protocol.Errorf("NO_ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.status[id]
	if !ok {
		status = StatusDisconnected
	}
	// "status" is taken by the ok/error convention
	return protocol.OK(protocol.Map{"user": id, "user-status": status})
}

func (m *Manager) handleSetStatus(c *server.Conn, fields protocol.Map) protocol.Map {
	uid, _, ok := c.User()
	if !ok {
		return protocol.Errorf("INVALID_USER")
	}
	if claimed, present := protocol.GetInt(fields, "uid"); present && claimed != uid {
		return protocol.Errorf("INVALID_USER")
	}
	status, ok := protocol.GetString(fields, "new-status")
	if !ok {
		return protocol.Errorf("NO_STATUS")
	}

	m.setStatus(uid, status)
	return protocol.OK(nil)
}

// setStatus broadcasts the change to every listener and then applies
// it to the map, all while holding the presence lock.
func (m *Manager) setStatus(uid int64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	body := protocol.Map{
		"notification": "status-change",
		"user":         uid,
		"status":       status,
	}
	for _, l := range m.listeners {
		if err := l.Notify(protocol.ChannelStatusChange, body); err != nil {
			slog.Warn("status-change notify failed", "conn", l.ID(), "error", err)
		}
	}

	if status == StatusDisconnected {
		delete(m.status, uid)
	} else {
		m.status[uid] = status
	}
}

func (m *Manager) handleGetWaitingRoom() protocol.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := make(protocol.Map, len(m.status))
	for uid, status := range m.status {
		room[strconv.FormatInt(uid, 10)] = status
	}
	return protocol.OK(protocol.Map{"waiting-room": room})
}

func (m *Manager) handleGetRanking(ctx context.Context) protocol.Map {
	users, err := m.ranking.ListUsersByRating(ctx)
	if err != nil {
		slog.Error("ranking query failed", "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	entries := make([]protocol.Value, 0, len(users))
	for _, u := range users {
		entries = append(entries, protocol.Map{"name": u.Name, "points": u.Rating})
	}
	return protocol.OK(protocol.Map{"ranking": entries})
}

func (m *Manager) handleRankingPosition(ctx context.Context, c *server.Conn) protocol.Map {
	uid, _, ok := c.User()
	if !ok {
		return protocol.Errorf("INVALID_USER")
	}
	user, err := m.ranking.FindUserByID(ctx, uid)
	if err != nil || user == nil {
		slog.Error("ranking position lookup failed", "id", uid, "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	above, err := m.ranking.CountUsersWithRatingAbove(ctx, user.Rating)
	if err != nil {
		slog.Error("ranking position count failed", "id", uid, "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	return protocol.OK(protocol.Map{"position": int64(above + 1)})
}

// HandleDisconnect broadcasts a final "disconnected" for the user and
// drops the connection from the listener set, keeping the status map
// and the listener set consistent.
func (m *Manager) HandleDisconnect(ctx context.Context, c *server.Conn) {
	m.mu.Lock()
	delete(m.listeners, c.ID())
	m.mu.Unlock()
	if uid, _, ok := c.User(); ok {
		m.setStatus(uid, StatusDisconnected)
	}
}
