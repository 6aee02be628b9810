// Package game implements the matchmaker and the arbitration engine:
// pairing, per-game state, move legality, dead-zone scoring, rating
// updates and the channel 14/15/16 notifications.
package game

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/dvdyellow/server/internal/model"
	"github.com/dvdyellow/server/internal/protocol"
	"github.com/dvdyellow/server/internal/server"
)

// Repository is the slice of the persistence port the engine needs.
type Repository interface {
	RandomPawn(ctx context.Context) (*model.Pawn, error)
	RandomBoard(ctx context.Context) (*model.Board, error)
	FindUserByID(ctx context.Context, id int64) (*model.User, error)
	UpdateUserRating(ctx context.Context, id int64, rating float64) error
	InsertResult(ctx context.Context, r model.GameResult) error
	CountResultsWon(ctx context.Context, userID int64) (int, error)
	CountResultsLost(ctx context.Context, userID int64) (int, error)
}

// Sessions resolves a signed-in user to their live connection.
type Sessions interface {
	ConnByUser(userID int64) (*server.Conn, bool)
}

type inviteKey struct {
	from, to int64
}

// Manager handles module 5 requests.
type Manager struct {
	repo     Repository
	sessions Sessions

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	waiting *server.Conn
	games   map[int64]*gameSlot
	invites map[inviteKey]struct{}
	nextID  int64
}

// gameSlot pairs a game with its lock. The lock is held across
// validate + apply + notify + respond so both players observe one
// total order of events per game.
type gameSlot struct {
	mu sync.Mutex
	g  *Game
}

// NewManager creates the game module.
func NewManager(repo Repository, sessions Sessions) *Manager {
	return &Manager{
		repo:     repo,
		sessions: sessions,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		games:    make(map[int64]*gameSlot),
		invites:  make(map[inviteKey]struct{}),
		nextID:   1,
	}
}

// Handle dispatches one game module request.
func (m *Manager) Handle(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	command, ok := protocol.GetString(fields, "command")
	if !ok {
		return protocol.Errorf("NO_COMMAND")
	}

	switch command {
	case "find-random-game":
		return m.handleFindRandomGame(ctx, c)
	case "quit-searching":
		return m.handleQuitSearching(c)
	case "make-move":
		return m.handleMakeMove(ctx, c, fields)
	case "abandon-game":
		return m.handleAbandonGame(ctx, c, fields)
	case "invite-player":
		return m.handleInvitePlayer(ctx, c, fields)
	case "respond-invitation":
		return m.handleRespondInvitation(ctx, c, fields)
	case "match-history-wins":
		return m.handleMatchHistory(ctx, c, m.repo.CountResultsWon)
	case "match-history-defeats":
		return m.handleMatchHistory(ctx, c, m.repo.CountResultsLost)
	default:
		return protocol.Errorf("NO_COMMAND")
	}
}

// --- matchmaking -----------------------------------------------------

func (m *Manager) handleFindRandomGame(ctx context.Context, c *server.Conn) protocol.Map {
	m.mu.Lock()
	if m.waiting == nil {
		m.waiting = c
		m.mu.Unlock()
		return protocol.OK(protocol.Map{"game-status": "waiting"})
	}
	if m.waiting.ID() == c.ID() {
		m.mu.Unlock()
		return protocol.OK(protocol.Map{"game-status": "waiting"})
	}
	pending := m.waiting
	m.waiting = nil
	m.mu.Unlock()

	return m.startGame(ctx, pending, c)
}

// startGame pairs two live connections: p1 entered first.
func (m *Manager) startGame(ctx context.Context, p1, p2 *server.Conn) protocol.Map {
	slot, err := m.createGame(ctx)
	if err != nil {
		slog.Error("game creation failed", "error", err)
		m.restoreWaiting(p1)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	g := slot.g

	if err := g.seat(p1, p2); err != nil {
		// a game without two live authenticated slots is an internal
		// invariant failure: fatal to both connections, never to the process
		slog.Error("seating failed", "game", g.id, "error", err)
		p1.Close()
		p2.Close()
		return nil
	}

	m.mu.Lock()
	m.games[g.id] = slot
	m.mu.Unlock()

	uid1 := g.userIDs[0]
	uid2 := g.userIDs[1]

	found := protocol.Map{
		"game-nr":         g.id,
		"game-board":      g.wirePoints(),
		"game-pawn":       g.wirePawn(),
		"game-board-move": g.wireMoves(),
	}

	notif := protocol.Map{
		"notification":  "opponent-found",
		"opponent-id":   uid2,
		"player-number": int64(1),
	}
	for k, v := range found {
		notif[k] = v
	}
	if err := p1.Notify(protocol.ChannelGameFound, notif); err != nil {
		slog.Warn("opponent-found notify failed", "game", g.id, "error", err)
		m.settleDisconnect(ctx, p1)
	}

	resp := protocol.Map{
		"game-status":   "found",
		"opponent-id":   uid1,
		"player-number": int64(2),
	}
	for k, v := range found {
		resp[k] = v
	}
	slog.Info("game started", "game", g.id, "player1", uid1, "player2", uid2)
	return protocol.OK(resp)
}

func (m *Manager) createGame(ctx context.Context) (*gameSlot, error) {
	pawn, err := m.repo.RandomPawn(ctx)
	if err != nil {
		return nil, err
	}
	board, err := m.repo.RandomBoard(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	m.rngMu.Lock()
	g, err := newGame(id, *pawn, *board, m.rng)
	m.rngMu.Unlock()
	if err != nil {
		return nil, err
	}
	return &gameSlot{g: g}, nil
}

// restoreWaiting puts a seeker back into the slot after a failed
// pairing, unless somebody else took it meanwhile.
func (m *Manager) restoreWaiting(c *server.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting == nil {
		m.waiting = c
	}
}

func (m *Manager) handleQuitSearching(c *server.Conn) protocol.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting == nil || m.waiting.ID() != c.ID() {
		return protocol.Errorf("NOT_SEARCHING")
	}
	m.waiting = nil
	return protocol.OK(nil)
}

// --- moves -----------------------------------------------------------

func (m *Manager) lookupGame(id int64) (*gameSlot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.games[id]
	return slot, ok
}

func (m *Manager) removeGame(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.games, id)
}

// handleMakeMove responds through the connection itself: the mover's
// response and the opponent's push must both leave before the game
// lock is released, or a fast opponent could interleave.
func (m *Manager) handleMakeMove(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	gameNr, ok := protocol.GetInt(fields, "game-nr")
	if !ok {
		return protocol.Errorf("BAD_GAME_NR")
	}
	slot, ok := m.lookupGame(gameNr)
	if !ok {
		return protocol.Errorf("BAD_GAME_NR")
	}

	playerNr, ok := protocol.GetInt(fields, "player-nr")
	if !ok {
		return protocol.Errorf("BAD_GAME_PLAYER")
	}

	x, haveX := protocol.GetInt(fields, "x")
	y, haveY := protocol.GetInt(fields, "y")
	rotation, haveR := protocol.GetInt(fields, "rotation")
	haveCoords := haveX && haveY && haveR

	slot.mu.Lock()
	g := slot.g

	p := int(playerNr)
	if p < 1 || p > 2 || g.slotOf(c) != p {
		slot.mu.Unlock()
		return protocol.Errorf("BAD_GAME_PLAYER")
	}

	if code := g.applyMove(p, int(x), int(y), int(rotation), haveCoords); code != "" {
		slot.mu.Unlock()
		return protocol.Errorf(code)
	}

	moveBoard := g.wireMoves()
	points := g.wireScores()
	opponent := g.opponentOf(p)

	if !g.finished {
		notif := protocol.Map{
			"notification":    "your-new-turn",
			"game-nr":         g.id,
			"game_move_board": moveBoard,
			"player_points":   points,
		}
		if err := opponent.Notify(protocol.ChannelGameEvent, notif); err != nil {
			slog.Warn("turn notify failed", "game", g.id, "error", err)
		}
		resp := protocol.OK(protocol.Map{
			"game-status":     "opponents-turn",
			"game-nr":         g.id,
			"game_move_board": moveBoard,
			"player_points":   points,
		})
		if err := c.Respond(resp); err != nil {
			slog.Warn("move response failed", "game", g.id, "error", err)
		}
		slot.mu.Unlock()
		return nil
	}

	// no empty cell remains: the game is over
	winner := g.winner
	result := model.GameResult{
		Player1: g.userIDs[0],
		Player2: g.userIDs[1],
		Winner:  winner,
	}
	result.Points1, result.Points2 = g.scores()

	finished := protocol.Map{
		"notification":    "game-finished",
		"winner":          int64(winner),
		"detail":          "no-more-moves",
		"game-nr":         g.id,
		"game_move_board": moveBoard,
		"player_points":   points,
	}
	if err := opponent.Notify(protocol.ChannelGameEvent, finished); err != nil {
		slog.Warn("finish notify failed", "game", g.id, "error", err)
	}
	resp := protocol.OK(protocol.Map{
		"winner":          int64(winner),
		"detail":          "no-more-moves",
		"game-nr":         g.id,
		"game_move_board": moveBoard,
		"player_points":   points,
	})
	if err := c.Respond(resp); err != nil {
		slog.Warn("move response failed", "game", g.id, "error", err)
	}
	slot.mu.Unlock()

	m.removeGame(g.id)
	m.persistResult(ctx, result)
	slog.Info("game finished", "game", g.id, "winner", winner,
		"points1", result.Points1, "points2", result.Points2)
	return nil
}

// --- abandonment -----------------------------------------------------

func (m *Manager) handleAbandonGame(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	gameNr, ok := protocol.GetInt(fields, "game-nr")
	if !ok {
		return protocol.Errorf("BAD_GAME_NR")
	}
	slot, ok := m.lookupGame(gameNr)
	if !ok {
		return protocol.Errorf("BAD_GAME_NR")
	}
	playerNr, ok := protocol.GetInt(fields, "player-nr")
	if !ok {
		return protocol.Errorf("BAD_GAME_PLAYER")
	}

	slot.mu.Lock()
	g := slot.g
	p := int(playerNr)
	if p < 1 || p > 2 || g.slotOf(c) != p {
		slot.mu.Unlock()
		return protocol.Errorf("BAD_GAME_PLAYER")
	}

	result := m.abandon(g, p, "enemy-abandoned-game")
	slot.mu.Unlock()

	m.removeGame(g.id)
	m.persistResult(ctx, result)
	slog.Info("game abandoned", "game", g.id, "by", p)
	return protocol.OK(protocol.Map{
		"game-result": "defeated",
		"detail":      "game-abandoned",
	})
}

// abandon finishes a game in favor of the opponent of player p and
// notifies them on channel 15. The persisted result scores the
// abandoner at 0 and the opponent at 1, which the rating update turns
// into a flat -5/+5. Caller holds the game lock.
func (m *Manager) abandon(g *Game, p int, detail string) model.GameResult {
	g.finished = true
	g.winner = 3 - p

	notif := protocol.Map{
		"notification":    "game-finished",
		"winner":          int64(g.winner),
		"detail":          detail,
		"game-nr":         g.id,
		"game_move_board": g.wireMoves(),
		"player_points":   g.wireScores(),
	}
	if opp := g.opponentOf(p); opp != nil {
		if err := opp.Notify(protocol.ChannelGameEvent, notif); err != nil {
			slog.Warn("abandon notify failed", "game", g.id, "error", err)
		}
	}

	result := model.GameResult{
		Player1: g.userIDs[0],
		Player2: g.userIDs[1],
		Winner:  g.winner,
	}
	if p == 1 {
		result.Points1, result.Points2 = 0, 1
	} else {
		result.Points1, result.Points2 = 1, 0
	}
	return result
}

// --- invitations -----------------------------------------------------

func (m *Manager) handleInvitePlayer(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	from, fromName, ok := c.User()
	if !ok {
		return protocol.Errorf("INVALID_USER")
	}
	to, ok := protocol.GetInt(fields, "id")
	if !ok {
		return protocol.Errorf("NO_ID")
	}
	if to == from {
		return protocol.Errorf("INVALID_USER")
	}
	target, online := m.sessions.ConnByUser(to)
	if !online {
		return protocol.Errorf("USER_OFFLINE")
	}

	m.mu.Lock()
	m.invites[inviteKey{from: from, to: to}] = struct{}{}
	m.mu.Unlock()

	notif := protocol.Map{
		"notification": "game-invitation",
		"from-id":      from,
		"from-name":    fromName,
	}
	if err := target.Notify(protocol.ChannelInvitation, notif); err != nil {
		slog.Warn("invitation notify failed", "from", from, "to", to, "error", err)
		return protocol.Errorf("USER_OFFLINE")
	}
	return protocol.OK(nil)
}

func (m *Manager) handleRespondInvitation(ctx context.Context, c *server.Conn, fields protocol.Map) protocol.Map {
	to, _, ok := c.User()
	if !ok {
		return protocol.Errorf("INVALID_USER")
	}
	from, ok := protocol.GetInt(fields, "from-id")
	if !ok {
		return protocol.Errorf("NO_ID")
	}
	accept, _ := fields["accept"].(bool)

	m.mu.Lock()
	_, pending := m.invites[inviteKey{from: from, to: to}]
	delete(m.invites, inviteKey{from: from, to: to})
	m.mu.Unlock()
	if !pending {
		return protocol.Errorf("NO_INVITATION")
	}

	inviter, online := m.sessions.ConnByUser(from)
	if !online {
		return protocol.Errorf("USER_OFFLINE")
	}

	if !accept {
		notif := protocol.Map{
			"notification": "invitation-rejected",
			"user":         to,
		}
		if err := inviter.Notify(protocol.ChannelInvitation, notif); err != nil {
			slog.Warn("rejection notify failed", "from", from, "to", to, "error", err)
		}
		return protocol.OK(nil)
	}

	// the inviter takes the first seat, like the first seeker would
	return m.startGame(ctx, inviter, c)
}

// --- match history ---------------------------------------------------

func (m *Manager) handleMatchHistory(ctx context.Context, c *server.Conn, count func(context.Context, int64) (int, error)) protocol.Map {
	uid, _, ok := c.User()
	if !ok {
		return protocol.Errorf("INVALID_USER")
	}
	n, err := count(ctx, uid)
	if err != nil {
		slog.Error("match history count failed", "user", uid, "error", err)
		return protocol.Errorf("INTERNAL_ERROR")
	}
	return protocol.OK(protocol.Map{"count": int64(n)})
}

// --- ratings ---------------------------------------------------------

// persistResult stores the result and, for pointed games, moves each
// player's rating by (share - 0.5) * 10. The deltas are zero-sum.
func (m *Manager) persistResult(ctx context.Context, r model.GameResult) {
	if err := m.repo.InsertResult(ctx, r); err != nil {
		slog.Error("persisting result failed", "player1", r.Player1, "player2", r.Player2, "error", err)
	}

	total := r.Points1 + r.Points2
	if total == 0 {
		return
	}
	share := float64(r.Points1) / float64(total)
	delta := (share - 0.5) * 10

	m.adjustRating(ctx, r.Player1, delta)
	m.adjustRating(ctx, r.Player2, -delta)
}

func (m *Manager) adjustRating(ctx context.Context, userID int64, delta float64) {
	user, err := m.repo.FindUserByID(ctx, userID)
	if err != nil || user == nil {
		slog.Error("rating lookup failed", "user", userID, "error", err)
		return
	}
	if err := m.repo.UpdateUserRating(ctx, userID, user.Rating+delta); err != nil {
		slog.Error("rating update failed", "user", userID, "error", err)
	}
}

// --- disconnects and shutdown ---------------------------------------

// HandleDisconnect settles everything a dropped connection owned: the
// waiting slot, pending invitations, and every game it was seated in,
// which it forfeits. Runs before the auth hook removes the identity.
func (m *Manager) HandleDisconnect(ctx context.Context, c *server.Conn) {
	m.settleDisconnect(ctx, c)
}

func (m *Manager) settleDisconnect(ctx context.Context, c *server.Conn) {
	m.mu.Lock()
	if m.waiting != nil && m.waiting.ID() == c.ID() {
		m.waiting = nil
	}
	if uid, _, ok := c.User(); ok {
		for k := range m.invites {
			if k.from == uid || k.to == uid {
				delete(m.invites, k)
			}
		}
	}
	var owned []*gameSlot
	for _, slot := range m.games {
		owned = append(owned, slot)
	}
	m.mu.Unlock()

	for _, slot := range owned {
		slot.mu.Lock()
		g := slot.g
		p := g.slotOf(c)
		if p == 0 || g.finished {
			slot.mu.Unlock()
			continue
		}
		result := m.abandon(g, p, "enemy-abandoned-game")
		slot.mu.Unlock()

		m.removeGame(g.id)
		m.persistResult(ctx, result)
		slog.Info("game forfeited on disconnect", "game", g.id, "by", p)
	}
}

// Shutdown aborts every running game with a best-effort channel-15
// notification to both seats. Nothing is persisted for aborted games.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	slots := make([]*gameSlot, 0, len(m.games))
	for _, slot := range m.games {
		slots = append(slots, slot)
	}
	m.games = make(map[int64]*gameSlot)
	m.waiting = nil
	m.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		g := slot.g
		g.finished = true
		notif := protocol.Map{
			"notification":    "game-finished",
			"winner":          int64(model.WinnerDraw),
			"detail":          "server-shutdown",
			"game-nr":         g.id,
			"game_move_board": g.wireMoves(),
			"player_points":   g.wireScores(),
		}
		for _, conn := range g.conns {
			if conn == nil {
				continue
			}
			if err := conn.Notify(protocol.ChannelGameEvent, notif); err != nil {
				slog.Debug("shutdown notify failed", "game", g.id, "error", err)
			}
		}
		slot.mu.Unlock()
	}
}
