package game

import (
	"fmt"
	"math/rand/v2"

	"github.com/dvdyellow/server/internal/model"
	"github.com/dvdyellow/server/internal/protocol"
	"github.com/dvdyellow/server/internal/server"
)

// Game is one running match. Slots are indexed by player number - 1;
// player 1 is the side that entered the waiting slot first. Access is
// serialized by the manager's per-game lock.
type Game struct {
	id      int64
	conns   [2]*server.Conn
	userIDs [2]int64

	pawn       Grid
	pointBoard Grid
	moveBoard  Grid

	current  int // 1 or 2
	finished bool
	winner   int
}

// newGame materializes a pawn/board pair into an initial game state.
func newGame(id int64, p model.Pawn, b model.Board, rng *rand.Rand) (*Game, error) {
	pawn, err := PawnGrid(p)
	if err != nil {
		return nil, err
	}
	board, err := BoardGrid(b)
	if err != nil {
		return nil, err
	}
	moveBoard, pointBoard := initBoards(board, pawn, rng)
	if !hasEmpty(moveBoard) {
		return nil, fmt.Errorf("pawn %q cannot be placed anywhere on board %q", p.Name, b.Name)
	}
	return &Game{
		id:         id,
		pawn:       pawn,
		pointBoard: pointBoard,
		moveBoard:  moveBoard,
		current:    1,
	}, nil
}

// seat assigns the two sides. The first argument is player 1.
func (g *Game) seat(p1, p2 *server.Conn) error {
	uid1, _, ok1 := p1.User()
	uid2, _, ok2 := p2.User()
	if !ok1 || !ok2 {
		return fmt.Errorf("seating game %d: unauthenticated slot", g.id)
	}
	g.conns = [2]*server.Conn{p1, p2}
	g.userIDs = [2]int64{uid1, uid2}
	return nil
}

// slotOf returns the 1-based player number of the connection, or 0.
func (g *Game) slotOf(c *server.Conn) int {
	for i, sc := range g.conns {
		if sc != nil && sc.ID() == c.ID() {
			return i + 1
		}
	}
	return 0
}

// opponentOf returns the connection seated opposite player p.
func (g *Game) opponentOf(p int) *server.Conn {
	return g.conns[2-p]
}

// moveErr codes returned by applyMove, in validation order.
const (
	moveErrWrongTurn = "WRONG_TURN"
	moveErrNoMove    = "NO_MOVE"
	moveErrWrong     = "WRONG_MOVE"
)

// applyMove validates and applies one placement for player p. On
// success the cells are stamped, unreachable cells are awarded to the
// mover, the turn flips and the finished flag is refreshed. Returns
// the error code token, or "" on acceptance.
func (g *Game) applyMove(p int, x, y, rotation int, haveCoords bool) string {
	if g.finished {
		return moveErrWrong
	}
	if p != g.current {
		return moveErrWrongTurn
	}
	if !haveCoords {
		return moveErrNoMove
	}
	if rotation < 0 || rotation > 3 {
		return moveErrNoMove
	}

	r := g.pawn
	for range rotation {
		r = r.Rotate()
	}
	if !canPlace(g.moveBoard, r, x, y) {
		return moveErrWrong
	}

	stamp(g.moveBoard, r, x, y, p)
	prune(g.moveBoard, g.pawn, -p)
	g.current = 3 - g.current

	if !hasEmpty(g.moveBoard) {
		g.finished = true
		s1, s2 := scores(g.moveBoard, g.pointBoard)
		switch {
		case s1 > s2:
			g.winner = model.WinnerPlayer1
		case s2 > s1:
			g.winner = model.WinnerPlayer2
		default:
			g.winner = model.WinnerDraw
		}
	}
	return ""
}

// scores returns the current point totals.
func (g *Game) scores() (int, int) {
	return scores(g.moveBoard, g.pointBoard)
}

// wirePawn encodes the pawn matrix for the wire.
func (g *Game) wirePawn() protocol.Map {
	return protocol.EncodeMatrix(g.pawn.Cells())
}

// wirePoints encodes the point-board for the wire.
func (g *Game) wirePoints() protocol.Map {
	return protocol.EncodeMatrix(g.pointBoard.Cells())
}

// wireMoves encodes a snapshot of the move-board for the wire.
func (g *Game) wireMoves() protocol.Map {
	return protocol.EncodeMatrix(g.moveBoard.Clone().Cells())
}

// wireScores encodes [points1, points2].
func (g *Game) wireScores() []protocol.Value {
	s1, s2 := g.scores()
	return []protocol.Value{int64(s1), int64(s2)}
}
