package game

import (
	"fmt"
	"math/rand/v2"

	"github.com/dvdyellow/server/internal/model"
)

// Move-board cell codes.
const (
	CellMissing = -3 // no such cell on the board, or unreachable from the start
	CellEmpty   = 0  // empty and still reachable by some rotated placement
	// positive values 1 and 2 mark cells covered by that player's
	// moves; -1 and -2 mark dead cells counted for that player
)

// Grid is a column-major cell matrix: Grid[x][y], x in [0,width).
type Grid [][]int

// NewGrid allocates a width×height grid of zeroes.
func NewGrid(width, height int) Grid {
	g := make(Grid, width)
	for x := range g {
		g[x] = make([]int, height)
	}
	return g
}

// Width returns the number of columns.
func (g Grid) Width() int { return len(g) }

// Height returns the number of rows.
func (g Grid) Height() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0])
}

// Clone returns a deep copy.
func (g Grid) Clone() Grid {
	c := make(Grid, len(g))
	for x := range g {
		c[x] = append([]int(nil), g[x]...)
	}
	return c
}

// Cells exposes the raw matrix for wire encoding.
func (g Grid) Cells() [][]int { return g }

// parseShape converts a row-major '0'/'1' bitstring into a grid with
// ones on filled cells.
func parseShape(width, height int, shape string) (Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid shape dimensions %dx%d", width, height)
	}
	if len(shape) != width*height {
		return nil, fmt.Errorf("shape length %d does not match %dx%d", len(shape), width, height)
	}
	g := NewGrid(width, height)
	for y := range height {
		for x := range width {
			switch shape[y*width+x] {
			case '1':
				g[x][y] = 1
			case '0':
			default:
				return nil, fmt.Errorf("shape character %q at %d", shape[y*width+x], y*width+x)
			}
		}
	}
	return g, nil
}

// PawnGrid materializes a pawn into its natural orientation.
func PawnGrid(p model.Pawn) (Grid, error) {
	g, err := parseShape(p.Width, p.Height, p.Shape)
	if err != nil {
		return nil, fmt.Errorf("pawn %q: %w", p.Name, err)
	}
	return g, nil
}

// BoardGrid materializes a board shape: 1 on playable cells.
func BoardGrid(b model.Board) (Grid, error) {
	g, err := parseShape(b.Width, b.Height, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("board %q: %w", b.Name, err)
	}
	return g, nil
}

// Rotate returns the grid turned 90 degrees clockwise.
func (g Grid) Rotate() Grid {
	w, h := g.Width(), g.Height()
	r := NewGrid(h, w)
	for x := range w {
		for y := range h {
			r[h-1-y][x] = g[x][y]
		}
	}
	return r
}

// rotations returns the four 90-degree rotations of a pawn, starting
// with the natural orientation.
func rotations(pawn Grid) [4]Grid {
	var rs [4]Grid
	rs[0] = pawn
	for i := 1; i < 4; i++ {
		rs[i] = rs[i-1].Rotate()
	}
	return rs
}

// canPlace reports whether every filled cell of pawn, placed with its
// top-left corner at (x, y), lands in bounds on an empty cell.
func canPlace(move, pawn Grid, x, y int) bool {
	if x < 0 || y < 0 || x+pawn.Width() > move.Width() || y+pawn.Height() > move.Height() {
		return false
	}
	for px := range pawn.Width() {
		for py := range pawn.Height() {
			if pawn[px][py] == 1 && move[x+px][y+py] != CellEmpty {
				return false
			}
		}
	}
	return true
}

// stamp writes value onto every filled cell of pawn placed at (x, y).
func stamp(move, pawn Grid, x, y, value int) {
	for px := range pawn.Width() {
		for py := range pawn.Height() {
			if pawn[px][py] == 1 {
				move[x+px][y+py] = value
			}
		}
	}
}

// reachable marks every cell coverable by some rotated legal
// placement of pawn on the current move-board.
func reachable(move, pawn Grid) [][]bool {
	cover := make([][]bool, move.Width())
	for x := range cover {
		cover[x] = make([]bool, move.Height())
	}
	for _, r := range rotations(pawn) {
		for x := 0; x <= move.Width()-r.Width(); x++ {
			for y := 0; y <= move.Height()-r.Height(); y++ {
				if !canPlace(move, r, x, y) {
					continue
				}
				for px := range r.Width() {
					for py := range r.Height() {
						if r[px][py] == 1 {
							cover[x+px][y+py] = true
						}
					}
				}
			}
		}
	}
	return cover
}

// prune rewrites every still-empty cell that no rotated placement can
// cover to dead, as the given code. Used with CellMissing during
// initialization and with -player after each accepted move.
func prune(move, pawn Grid, dead int) {
	cover := reachable(move, pawn)
	for x := range move.Width() {
		for y := range move.Height() {
			if move[x][y] == CellEmpty && !cover[x][y] {
				move[x][y] = dead
			}
		}
	}
}

// initBoards builds the initial move-board and point-board for a
// pawn/board pair. Cells a pawn can never reach are cut from play
// before point values in 1..9 are rolled for the rest.
func initBoards(board, pawn Grid, rng *rand.Rand) (moveBoard, pointBoard Grid) {
	moveBoard = NewGrid(board.Width(), board.Height())
	for x := range board.Width() {
		for y := range board.Height() {
			if board[x][y] == 1 {
				moveBoard[x][y] = CellEmpty
			} else {
				moveBoard[x][y] = CellMissing
			}
		}
	}

	prune(moveBoard, pawn, CellMissing)

	pointBoard = NewGrid(board.Width(), board.Height())
	for x := range board.Width() {
		for y := range board.Height() {
			if moveBoard[x][y] == CellEmpty {
				pointBoard[x][y] = 1 + rng.IntN(9)
			}
		}
	}
	return moveBoard, pointBoard
}

// scores sums point-board values over each player's covered and
// dead-awarded cells.
func scores(move, points Grid) (s1, s2 int) {
	for x := range move.Width() {
		for y := range move.Height() {
			switch move[x][y] {
			case 1, -1:
				s1 += points[x][y]
			case 2, -2:
				s2 += points[x][y]
			}
		}
	}
	return s1, s2
}

// hasEmpty reports whether any cell is still in play.
func hasEmpty(move Grid) bool {
	for x := range move.Width() {
		for y := range move.Height() {
			if move[x][y] == CellEmpty {
				return true
			}
		}
	}
	return false
}
