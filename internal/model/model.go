// Package model holds the persisted entities of the dvdyellow server.
package model

// User is a registered player account.
type User struct {
	ID           int64
	Name         string
	PasswordHash string
	Rating       float64
}

// Pawn is the polyomino placed by moves. Shape is a row-major
// bitstring of Width*Height characters; '1' marks a filled cell.
type Pawn struct {
	ID     int64
	Name   string
	Width  int
	Height int
	Shape  string
}

// Board is the playing field. Shape is a row-major bitstring of
// Width*Height characters; '1' marks a playable cell.
type Board struct {
	ID     int64
	Name   string
	Width  int
	Height int
	Shape  string
}

// Winner values persisted with a GameResult.
const (
	WinnerDraw    = 0
	WinnerPlayer1 = 1
	WinnerPlayer2 = 2
)

// GameResult records one finished game.
type GameResult struct {
	ID      int64
	Player1 int64
	Player2 int64
	Points1 int
	Points2 int
	Winner  int
}
