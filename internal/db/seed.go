package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dvdyellow/server/internal/model"
)

// defaultPawns and defaultBoards are inserted on first start so
// matchmaking always has content to draw from. Shapes are row-major
// bitstrings of width*height characters.
var defaultPawns = []model.Pawn{
	{Name: "domino", Width: 2, Height: 1, Shape: "11"},
	{Name: "tromino-l", Width: 2, Height: 2, Shape: "1110"},
	{Name: "tetromino-s", Width: 3, Height: 2, Shape: "011110"},
	{Name: "tetromino-t", Width: 3, Height: 2, Shape: "111010"},
}

var defaultBoards = []model.Board{
	{Name: "square-8", Width: 8, Height: 8, Shape: repeatShape(64)},
	{Name: "square-10", Width: 10, Height: 10, Shape: repeatShape(100)},
	{
		Name: "cross-9", Width: 9, Height: 9,
		Shape: "000111000" + "000111000" + "000111000" +
			"111111111" + "111111111" + "111111111" +
			"000111000" + "000111000" + "000111000",
	},
}

func repeatShape(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '1'
	}
	return string(b)
}

// SeedDefaultContent inserts the built-in pawns and boards when the
// respective tables are empty.
func (s *Store) SeedDefaultContent(ctx context.Context) error {
	pawns, err := s.ListPawns(ctx)
	if err != nil {
		return fmt.Errorf("seeding pawns: %w", err)
	}
	if len(pawns) == 0 {
		for _, p := range defaultPawns {
			if err := s.InsertPawn(ctx, p); err != nil {
				return fmt.Errorf("seeding pawns: %w", err)
			}
		}
		slog.Info("seeded default pawns", "count", len(defaultPawns))
	}

	boards, err := s.ListBoards(ctx)
	if err != nil {
		return fmt.Errorf("seeding boards: %w", err)
	}
	if len(boards) == 0 {
		for _, b := range defaultBoards {
			if err := s.InsertBoard(ctx, b); err != nil {
				return fmt.Errorf("seeding boards: %w", err)
			}
		}
		slog.Info("seeded default boards", "count", len(defaultBoards))
	}

	return nil
}
