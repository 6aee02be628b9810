package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dvdyellow/server/internal/model"
)

// FindUserByName returns the user with the given name, or nil, nil if
// no such user exists. Names are case-sensitive.
func (s *Store) FindUserByName(ctx context.Context, name string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, password, rating FROM users WHERE name = ?`), name,
	).Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Rating)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %q: %w", name, err)
	}
	return &u, nil
}

// FindUserByID returns the user with the given id, or nil, nil.
func (s *Store) FindUserByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, password, rating FROM users WHERE id = ?`), id,
	).Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Rating)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %d: %w", id, err)
	}
	return &u, nil
}

// InsertUser creates a user and returns the assigned id.
func (s *Store) InsertUser(ctx context.Context, name, passwordHash string) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		err := s.db.QueryRowContext(ctx,
			s.rebind(`INSERT INTO users (name, password, rating) VALUES (?, ?, 0) RETURNING id`),
			name, passwordHash,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("inserting user %q: %w", name, err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, password, rating) VALUES (?, ?, 0)`, name, passwordHash)
	if err != nil {
		return 0, fmt.Errorf("inserting user %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting user %q: %w", name, err)
	}
	return id, nil
}

// UpdateUserRating sets the user's rating.
func (s *Store) UpdateUserRating(ctx context.Context, id int64, rating float64) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE users SET rating = ? WHERE id = ?`), rating, id)
	if err != nil {
		return fmt.Errorf("updating rating of user %d: %w", id, err)
	}
	return nil
}

// ListUsersByRating returns all users ordered by rating descending.
func (s *Store) ListUsersByRating(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, password, rating FROM users ORDER BY rating DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Rating); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// CountUsersWithRatingAbove counts users with a strictly greater rating.
func (s *Store) CountUsersWithRatingAbove(ctx context.Context, rating float64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM users WHERE rating > ?`), rating,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting users above rating %g: %w", rating, err)
	}
	return n, nil
}

// ListPawns returns every stored pawn.
func (s *Store) ListPawns(ctx context.Context) ([]model.Pawn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, width, height, shape FROM pawns ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pawns: %w", err)
	}
	defer rows.Close()

	var pawns []model.Pawn
	for rows.Next() {
		var p model.Pawn
		if err := rows.Scan(&p.ID, &p.Name, &p.Width, &p.Height, &p.Shape); err != nil {
			return nil, fmt.Errorf("scanning pawn: %w", err)
		}
		pawns = append(pawns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pawns: %w", err)
	}
	return pawns, nil
}

// ListBoards returns every stored board.
func (s *Store) ListBoards(ctx context.Context) ([]model.Board, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, width, height, shape FROM boards ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing boards: %w", err)
	}
	defer rows.Close()

	var boards []model.Board
	for rows.Next() {
		var b model.Board
		if err := rows.Scan(&b.ID, &b.Name, &b.Width, &b.Height, &b.Shape); err != nil {
			return nil, fmt.Errorf("scanning board: %w", err)
		}
		boards = append(boards, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing boards: %w", err)
	}
	return boards, nil
}

// RandomPawn picks one pawn uniformly at random.
func (s *Store) RandomPawn(ctx context.Context) (*model.Pawn, error) {
	var p model.Pawn
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, width, height, shape FROM pawns ORDER BY RANDOM() LIMIT 1`,
	).Scan(&p.ID, &p.Name, &p.Width, &p.Height, &p.Shape)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no pawns in store")
	}
	if err != nil {
		return nil, fmt.Errorf("picking random pawn: %w", err)
	}
	return &p, nil
}

// RandomBoard picks one board uniformly at random.
func (s *Store) RandomBoard(ctx context.Context) (*model.Board, error) {
	var b model.Board
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, width, height, shape FROM boards ORDER BY RANDOM() LIMIT 1`,
	).Scan(&b.ID, &b.Name, &b.Width, &b.Height, &b.Shape)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no boards in store")
	}
	if err != nil {
		return nil, fmt.Errorf("picking random board: %w", err)
	}
	return &b, nil
}

// InsertResult stores a finished game.
func (s *Store) InsertResult(ctx context.Context, r model.GameResult) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO results (player1, player2, points1, points2, winner)
		 VALUES (?, ?, ?, ?, ?)`),
		r.Player1, r.Player2, r.Points1, r.Points2, r.Winner)
	if err != nil {
		return fmt.Errorf("inserting result %d vs %d: %w", r.Player1, r.Player2, err)
	}
	return nil
}

// CountResultsWon counts finished games the user won.
func (s *Store) CountResultsWon(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM results
		 WHERE (player1 = ? AND winner = 1) OR (player2 = ? AND winner = 2)`),
		userID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting wins of user %d: %w", userID, err)
	}
	return n, nil
}

// CountResultsLost counts finished games the user lost.
func (s *Store) CountResultsLost(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM results
		 WHERE (player1 = ? AND winner = 2) OR (player2 = ? AND winner = 1)`),
		userID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting losses of user %d: %w", userID, err)
	}
	return n, nil
}

// InsertPawn stores a pawn definition.
func (s *Store) InsertPawn(ctx context.Context, p model.Pawn) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO pawns (name, width, height, shape) VALUES (?, ?, ?, ?)`),
		p.Name, p.Width, p.Height, p.Shape)
	if err != nil {
		return fmt.Errorf("inserting pawn %q: %w", p.Name, err)
	}
	return nil
}

// InsertBoard stores a board definition.
func (s *Store) InsertBoard(ctx context.Context, b model.Board) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO boards (name, width, height, shape) VALUES (?, ?, ?, ?)`),
		b.Name, b.Width, b.Height, b.Shape)
	if err != nil {
		return fmt.Errorf("inserting board %q: %w", b.Name, err)
	}
	return nil
}
