package survey

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Profile is the display identity stored for a registered user.
type Profile struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	School string `json:"school"`
}

// Store reads user profiles and smartphone-usage survey results. Rooms and
// game state never touch the database; this is the only persistent read path.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Profile loads the user's display identity.
func (s *Store) Profile(ctx context.Context, userID int64) (Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, school FROM users WHERE id = $1`,
		userID,
	).Scan(&p.UserID, &p.Name, &p.School)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, fmt.Errorf("user not found: %d", userID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	return p, nil
}

// LatestScore returns the user's most recent survey score. A user with no
// submitted survey scores zero; that is a valid tie-break value, not an error.
func (s *Store) LatestScore(ctx context.Context, userID int64) (int, error) {
	var score int
	err := s.pool.QueryRow(ctx,
		`SELECT score FROM survey_results WHERE user_id = $1 ORDER BY submitted_at DESC LIMIT 1`,
		userID,
	).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load survey score for user %d: %w", userID, err)
	}
	return score, nil
}

// SaveResult records a survey submission.
func (s *Store) SaveResult(ctx context.Context, userID int64, score int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO survey_results (user_id, score, submitted_at) VALUES ($1, $2, now())`,
		userID, score,
	)
	if err != nil {
		return fmt.Errorf("failed to save survey result for user %d: %w", userID, err)
	}
	return nil
}
