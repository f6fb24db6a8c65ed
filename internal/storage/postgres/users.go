package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

// CreateUser inserts a new user account. Only the remote store has users;
// this is not part of the Backend interface.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, user_id, api_key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.UserID, u.APIKeyHash, u.CreatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("postgres: create user: %w", err)
	}
	return u, nil
}

// GetUserByUserID retrieves a user by external user_id for token issuance.
func (db *DB) GetUserByUserID(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, api_key_hash, created_at FROM users WHERE user_id = $1`, userID,
	).Scan(&u.ID, &u.UserID, &u.APIKeyHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("postgres: user %s: %w", userID, storage.ErrNotFound)
		}
		return model.User{}, fmt.Errorf("postgres: get user: %w", err)
	}
	return u, nil
}
