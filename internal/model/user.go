package model

import (
	"time"

	"github.com/google/uuid"
)

// User is an account in the remote store. Guest mode has no User; the
// authentication collaborator only converts an API key into a bearer token
// for one of these.
type User struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}
