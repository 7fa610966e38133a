package identity

import (
	"context"

	"github.com/google/uuid"
)

// UserRepository persists accounts. Lookups that match nothing return an
// apperr.NotFoundError.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	// GetByLogin matches either the username or the email address.
	GetByLogin(ctx context.Context, login string) (*User, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Count(ctx context.Context) (int, error)
}
