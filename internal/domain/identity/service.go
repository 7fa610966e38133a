package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/auth"
)

// OwnerFiles removes everything stored on behalf of one account.
type OwnerFiles interface {
	RemoveOwner(ownerID string) error
}

var errBadCredentials = apperr.Validation("", "invalid username or password")

// dummyHash keeps Authenticate's cost the same whether or not the login exists.
var dummyHash = sync.OnceValue(func() string {
	h, _ := auth.HashPassword("not-a-real-password")
	return h
})

type Service struct {
	users  UserRepository
	files  OwnerFiles
	logger zerolog.Logger
}

func NewService(users UserRepository, files OwnerFiles, logger zerolog.Logger) *Service {
	return &Service{users: users, files: files, logger: logger.With().Str("component", "identity").Logger()}
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	return s.register(ctx, in, false)
}

func (s *Service) register(ctx context.Context, in RegisterInput, admin bool) (*User, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	taken, err := s.users.UsernameTaken(ctx, in.Username)
	if err != nil {
		return nil, apperr.Persistence("register", err)
	}
	if taken {
		return nil, apperr.Validation("username", "is already taken")
	}
	taken, err = s.users.EmailTaken(ctx, in.Email)
	if err != nil {
		return nil, apperr.Persistence("register", err)
	}
	if taken {
		return nil, apperr.Validation("email", "is already registered")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Persistence("register", err)
	}
	u := &User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    optional(in.FirstName),
		LastName:     optional(in.LastName),
		Title:        optional(in.Title),
		Department:   optional(in.Department),
		IsAdmin:      admin,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if apperr.IsValidation(err) {
			return nil, err
		}
		return nil, apperr.Persistence("register", err)
	}
	s.logger.Info().Str("user_id", u.ID.String()).Bool("admin", admin).Msg("user registered")
	return u, nil
}

// Authenticate resolves login (username or email) and checks the password.
// Unknown logins and wrong passwords fail with the same message.
func (s *Service) Authenticate(ctx context.Context, login, password string) (*User, error) {
	u, err := s.users.GetByLogin(ctx, login)
	if err != nil {
		if !apperr.IsNotFound(err) {
			return nil, apperr.Persistence("login", err)
		}
		_ = auth.CheckPassword(dummyHash(), password)
		return nil, errBadCredentials
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return nil, errBadCredentials
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, err
		}
		return nil, apperr.Persistence("get user", err)
	}
	return u, nil
}

// Delete removes the account after re-checking its password. Owned patients,
// cases and reports cascade in the database; stored images are removed
// afterwards and a failure there is only logged.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, password string) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return apperr.Validation("password", "is incorrect")
		}
		return apperr.Persistence("delete user", err)
	}
	if err := s.users.Delete(ctx, id); err != nil {
		if apperr.IsNotFound(err) {
			return err
		}
		return apperr.Persistence("delete user", err)
	}
	if err := s.files.RemoveOwner(id.String()); err != nil {
		s.logger.Warn().Err(err).Str("user_id", id.String()).Str("operation", "delete_user").
			Msg("could not remove uploaded images")
	}
	s.logger.Info().Str("user_id", id.String()).Msg("user deleted")
	return nil
}

// CreateAdminIfNone creates an administrator when the users table is empty.
// It reports whether an account was created.
func (s *Service) CreateAdminIfNone(ctx context.Context, username, email, password string) (*User, bool, error) {
	n, err := s.users.Count(ctx)
	if err != nil {
		return nil, false, apperr.Persistence("count users", err)
	}
	if n > 0 {
		return nil, false, nil
	}
	u, err := s.register(ctx, RegisterInput{
		Username:  username,
		Email:     email,
		Password:  password,
		FirstName: "System",
		LastName:  "Administrator",
	}, true)
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}
