package identity

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/auth"
)

// User is an account that owns patients and cases.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	FirstName    *string   `db:"first_name" json:"first_name,omitempty"`
	LastName     *string   `db:"last_name" json:"last_name,omitempty"`
	Title        *string   `db:"title" json:"title,omitempty"`
	Department   *string   `db:"department" json:"department,omitempty"`
	IsAdmin      bool      `db:"is_admin" json:"is_admin"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayName is "Title First Last" when a profile is set, else the username.
func (u *User) DisplayName() string {
	var parts []string
	for _, p := range []*string{u.Title, u.FirstName, u.LastName} {
		if p != nil && *p != "" {
			parts = append(parts, *p)
		}
	}
	if len(parts) == 0 {
		return u.Username
	}
	return strings.Join(parts, " ")
}

// RegisterInput is the registration form.
type RegisterInput struct {
	Username        string `json:"username" form:"username"`
	Email           string `json:"email" form:"email"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirm_password" form:"confirm_password"`
	FirstName       string `json:"first_name" form:"first_name"`
	LastName        string `json:"last_name" form:"last_name"`
	Title           string `json:"title" form:"title"`
	Department      string `json:"department" form:"department"`
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func (in *RegisterInput) normalize() {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Title = strings.TrimSpace(in.Title)
	in.Department = strings.TrimSpace(in.Department)
}

// Validate checks field bounds. Call after normalize.
func (in *RegisterInput) Validate() error {
	if n := utf8.RuneCountInString(in.Username); n < 3 || n > 80 {
		return apperr.Validation("username", "must be between 3 and 80 characters")
	}
	if !usernamePattern.MatchString(in.Username) {
		return apperr.Validation("username", "may contain only letters, digits, '.', '_' and '-'")
	}
	if in.Email == "" || len(in.Email) > 120 {
		return apperr.Validation("email", "must be between 1 and 120 characters")
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return apperr.Validation("email", "is not a valid address")
	}
	if utf8.RuneCountInString(in.Password) < auth.MinPasswordLength {
		return apperr.Validation("password", "must be at least %d characters", auth.MinPasswordLength)
	}
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		return apperr.Validation("confirm_password", "passwords do not match")
	}
	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"first_name", in.FirstName, 50},
		{"last_name", in.LastName, 50},
		{"title", in.Title, 50},
		{"department", in.Department, 100},
	} {
		if utf8.RuneCountInString(f.value) > f.max {
			return apperr.Validation(f.name, "must be at most %d characters", f.max)
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
