package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagnoseai/diagnoseai/internal/platform/apperr"
	"github.com/diagnoseai/diagnoseai/internal/platform/db"
)

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const userCols = `id, username, email, password_hash, first_name, last_name, title, department,
	is_admin, created_at, updated_at`

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, first_name, last_name, title, department, is_admin)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Title, u.Department, u.IsAdmin,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	switch {
	case db.IsUniqueViolation(err, "users_username_key"):
		return apperr.Validation("username", "is already taken")
	case db.IsUniqueViolation(err, "users_email_key"):
		return apperr.Validation("email", "is already registered")
	case err != nil:
		return fmt.Errorf("user create: %w", err)
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getOne(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
}

func (r *userRepoPG) GetByLogin(ctx context.Context, login string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userCols+` FROM users WHERE username = $1 OR email = $2 LIMIT 1`,
		login, strings.ToLower(login))
}

func (r *userRepoPG) getOne(ctx context.Context, query string, args ...any) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("user get: %w", err)
	}
	return u, nil
}

func (r *userRepoPG) UsernameTaken(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username)
}

func (r *userRepoPG) EmailTaken(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email)
}

func (r *userRepoPG) exists(ctx context.Context, query string, arg any) (bool, error) {
	var ok bool
	if err := r.conn(ctx).QueryRow(ctx, query, arg).Scan(&ok); err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return ok, nil
}

// Delete removes the account. Patients, cases and reports go with it through
// ON DELETE CASCADE.
func (r *userRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("user delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

func (r *userRepoPG) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("user count: %w", err)
	}
	return n, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Title, &u.Department,
		&u.IsAdmin, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
