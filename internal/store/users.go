package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soyeahso/seekchat/internal/domain"
)

// UserStore manages user rows and their admin flag.
type UserStore struct {
	db *DB
}

// NewUserStore creates a user store using the given database.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

type userRow struct {
	ID        string `db:"id"`
	Email     string `db:"email"`
	Name      string `db:"name"`
	IsAdmin   bool   `db:"is_admin"`
	CreatedAt string `db:"created_at"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID:        r.ID,
		Email:     r.Email,
		Name:      r.Name,
		IsAdmin:   r.IsAdmin,
		CreatedAt: parseTime(r.CreatedAt),
	}
}

// Ensure inserts the user if absent. Existing rows keep their admin flag;
// non-empty email and name values are refreshed.
func (s *UserStore) Ensure(ctx context.Context, id domain.Identity) error {
	_, err := s.db.sql.ExecContext(ctx, s.db.sql.Rebind(`
		INSERT INTO users (id, email, name, is_admin, created_at)
		VALUES (?, ?, ?, FALSE, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE users.email END,
			name  = CASE WHEN excluded.name  <> '' THEN excluded.name  ELSE users.name  END`),
		id.UserID, id.Email, id.Name, s.db.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("ensuring user %s: %w", id.UserID, err)
	}
	return nil
}

// Get returns a user by id.
func (s *UserStore) Get(ctx context.Context, userID string) (*domain.User, error) {
	var row userRow
	err := s.db.sql.GetContext(ctx, &row, s.db.sql.Rebind(
		`SELECT id, email, name, is_admin, created_at FROM users WHERE id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", userID, err)
	}
	u := row.toDomain()
	return &u, nil
}

// IsAdmin reports whether the user has the admin flag. Unknown users are
// not admins.
func (s *UserStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var admin bool
	err := s.db.sql.GetContext(ctx, &admin, s.db.sql.Rebind(
		`SELECT is_admin FROM users WHERE id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking admin for %s: %w", userID, err)
	}
	return admin, nil
}

// SetAdmin sets the admin flag, creating the user row if needed.
func (s *UserStore) SetAdmin(ctx context.Context, userID string, admin bool) error {
	_, err := s.db.sql.ExecContext(ctx, s.db.sql.Rebind(`
		INSERT INTO users (id, is_admin, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET is_admin = excluded.is_admin`),
		userID, admin, s.db.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("setting admin for %s: %w", userID, err)
	}
	s.db.log.Info().Str("user", userID).Bool("admin", admin).Msg("admin flag updated")
	return nil
}
