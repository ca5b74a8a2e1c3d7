package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Djerareou/afrisense-backend/internal/models"
)

// UserDirectory resolves provider customer identities (email/phone from a
// webhook payload) to local users. The reconciliation engine depends on this
// interface; the SQL implementation reads the users table.
type UserDirectory interface {
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*models.User, error)
}

type SQLUserDirectory struct {
	db *sql.DB
}

func NewSQLUserDirectory(db *sql.DB) *SQLUserDirectory {
	return &SQLUserDirectory{db: db}
}

func (d *SQLUserDirectory) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return d.findUser(ctx, "id", id)
}

func (d *SQLUserDirectory) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return d.findUser(ctx, "email", email)
}

func (d *SQLUserDirectory) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return d.findUser(ctx, "phone", phone)
}

func (d *SQLUserDirectory) findUser(ctx context.Context, column, value string) (*models.User, error) {
	var u models.User
	var phone sql.NullString
	err := d.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, full_name, email, phone, role, created_at, updated_at
		FROM users
		WHERE %s = $1`, column), value).
		Scan(&u.ID, &u.FullName, &u.Email, &phone, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by %s: %w", column, err)
	}
	u.Phone = phone.String
	return &u, nil
}
