// Package services contains the business logic layer over the database client.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/models"
)

// UserService manages user accounts and credential verification.
type UserService struct {
	client *database.Client
}

// NewUserService creates a new UserService.
func NewUserService(client *database.Client) *UserService {
	return &UserService{client: client}
}

// Create adds a user with a bcrypt-hashed password.
func (s *UserService) Create(httpCtx context.Context, username, password, email, role string) (*models.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, NewValidationError("username", "required")
	}
	if password == "" {
		return nil, NewValidationError("password", "required")
	}
	if role == "" {
		role = models.UserRoleUser
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var emailArg any
	if email != "" {
		emailArg = email
	}

	var id int64
	err = s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`INSERT INTO users (username, password_hash, email, role) VALUES (?, ?, ?, ?) RETURNING id`),
		username, string(hash), emailArg, role,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &models.User{ID: id, Username: username, Email: email, Role: role}, nil
}

// Verify checks a username/password pair and returns the user on success.
func (s *UserService) Verify(httpCtx context.Context, username, password string) (*models.User, error) {
	user, err := s.GetByUsername(httpCtx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetByUsername returns the user with the given username.
func (s *UserService) GetByUsername(httpCtx context.Context, username string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	row := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT id, username, password_hash, COALESCE(email, ''), role, COALESCE(preferred_model, '') FROM users WHERE username = ?`),
		username)
	return scanUser(row)
}

// Get returns the user with the given id.
func (s *UserService) Get(httpCtx context.Context, id int64) (*models.User, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	row := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT id, username, password_hash, COALESCE(email, ''), role, COALESCE(preferred_model, '') FROM users WHERE id = ?`),
		id)
	return scanUser(row)
}

// List returns all users ordered by id.
func (s *UserService) List(httpCtx context.Context) ([]*models.User, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT id, username, password_hash, COALESCE(email, ''), role, COALESCE(preferred_model, '') FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.Role, &u.PreferredModel); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetPassword replaces the user's password hash.
func (s *UserService) SetPassword(httpCtx context.Context, id int64, password string) error {
	if password == "" {
		return NewValidationError("password", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx,
		s.client.Rebind(`UPDATE users SET password_hash = ? WHERE id = ?`), string(hash), id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// SetPreferredModel records the user's preferred model id ("" clears it).
func (s *UserService) SetPreferredModel(httpCtx context.Context, id int64, modelID string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var arg any
	if modelID != "" {
		arg = modelID
	}
	_, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind(`UPDATE users SET preferred_model = ? WHERE id = ?`), arg, id)
	if err != nil {
		return fmt.Errorf("failed to update preferred model: %w", err)
	}
	return nil
}

// Delete removes a user by username.
func (s *UserService) Delete(httpCtx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	res, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind(`DELETE FROM users WHERE username = ?`), username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureDefaultAdmin creates an admin account if none exists.
// Called once at startup so a fresh install is usable.
func (s *UserService) EnsureDefaultAdmin(httpCtx context.Context, username, password, email string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var count int
	err := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT COUNT(*) FROM users WHERE role = ?`), models.UserRoleAdmin).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count admins: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = s.Create(ctx, username, password, email, models.UserRoleAdmin)
	return err
}

func scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.Role, &u.PreferredModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// isUniqueViolation detects duplicate-key errors across both backends
// without importing driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
