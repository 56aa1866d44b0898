package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/yourorg/fedcoord/internal/domain"
)

const uniqueViolation = "23505"

// PostgresUserRepository implements domain.UserRepository using PostgreSQL.
// The permission set and consortia statuses are stored as JSONB columns.
type PostgresUserRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresUserRepository creates a new user repository
func NewPostgresUserRepository(db *sql.DB, logger *slog.Logger) *PostgresUserRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresUserRepository{db: db, logger: logger}
}

const userColumns = `id, username, email, password_blob, password_changed_at, permissions, consortia_statuses, created_at, updated_at`

// Create inserts a new user. Username and email collisions surface as
// domain.ErrDuplicateResource.
func (r *PostgresUserRepository) Create(ctx context.Context, user *domain.User) error {
	perms, err := json.Marshal(user.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	statuses, err := json.Marshal(user.ConsortiaStatuses)
	if err != nil {
		return fmt.Errorf("failed to encode consortia statuses: %w", err)
	}

	query := `
		INSERT INTO users (id, username, email, password_blob, password_changed_at, permissions, consortia_statuses)
		VALUES ($1, $2, $3, $4, NOW(), $5, $6)
		RETURNING password_changed_at, created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordBlob,
		perms,
		statuses,
	).Scan(&user.PasswordChangedAt, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateResource
		}
		r.logger.Error("failed to create user",
			slog.String("username", user.Username),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByUsername retrieves a user by username
func (r *PostgresUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// GetByEmail retrieves a user by email
func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *PostgresUserRepository) getOne(ctx context.Context, query string, arg interface{}) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Update replaces the mutable fields of a user
func (r *PostgresUserRepository) Update(ctx context.Context, user *domain.User) error {
	perms, err := json.Marshal(user.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	statuses, err := json.Marshal(user.ConsortiaStatuses)
	if err != nil {
		return fmt.Errorf("failed to encode consortia statuses: %w", err)
	}

	query := `
		UPDATE users
		SET username = $1, email = $2, password_blob = $3, password_changed_at = $4,
		    permissions = $5, consortia_statuses = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		user.Username,
		user.Email,
		user.PasswordBlob,
		user.PasswordChangedAt,
		perms,
		statuses,
		user.ID,
	).Scan(&user.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user not found")
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateResource
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	return nil
}

// UpdatePermissions replaces only the permission set and returns the fresh
// user row, the shape the change fanout wants.
func (r *PostgresUserRepository) UpdatePermissions(ctx context.Context, id string, perms domain.PermissionSet) (*domain.User, error) {
	encoded, err := json.Marshal(perms)
	if err != nil {
		return nil, fmt.Errorf("failed to encode permissions: %w", err)
	}

	query := `
		UPDATE users
		SET permissions = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING ` + userColumns

	row := r.db.QueryRowContext(ctx, query, encoded, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to update permissions: %w", err)
	}
	return user, nil
}

// List returns all users
func (r *PostgresUserRepository) List(ctx context.Context) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		r.logger.Error("failed to list users", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	user := &domain.User{}
	var perms, statuses []byte

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordBlob,
		&user.PasswordChangedAt,
		&perms,
		&statuses,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(perms, &user.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	if len(statuses) > 0 {
		if err := json.Unmarshal(statuses, &user.ConsortiaStatuses); err != nil {
			return nil, fmt.Errorf("failed to decode consortia statuses: %w", err)
		}
	}
	return user, nil
}
