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

// PostgresHeadlessRepository implements domain.HeadlessClientRepository.
type PostgresHeadlessRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresHeadlessRepository creates a new headless client repository
func NewPostgresHeadlessRepository(db *sql.DB, logger *slog.Logger) *PostgresHeadlessRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresHeadlessRepository{db: db, logger: logger}
}

const headlessColumns = `id, name, api_key_blob, has_api_key, computation_whitelist, owners, created_at, updated_at`

// Create inserts a new headless client. Name collisions surface as
// domain.ErrDuplicateResource.
func (r *PostgresHeadlessRepository) Create(ctx context.Context, client *domain.HeadlessClient) error {
	whitelist, err := json.Marshal(mapKeys(client.ComputationWhitelist))
	if err != nil {
		return fmt.Errorf("failed to encode whitelist: %w", err)
	}
	owners, err := json.Marshal(client.Owners)
	if err != nil {
		return fmt.Errorf("failed to encode owners: %w", err)
	}

	query := `
		INSERT INTO headless_clients (id, name, api_key_blob, has_api_key, computation_whitelist, owners)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		client.ID, client.Name, client.APIKeyBlob, client.HasAPIKey, whitelist, owners,
	).Scan(&client.CreatedAt, &client.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateResource
		}
		r.logger.Error("failed to create headless client",
			slog.String("name", client.Name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create headless client: %w", err)
	}
	return nil
}

// GetByID retrieves a headless client by ID
func (r *PostgresHeadlessRepository) GetByID(ctx context.Context, id string) (*domain.HeadlessClient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+headlessColumns+` FROM headless_clients WHERE id = $1`, id)
	client, err := scanHeadless(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("headless client not found")
		}
		return nil, fmt.Errorf("failed to get headless client: %w", err)
	}
	return client, nil
}

// GetByName retrieves a headless client by name
func (r *PostgresHeadlessRepository) GetByName(ctx context.Context, name string) (*domain.HeadlessClient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+headlessColumns+` FROM headless_clients WHERE name = $1`, name)
	client, err := scanHeadless(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("headless client not found")
		}
		return nil, fmt.Errorf("failed to get headless client: %w", err)
	}
	return client, nil
}

// Update replaces the mutable fields of a headless client
func (r *PostgresHeadlessRepository) Update(ctx context.Context, client *domain.HeadlessClient) error {
	whitelist, err := json.Marshal(mapKeys(client.ComputationWhitelist))
	if err != nil {
		return fmt.Errorf("failed to encode whitelist: %w", err)
	}
	owners, err := json.Marshal(client.Owners)
	if err != nil {
		return fmt.Errorf("failed to encode owners: %w", err)
	}

	query := `
		UPDATE headless_clients
		SET name = $1, api_key_blob = $2, has_api_key = $3, computation_whitelist = $4, owners = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		client.Name, client.APIKeyBlob, client.HasAPIKey, whitelist, owners, client.ID,
	).Scan(&client.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("headless client not found")
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateResource
		}
		return fmt.Errorf("failed to update headless client: %w", err)
	}
	return nil
}

// Delete removes a headless client and returns the deleted row so callers can
// fan out the last-known value.
func (r *PostgresHeadlessRepository) Delete(ctx context.Context, id string) (*domain.HeadlessClient, error) {
	row := r.db.QueryRowContext(ctx, `DELETE FROM headless_clients WHERE id = $1 RETURNING `+headlessColumns, id)
	client, err := scanHeadless(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("headless client not found")
		}
		return nil, fmt.Errorf("failed to delete headless client: %w", err)
	}
	return client, nil
}

// List returns all headless clients
func (r *PostgresHeadlessRepository) List(ctx context.Context) ([]*domain.HeadlessClient, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+headlessColumns+` FROM headless_clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list headless clients: %w", err)
	}
	defer rows.Close()

	var out []*domain.HeadlessClient
	for rows.Next() {
		client, err := scanHeadless(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan headless client: %w", err)
		}
		out = append(out, client)
	}
	return out, rows.Err()
}

func scanHeadless(row rowScanner) (*domain.HeadlessClient, error) {
	client := &domain.HeadlessClient{}
	var whitelist, owners []byte

	err := row.Scan(
		&client.ID, &client.Name, &client.APIKeyBlob, &client.HasAPIKey,
		&whitelist, &owners, &client.CreatedAt, &client.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var computationIDs []string
	if len(whitelist) > 0 {
		if err := json.Unmarshal(whitelist, &computationIDs); err != nil {
			return nil, fmt.Errorf("failed to decode whitelist: %w", err)
		}
	}
	client.ComputationWhitelist = make(map[string]struct{}, len(computationIDs))
	for _, id := range computationIDs {
		client.ComputationWhitelist[id] = struct{}{}
	}
	if err := json.Unmarshal(owners, &client.Owners); err != nil {
		return nil, fmt.Errorf("failed to decode owners: %w", err)
	}
	return client, nil
}
