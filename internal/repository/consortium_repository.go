package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourorg/fedcoord/internal/domain"
)

// PostgresConsortiumRepository implements domain.ConsortiumRepository.
// Membership maps are JSONB; everything else is a plain column.
type PostgresConsortiumRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresConsortiumRepository creates a new consortium repository
func NewPostgresConsortiumRepository(db *sql.DB, logger *slog.Logger) *PostgresConsortiumRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresConsortiumRepository{db: db, logger: logger}
}

const consortiumColumns = `id, name, description, owners, members, active_members, active_pipeline_id, mapped_for_run, is_private, created_at, updated_at`

// Save upserts a consortium keyed by id.
func (r *PostgresConsortiumRepository) Save(ctx context.Context, c *domain.Consortium) error {
	owners, err := json.Marshal(c.Owners)
	if err != nil {
		return fmt.Errorf("failed to encode owners: %w", err)
	}
	members, err := json.Marshal(c.Members)
	if err != nil {
		return fmt.Errorf("failed to encode members: %w", err)
	}
	active, err := json.Marshal(c.ActiveMembers)
	if err != nil {
		return fmt.Errorf("failed to encode active members: %w", err)
	}
	mapped, err := json.Marshal(mapKeys(c.MappedForRun))
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}

	query := `
		INSERT INTO consortia (id, name, description, owners, members, active_members, active_pipeline_id, mapped_for_run, is_private)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			owners = EXCLUDED.owners,
			members = EXCLUDED.members,
			active_members = EXCLUDED.active_members,
			active_pipeline_id = EXCLUDED.active_pipeline_id,
			mapped_for_run = EXCLUDED.mapped_for_run,
			is_private = EXCLUDED.is_private,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		c.ID, c.Name, c.Description, owners, members, active,
		nullString(c.ActivePipelineID), mapped, c.IsPrivate,
	).Scan(&c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to save consortium",
			slog.String("consortium_id", c.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save consortium: %w", err)
	}
	return nil
}

// GetByID retrieves a consortium by ID
func (r *PostgresConsortiumRepository) GetByID(ctx context.Context, id string) (*domain.Consortium, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+consortiumColumns+` FROM consortia WHERE id = $1`, id)
	c, err := scanConsortium(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("consortium not found")
		}
		return nil, fmt.Errorf("failed to get consortium: %w", err)
	}
	return c, nil
}

// Delete removes a consortium and returns the deleted row for fanout.
func (r *PostgresConsortiumRepository) Delete(ctx context.Context, id string) (*domain.Consortium, error) {
	row := r.db.QueryRowContext(ctx, `DELETE FROM consortia WHERE id = $1 RETURNING `+consortiumColumns, id)
	c, err := scanConsortium(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("consortium not found")
		}
		return nil, fmt.Errorf("failed to delete consortium: %w", err)
	}
	return c, nil
}

// List returns all consortia
func (r *PostgresConsortiumRepository) List(ctx context.Context) ([]*domain.Consortium, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+consortiumColumns+` FROM consortia ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list consortia: %w", err)
	}
	defer rows.Close()

	var out []*domain.Consortium
	for rows.Next() {
		c, err := scanConsortium(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consortium: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConsortium(row rowScanner) (*domain.Consortium, error) {
	c := &domain.Consortium{}
	var owners, members, active, mapped []byte
	var pipelineID sql.NullString

	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &owners, &members, &active,
		&pipelineID, &mapped, &c.IsPrivate, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ActivePipelineID = pipelineID.String
	if err := json.Unmarshal(owners, &c.Owners); err != nil {
		return nil, fmt.Errorf("failed to decode owners: %w", err)
	}
	if err := json.Unmarshal(members, &c.Members); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	if err := json.Unmarshal(active, &c.ActiveMembers); err != nil {
		return nil, fmt.Errorf("failed to decode active members: %w", err)
	}
	var mappedIDs []string
	if len(mapped) > 0 {
		if err := json.Unmarshal(mapped, &mappedIDs); err != nil {
			return nil, fmt.Errorf("failed to decode mapping: %w", err)
		}
	}
	c.MappedForRun = make(map[string]struct{}, len(mappedIDs))
	for _, id := range mappedIDs {
		c.MappedForRun[id] = struct{}{}
	}
	return c, nil
}

func mapKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
