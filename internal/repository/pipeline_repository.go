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

// PostgresPipelineRepository implements domain.PipelineRepository.
type PostgresPipelineRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresPipelineRepository creates a new pipeline repository
func NewPostgresPipelineRepository(db *sql.DB, logger *slog.Logger) *PostgresPipelineRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresPipelineRepository{db: db, logger: logger}
}

const pipelineColumns = `id, name, consortium_id, decentralized, headless_members, created_at, updated_at`

// Save upserts a pipeline keyed by id.
func (r *PostgresPipelineRepository) Save(ctx context.Context, p *domain.Pipeline) error {
	headless, err := json.Marshal(p.HeadlessMembers)
	if err != nil {
		return fmt.Errorf("failed to encode headless members: %w", err)
	}

	query := `
		INSERT INTO pipelines (id, name, consortium_id, decentralized, headless_members)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			consortium_id = EXCLUDED.consortium_id,
			decentralized = EXCLUDED.decentralized,
			headless_members = EXCLUDED.headless_members,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		p.ID, p.Name, p.ConsortiumID, p.Decentralized, headless,
	).Scan(&p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to save pipeline",
			slog.String("pipeline_id", p.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save pipeline: %w", err)
	}
	return nil
}

// GetByID retrieves a pipeline by ID
func (r *PostgresPipelineRepository) GetByID(ctx context.Context, id string) (*domain.Pipeline, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pipeline not found")
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// Delete removes a pipeline and returns the deleted row for fanout.
func (r *PostgresPipelineRepository) Delete(ctx context.Context, id string) (*domain.Pipeline, error) {
	row := r.db.QueryRowContext(ctx, `DELETE FROM pipelines WHERE id = $1 RETURNING `+pipelineColumns, id)
	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pipeline not found")
		}
		return nil, fmt.Errorf("failed to delete pipeline: %w", err)
	}
	return p, nil
}

func scanPipeline(row rowScanner) (*domain.Pipeline, error) {
	p := &domain.Pipeline{}
	var headless []byte

	err := row.Scan(&p.ID, &p.Name, &p.ConsortiumID, &p.Decentralized, &headless, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(headless, &p.HeadlessMembers); err != nil {
		return nil, fmt.Errorf("failed to decode headless members: %w", err)
	}
	return p, nil
}
