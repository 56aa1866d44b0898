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

// PostgresRunRepository implements domain.RunRepository. The pipeline
// snapshot, client map, observer set and remote state are JSONB columns so a
// run stays readable after its pipeline is edited or deleted.
type PostgresRunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRunRepository creates a new run repository
func NewPostgresRunRepository(db *sql.DB, logger *slog.Logger) *PostgresRunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRunRepository{db: db, logger: logger}
}

const runColumns = `id, consortium_id, pipeline_snapshot, run_type, clients, observers, status, remote_state, results, error_message, start_date, end_date`

// Create inserts a new run
func (r *PostgresRunRepository) Create(ctx context.Context, run *domain.Run) error {
	snapshot, err := json.Marshal(run.PipelineSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline snapshot: %w", err)
	}
	clients, err := json.Marshal(run.Clients)
	if err != nil {
		return fmt.Errorf("failed to encode clients: %w", err)
	}
	observers, err := json.Marshal(mapKeys(run.Observers))
	if err != nil {
		return fmt.Errorf("failed to encode observers: %w", err)
	}

	query := `
		INSERT INTO runs (id, consortium_id, pipeline_snapshot, run_type, clients, observers, status, start_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING start_date
	`

	err = r.db.QueryRowContext(ctx, query,
		run.ID, run.ConsortiumID, snapshot, run.Type, clients, observers, run.Status,
	).Scan(&run.StartDate)

	if err != nil {
		r.logger.Error("failed to create run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by ID
func (r *PostgresRunRepository) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run not found")
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// Update replaces the mutable fields of a run
func (r *PostgresRunRepository) Update(ctx context.Context, run *domain.Run) error {
	remoteState, err := json.Marshal(run.RemoteState)
	if err != nil {
		return fmt.Errorf("failed to encode remote state: %w", err)
	}
	observers, err := json.Marshal(mapKeys(run.Observers))
	if err != nil {
		return fmt.Errorf("failed to encode observers: %w", err)
	}

	query := `
		UPDATE runs
		SET status = $1, remote_state = $2, results = $3, error_message = $4, observers = $5, end_date = $6
		WHERE id = $7
	`

	var endDate sql.NullTime
	if !run.EndDate.IsZero() {
		endDate = sql.NullTime{Time: run.EndDate, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		run.Status, remoteState, nullBytes(run.Results), nullString(run.Error), observers, endDate, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run not found")
	}
	return nil
}

// ListByClient returns every run the principal participates in or observes.
func (r *PostgresRunRepository) ListByClient(ctx context.Context, principalID string) ([]*domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE clients ? $1 OR observers @> to_jsonb(ARRAY[$1::text])
		ORDER BY start_date DESC
	`

	rows, err := r.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// CountActive counts runs not yet in a terminal state.
func (r *PostgresRunRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE status IN ($1, $2)`,
		domain.RunStarted, domain.RunSuspended,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	run := &domain.Run{}
	var snapshot, clients, observers, remoteState, results []byte
	var errMsg sql.NullString
	var endDate sql.NullTime

	err := row.Scan(
		&run.ID, &run.ConsortiumID, &snapshot, &run.Type, &clients, &observers,
		&run.Status, &remoteState, &results, &errMsg, &run.StartDate, &endDate,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(snapshot, &run.PipelineSnapshot); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline snapshot: %w", err)
	}
	if err := json.Unmarshal(clients, &run.Clients); err != nil {
		return nil, fmt.Errorf("failed to decode clients: %w", err)
	}
	var observerIDs []string
	if len(observers) > 0 {
		if err := json.Unmarshal(observers, &observerIDs); err != nil {
			return nil, fmt.Errorf("failed to decode observers: %w", err)
		}
	}
	run.Observers = make(map[string]struct{}, len(observerIDs))
	for _, id := range observerIDs {
		run.Observers[id] = struct{}{}
	}
	if len(remoteState) > 0 && string(remoteState) != "null" {
		if err := json.Unmarshal(remoteState, &run.RemoteState); err != nil {
			return nil, fmt.Errorf("failed to decode remote state: %w", err)
		}
	}
	run.Results = results
	run.Error = errMsg.String
	run.EndDate = endDate.Time
	return run, nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
