package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/guard"
	"github.com/yourorg/fedcoord/internal/observability/metrics"
	"github.com/yourorg/fedcoord/internal/security/audit"
)

// Orchestrator is the execution-layer client. Satisfied by
// infrastructure/pipeline.Client.
type Orchestrator interface {
	StartRun(ctx context.Context, run *domain.Run) error
	StopRun(ctx context.Context, runID string) error
}

// RunService owns the server-side run lifecycle: creation against the active
// pipeline, remote state pushes from the execution layer, and terminal
// result or error recording.
type RunService struct {
	runs         domain.RunRepository
	consortia    domain.ConsortiumRepository
	pipelines    domain.PipelineRepository
	guard        *guard.RunAccessGuard
	orchestrator Orchestrator
	dispatcher   *fanout.Dispatcher
	audit        *audit.Logger
	logger       *slog.Logger
}

// NewRunService creates a new run service
func NewRunService(
	runs domain.RunRepository,
	consortia domain.ConsortiumRepository,
	pipelines domain.PipelineRepository,
	accessGuard *guard.RunAccessGuard,
	orchestrator Orchestrator,
	dispatcher *fanout.Dispatcher,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *RunService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunService{
		runs:         runs,
		consortia:    consortia,
		pipelines:    pipelines,
		guard:        accessGuard,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		audit:        auditLog,
		logger:       logger,
	}
}

// CreateRun starts a run of the consortium's active pipeline. The pipeline is
// snapshotted into the run so later edits never change a run in flight. The
// client set is frozen at creation from the consortium's active members plus
// any headless participants the pipeline names.
func (s *RunService) CreateRun(ctx context.Context, actor *domain.Principal, consortiumID string) (*domain.Run, error) {
	consortium, err := s.consortia.GetByID(ctx, consortiumID)
	if err != nil || consortium == nil {
		return nil, domain.ErrNotAuthorized
	}

	var pipe *domain.Pipeline
	if consortium.ActivePipelineID != "" {
		pipe, err = s.pipelines.GetByID(ctx, consortium.ActivePipelineID)
		if err != nil {
			pipe = nil
		}
	}

	if err := s.guard.CheckStart(actor, consortium, pipe); err != nil {
		s.audit.LogRunStart(ctx, actor.ID(), "", consortiumID, "denied")
		return nil, err
	}

	runType := domain.RunLocal
	if pipe.Decentralized {
		runType = domain.RunDecentralized
	}

	run := &domain.Run{
		ID:               uuid.New().String(),
		ConsortiumID:     consortiumID,
		PipelineSnapshot: pipe,
		Type:             runType,
		Clients:          map[string]string{},
		Observers:        map[string]struct{}{},
		Status:           domain.RunStarted,
	}
	for id, name := range consortium.ActiveMembers {
		run.Clients[id] = name
	}
	for id, name := range pipe.HeadlessMembers {
		run.Clients[id] = name
	}
	// Owners and members who did not join still get to watch progress.
	for id := range consortium.Owners {
		if _, joined := run.Clients[id]; !joined {
			run.Observers[id] = struct{}{}
		}
	}
	for id := range consortium.Members {
		if _, joined := run.Clients[id]; !joined {
			run.Observers[id] = struct{}{}
		}
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := s.orchestrator.StartRun(ctx, run); err != nil {
		// The run exists but nothing will execute it. Record the failure as a
		// terminal error so the sites see a resolved state.
		s.logger.Error("orchestrator rejected run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		if ferr := s.SaveError(ctx, run.ID, "pipeline server unavailable"); ferr != nil {
			s.logger.Error("failed to mark run errored", slog.String("run_id", run.ID))
		}
		return nil, err
	}

	metrics.ObserveRunTransition(string(domain.RunStarted))
	s.audit.LogRunStart(ctx, actor.ID(), run.ID, consortiumID, "ok")
	s.dispatcher.Publish(fanout.EntityRun, run.ID, run)
	return run, nil
}

// UpdateRemoteState records the aggregate controller state pushed by the
// execution layer and fans it out to every participating site.
func (s *RunService) UpdateRemoteState(ctx context.Context, runID string, state domain.RemotePipelineState) (*domain.Run, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil || run == nil {
		return nil, fmt.Errorf("run not found: %w", domain.ErrInvalidArgument)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	run.RemoteState = &state
	if err := s.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	s.dispatcher.Publish(fanout.EntityRun, run.ID, run)
	return run, nil
}

// SaveResults marks a run complete with its final output. Terminal states
// stick: saving results onto an already terminal run is a no-op.
func (s *RunService) SaveResults(ctx context.Context, runID string, results json.RawMessage) (*domain.Run, error) {
	return s.finish(ctx, runID, func(run *domain.Run) {
		run.Status = domain.RunComplete
		run.Results = results
	})
}

// SaveError marks a run failed with the error message.
func (s *RunService) SaveError(ctx context.Context, runID, message string) error {
	_, err := s.finish(ctx, runID, func(run *domain.Run) {
		run.Status = domain.RunError
		run.Error = message
	})
	return err
}

func (s *RunService) finish(ctx context.Context, runID string, apply func(*domain.Run)) (*domain.Run, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil || run == nil {
		return nil, fmt.Errorf("run not found: %w", domain.ErrInvalidArgument)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	apply(run)
	run.EndDate = time.Now()
	if err := s.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	metrics.ObserveRunTransition(string(run.Status))
	s.dispatcher.Publish(fanout.EntityRun, run.ID, run)
	return run, nil
}

// StopRun asks the execution layer to abandon a run. The terminal error state
// arrives back through SaveError once the orchestrator confirms.
func (s *RunService) StopRun(ctx context.Context, actor *domain.Principal, runID string) error {
	if _, err := s.guard.CanUpload(ctx, actor, runID); err != nil {
		return err
	}
	return s.orchestrator.StopRun(ctx, runID)
}

// ListRuns returns the runs the principal participates in or observes.
func (s *RunService) ListRuns(ctx context.Context, p *domain.Principal) ([]*domain.Run, error) {
	if p == nil {
		return nil, domain.ErrNotAuthorized
	}
	return s.runs.ListByClient(ctx, p.ID())
}

// GetRun returns one run, gated the same way as artifact download.
func (s *RunService) GetRun(ctx context.Context, p *domain.Principal, runID string) (*domain.Run, error) {
	if _, err := s.guard.CanDownload(ctx, p, runID); err != nil {
		return nil, err
	}
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil || run == nil {
		return nil, domain.ErrNotAuthorized
	}
	return run, nil
}
