// Package guard authorizes per-run actions by cross-referencing run
// membership and consortium membership.
package guard

import (
	"context"
	"log/slog"

	"github.com/yourorg/fedcoord/internal/domain"
)

// RunAccessGuard gates artifact transfer and run-start against the caller's
// resolved principal. Every lookup miss is reported as ErrNotAuthorized so a
// caller cannot distinguish "forbidden" from "does not exist".
type RunAccessGuard struct {
	runs      domain.RunRepository
	consortia domain.ConsortiumRepository
	logger    *slog.Logger
}

// NewRunAccessGuard creates a run access guard.
func NewRunAccessGuard(runs domain.RunRepository, consortia domain.ConsortiumRepository, logger *slog.Logger) *RunAccessGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunAccessGuard{runs: runs, consortia: consortia, logger: logger}
}

// CanUpload permits artifact upload only to principals that appear as keys
// in the run's clients map. Returns the run id on success.
func (g *RunAccessGuard) CanUpload(ctx context.Context, p *domain.Principal, runID string) (string, error) {
	if p == nil || runID == "" {
		return "", domain.ErrNotAuthorized
	}

	run, err := g.runs.GetByID(ctx, runID)
	if err != nil || run == nil {
		return "", domain.ErrNotAuthorized
	}

	if _, ok := run.Clients[p.ID()]; !ok {
		g.logger.Warn("upload denied",
			slog.String("principal", p.ID()),
			slog.String("run_id", runID),
		)
		return "", domain.ErrNotAuthorized
	}

	return run.ID, nil
}

// CanDownload permits artifact download to any owner, member or active
// member of the run's consortium, whether or not they joined the run.
func (g *RunAccessGuard) CanDownload(ctx context.Context, p *domain.Principal, runID string) (string, error) {
	if p == nil || runID == "" {
		return "", domain.ErrNotAuthorized
	}

	run, err := g.runs.GetByID(ctx, runID)
	if err != nil || run == nil {
		return "", domain.ErrNotAuthorized
	}

	consortium, err := g.consortia.GetByID(ctx, run.ConsortiumID)
	if err != nil || consortium == nil {
		return "", domain.ErrNotAuthorized
	}

	if !consortium.HasParticipant(p.ID()) {
		g.logger.Warn("download denied",
			slog.String("principal", p.ID()),
			slog.String("run_id", runID),
		)
		return "", domain.ErrNotAuthorized
	}

	return run.ID, nil
}

// CheckStart verifies the preconditions for starting a run. Unlike the
// transfer guards these failures are deliberately distinguishable: the
// desktop client shows the user what to fix.
func (g *RunAccessGuard) CheckStart(p *domain.Principal, consortium *domain.Consortium, pipeline *domain.Pipeline) error {
	id := p.ID()
	_, isOwner := consortium.Owners[id]
	_, isMember := consortium.Members[id]

	if consortium.ActivePipelineID == "" || pipeline == nil {
		return domain.NewPreconditionError(domain.ReasonNoActivePipeline)
	}

	// Decentralized runs are started by an owner; single-site local runs by
	// any member.
	if pipeline.Decentralized {
		if !isOwner {
			return domain.NewPreconditionError(domain.ReasonNotConsortiumMember)
		}
	} else if !isOwner && !isMember {
		return domain.NewPreconditionError(domain.ReasonNotConsortiumMember)
	}

	mappedActive := 0
	for memberID := range consortium.ActiveMembers {
		if _, ok := consortium.MappedForRun[memberID]; ok {
			mappedActive++
		}
	}
	if mappedActive == 0 {
		return domain.NewPreconditionError(domain.ReasonNoMappedMembers)
	}

	if pipeline.Decentralized {
		others := 0
		for memberID := range consortium.ActiveMembers {
			if memberID != id {
				others++
			}
		}
		// Headless participants named in the active pipeline count toward
		// the second-site requirement.
		for headlessID := range pipeline.HeadlessMembers {
			if _, already := consortium.ActiveMembers[headlessID]; !already {
				others++
			}
		}
		if others == 0 {
			return domain.NewPreconditionError(domain.ReasonNeedSecondMember)
		}
	}

	return nil
}
