package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/guard"
	"github.com/yourorg/fedcoord/internal/security/audit"
)

type runFixture struct {
	svc          *RunService
	runs         *memRuns
	consortia    *memConsortia
	pipelines    *memPipelines
	orchestrator *fakeOrchestrator
	dispatcher   *fanout.Dispatcher
}

func newRunFixture(t *testing.T) *runFixture {
	t.Helper()
	runs := newMemRuns()
	consortia := newMemConsortia()
	pipelines := newMemPipelines()
	orchestrator := &fakeOrchestrator{}
	dispatcher := fanout.NewDispatcher(32, slog.Default())
	accessGuard := guard.NewRunAccessGuard(runs, consortia, slog.Default())
	svc := NewRunService(runs, consortia, pipelines, accessGuard, orchestrator,
		dispatcher, audit.NewLogger(slog.Default()), slog.Default())
	return &runFixture{
		svc: svc, runs: runs, consortia: consortia, pipelines: pipelines,
		orchestrator: orchestrator, dispatcher: dispatcher,
	}
}

func userPrincipal(id string) *domain.Principal {
	return &domain.Principal{
		Kind: domain.PrincipalUser,
		User: &domain.User{ID: id, Username: id, Permissions: domain.NewPermissionSet()},
	}
}

func (f *runFixture) seedConsortium(decentralized bool) {
	f.consortia.byID["cons-1"] = &domain.Consortium{
		ID:               "cons-1",
		Name:             "fmri-study",
		Owners:           map[string]string{"owner-a": "alice"},
		Members:          map[string]string{"member-b": "bob", "member-c": "carol"},
		ActiveMembers:    map[string]string{"owner-a": "alice", "member-b": "bob"},
		ActivePipelineID: "pipe-1",
		MappedForRun:     map[string]struct{}{"owner-a": {}, "member-b": {}},
	}
	f.pipelines.byID["pipe-1"] = &domain.Pipeline{
		ID:            "pipe-1",
		Name:          "ssr",
		ConsortiumID:  "cons-1",
		Decentralized: decentralized,
	}
}

func TestCreateRunSnapshotsPipelineAndFreezesClients(t *testing.T) {
	f := newRunFixture(t)
	f.seedConsortium(true)
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, userPrincipal("owner-a"), "cons-1")
	require.NoError(t, err)
	require.Equal(t, domain.RunStarted, run.Status)
	require.Equal(t, domain.RunDecentralized, run.Type)
	require.Equal(t, map[string]string{"owner-a": "alice", "member-b": "bob"}, run.Clients)
	require.Contains(t, run.Observers, "member-c")
	require.NotContains(t, run.Observers, "owner-a")
	require.Equal(t, []string{run.ID}, f.orchestrator.started)

	// The snapshot shields the run from later pipeline edits.
	f.pipelines.byID["pipe-1"].Name = "renamed"
	stored, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "ssr", stored.PipelineSnapshot.Name)
}

func TestCreateRunPreconditions(t *testing.T) {
	f := newRunFixture(t)
	f.seedConsortium(true)
	ctx := context.Background()

	// Non-owner cannot start a decentralized run.
	_, err := f.svc.CreateRun(ctx, userPrincipal("member-b"), "cons-1")
	reason, ok := domain.IsPrecondition(err)
	require.True(t, ok)
	require.Equal(t, domain.ReasonNotConsortiumMember, reason)

	// No active pipeline.
	f.consortia.byID["cons-1"].ActivePipelineID = ""
	_, err = f.svc.CreateRun(ctx, userPrincipal("owner-a"), "cons-1")
	reason, ok = domain.IsPrecondition(err)
	require.True(t, ok)
	require.Equal(t, domain.ReasonNoActivePipeline, reason)
}

func TestCreateRunOrchestratorDownMarksRunErrored(t *testing.T) {
	f := newRunFixture(t)
	f.seedConsortium(false)
	f.orchestrator.fail = true
	ctx := context.Background()

	_, err := f.svc.CreateRun(ctx, userPrincipal("member-b"), "cons-1")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	runs, err := f.runs.ListByClient(ctx, "member-b")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, domain.RunError, runs[0].Status)
	require.False(t, runs[0].EndDate.IsZero())
}

func TestRunEventsReachSubscribers(t *testing.T) {
	f := newRunFixture(t)
	f.seedConsortium(false)
	sub := f.dispatcher.Subscribe(fanout.EntityRun)
	defer sub.Close()

	run, err := f.svc.CreateRun(context.Background(), userPrincipal("owner-a"), "cons-1")
	require.NoError(t, err)

	ev := <-sub.C
	require.Equal(t, fanout.EntityRun, ev.Type)
	require.Equal(t, run.ID, ev.EntityID)
	require.False(t, ev.Deleted)
}

func TestUpdateRemoteState(t *testing.T) {
	f := newRunFixture(t)
	f.seedConsortium(true)
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, userPrincipal("owner-a"), "cons-1")
	require.NoError(t, err)

	updated, err := f.svc.UpdateRemoteState(ctx, run.ID, domain.RemotePipelineState{
		ControllerState:  "waiting on local users",
		CurrentIteration: 3,
		WaitingOn:        []string{"member-b"},
	})
	require.NoError(t, err)
	require.Equal(t, "waiting on local users", updated.RemoteState.ControllerState)
	require.Equal(t, 3, updated.RemoteState.CurrentIteration)
}

func TestTerminalStatesStick(t *testing.T) {
	f := newRunFixture(t)
	f.seedConsortium(true)
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, userPrincipal("owner-a"), "cons-1")
	require.NoError(t, err)

	done, err := f.svc.SaveResults(ctx, run.ID, json.RawMessage(`{"beta":0.42}`))
	require.NoError(t, err)
	require.Equal(t, domain.RunComplete, done.Status)
	require.False(t, done.EndDate.IsZero())

	// A late error report must not clobber the completed run.
	require.NoError(t, f.svc.SaveError(ctx, run.ID, "late failure"))
	stored, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunComplete, stored.Status)
	require.Empty(t, stored.Error)
}

func TestGetRunGatedLikeDownload(t *testing.T) {
	f := newRunFixture(t)
	f.seedConsortium(true)
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, userPrincipal("owner-a"), "cons-1")
	require.NoError(t, err)

	// member-c never joined the run but belongs to the consortium.
	got, err := f.svc.GetRun(ctx, userPrincipal("member-c"), run.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)

	_, err = f.svc.GetRun(ctx, userPrincipal("stranger"), run.ID)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
}
