package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/yourorg/fedcoord/internal/domain"
)

type memRuns struct {
	byID map[string]*domain.Run
}

func (m *memRuns) Create(_ context.Context, r *domain.Run) error { m.byID[r.ID] = r; return nil }
func (m *memRuns) GetByID(_ context.Context, id string) (*domain.Run, error) {
	if r, ok := m.byID[id]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}
func (m *memRuns) Update(_ context.Context, r *domain.Run) error { m.byID[r.ID] = r; return nil }
func (m *memRuns) ListByClient(_ context.Context, _ string) ([]*domain.Run, error) {
	return nil, nil
}
func (m *memRuns) CountActive(_ context.Context) (int, error) { return 0, nil }

type memConsortia struct {
	byID map[string]*domain.Consortium
}

func (m *memConsortia) Save(_ context.Context, c *domain.Consortium) error {
	m.byID[c.ID] = c
	return nil
}
func (m *memConsortia) GetByID(_ context.Context, id string) (*domain.Consortium, error) {
	if c, ok := m.byID[id]; ok {
		return c, nil
	}
	return nil, errors.New("not found")
}
func (m *memConsortia) Delete(_ context.Context, id string) (*domain.Consortium, error) {
	c := m.byID[id]
	delete(m.byID, id)
	return c, nil
}
func (m *memConsortia) List(_ context.Context) ([]*domain.Consortium, error) { return nil, nil }

func principal(id string) *domain.Principal {
	return &domain.Principal{
		Kind: domain.PrincipalUser,
		User: &domain.User{ID: id, Username: id, Permissions: domain.NewPermissionSet()},
	}
}

func fixtures() (*RunAccessGuard, *memRuns, *memConsortia) {
	runs := &memRuns{byID: map[string]*domain.Run{}}
	consortia := &memConsortia{byID: map[string]*domain.Consortium{}}

	consortia.byID["c1"] = &domain.Consortium{
		ID:            "c1",
		Owners:        map[string]string{"alice": "alice"},
		Members:       map[string]string{"alice": "alice", "bob": "bob", "carol": "carol"},
		ActiveMembers: map[string]string{"alice": "alice", "bob": "bob"},
	}
	runs.byID["r1"] = &domain.Run{
		ID:           "r1",
		ConsortiumID: "c1",
		Clients:      map[string]string{"alice": "alice", "bob": "bob"},
		Status:       domain.RunStarted,
	}

	return NewRunAccessGuard(runs, consortia, nil), runs, consortia
}

func TestCanUpload(t *testing.T) {
	g, _, _ := fixtures()
	ctx := context.Background()

	// A client member uploading to their own run succeeds.
	id, err := g.CanUpload(ctx, principal("alice"), "r1")
	if err != nil || id != "r1" {
		t.Fatalf("expected upload allowed, got id=%q err=%v", id, err)
	}

	// A non-member fails with ErrNotAuthorized.
	if _, err := g.CanUpload(ctx, principal("mallory"), "r1"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	// Consortium membership without run membership is not enough to upload.
	if _, err := g.CanUpload(ctx, principal("carol"), "r1"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-client member, got %v", err)
	}

	// A missing run is indistinguishable from a forbidden one.
	if _, err := g.CanUpload(ctx, principal("alice"), "no-such-run"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for missing run, got %v", err)
	}
}

func TestCanDownload(t *testing.T) {
	g, runs, _ := fixtures()
	ctx := context.Background()

	// A consortium member who never joined the run can still download.
	if _, err := g.CanDownload(ctx, principal("carol"), "r1"); err != nil {
		t.Fatalf("expected download allowed for consortium member, got %v", err)
	}

	if _, err := g.CanDownload(ctx, principal("mallory"), "r1"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	// A run pointing at a missing consortium fails closed.
	runs.byID["r2"] = &domain.Run{ID: "r2", ConsortiumID: "gone", Clients: map[string]string{"alice": "alice"}}
	if _, err := g.CanDownload(ctx, principal("alice"), "r2"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for missing consortium, got %v", err)
	}
}

func TestCheckStartPreconditions(t *testing.T) {
	g, _, consortia := fixtures()
	cons := consortia.byID["c1"]
	cons.ActivePipelineID = "p1"
	cons.MappedForRun = map[string]struct{}{"alice": {}, "bob": {}}

	pipeline := &domain.Pipeline{ID: "p1", ConsortiumID: "c1", Decentralized: true}

	if err := g.CheckStart(principal("alice"), cons, pipeline); err != nil {
		t.Fatalf("expected start allowed, got %v", err)
	}

	// Decentralized runs require the owner.
	err := g.CheckStart(principal("bob"), cons, pipeline)
	if reason, ok := domain.IsPrecondition(err); !ok || reason != domain.ReasonNotConsortiumMember {
		t.Fatalf("expected %s, got %v", domain.ReasonNotConsortiumMember, err)
	}

	// Local runs may be started by any member.
	local := &domain.Pipeline{ID: "p1", ConsortiumID: "c1", Decentralized: false}
	if err := g.CheckStart(principal("bob"), cons, local); err != nil {
		t.Fatalf("expected member to start local run, got %v", err)
	}

	// No active pipeline.
	cons.ActivePipelineID = ""
	err = g.CheckStart(principal("alice"), cons, pipeline)
	if reason, ok := domain.IsPrecondition(err); !ok || reason != domain.ReasonNoActivePipeline {
		t.Fatalf("expected %s, got %v", domain.ReasonNoActivePipeline, err)
	}
	cons.ActivePipelineID = "p1"

	// No active member with a fulfilled data mapping.
	cons.MappedForRun = map[string]struct{}{"carol": {}}
	err = g.CheckStart(principal("alice"), cons, pipeline)
	if reason, ok := domain.IsPrecondition(err); !ok || reason != domain.ReasonNoMappedMembers {
		t.Fatalf("expected %s, got %v", domain.ReasonNoMappedMembers, err)
	}
	cons.MappedForRun = map[string]struct{}{"alice": {}}

	// Decentralized with no second site.
	cons.ActiveMembers = map[string]string{"alice": "alice"}
	err = g.CheckStart(principal("alice"), cons, pipeline)
	if reason, ok := domain.IsPrecondition(err); !ok || reason != domain.ReasonNeedSecondMember {
		t.Fatalf("expected %s, got %v", domain.ReasonNeedSecondMember, err)
	}

	// A headless participant named in the pipeline satisfies the
	// second-site requirement.
	withVault := &domain.Pipeline{ID: "p1", ConsortiumID: "c1", Decentralized: true,
		HeadlessMembers: map[string]string{"vault-1": "vault"}}
	if err := g.CheckStart(principal("alice"), cons, withVault); err != nil {
		t.Fatalf("expected headless member to satisfy second site, got %v", err)
	}
}
