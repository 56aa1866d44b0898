package test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/guard"
	"github.com/yourorg/fedcoord/internal/runstate"
	"github.com/yourorg/fedcoord/internal/security/audit"
	"github.com/yourorg/fedcoord/internal/service"
)

// site bundles one participant's fanout subscription and run state machine,
// the way a connected client process would hold them.
type site struct {
	id            string
	machine       *runstate.Machine
	sub           *fanout.Subscription
	mu            sync.Mutex
	notifications []runstate.Notification
}

func newSite(id string, dispatcher *fanout.Dispatcher) *site {
	s := &site{id: id}
	s.machine = runstate.New(id, func(n runstate.Notification) {
		s.mu.Lock()
		s.notifications = append(s.notifications, n)
		s.mu.Unlock()
	}, nil)
	s.sub = dispatcher.Subscribe(fanout.EntityRun)
	return s
}

// pump drains pending events into the machine until the channel stays quiet.
func (s *site) pump(t *testing.T) {
	t.Helper()
	for {
		select {
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			s.machine.ApplyEvent(ev)
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

func (s *site) notificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

type memConsortia struct {
	mu   sync.Mutex
	data map[string]*domain.Consortium
}

func (m *memConsortia) Save(_ context.Context, c *domain.Consortium) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[c.ID] = c
	return nil
}

func (m *memConsortia) GetByID(_ context.Context, id string) (*domain.Consortium, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("consortium %s: %w", id, domain.ErrNotAuthorized)
	}
	return c, nil
}

func (m *memConsortia) Delete(_ context.Context, id string) (*domain.Consortium, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.data[id]
	delete(m.data, id)
	return c, nil
}

func (m *memConsortia) List(_ context.Context) ([]*domain.Consortium, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Consortium, 0, len(m.data))
	for _, c := range m.data {
		out = append(out, c)
	}
	return out, nil
}

type memPipelines struct {
	mu   sync.Mutex
	data map[string]*domain.Pipeline
}

func (m *memPipelines) Save(_ context.Context, p *domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[p.ID] = p
	return nil
}

func (m *memPipelines) GetByID(_ context.Context, id string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", id, domain.ErrNotAuthorized)
	}
	return p, nil
}

func (m *memPipelines) Delete(_ context.Context, id string) (*domain.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.data[id]
	delete(m.data, id)
	return p, nil
}

type memRuns struct {
	mu   sync.Mutex
	data map[string]*domain.Run
}

func (m *memRuns) Create(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[run.ID] = run
	return nil
}

func (m *memRuns) GetByID(_ context.Context, id string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotAuthorized)
	}
	return run, nil
}

func (m *memRuns) Update(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[run.ID] = run
	return nil
}

func (m *memRuns) ListByClient(_ context.Context, principalID string) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for _, r := range m.data {
		if _, ok := r.Clients[principalID]; ok {
			out = append(out, r)
			continue
		}
		if _, ok := r.Observers[principalID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.data {
		if !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

type recordingOrchestrator struct {
	started []string
	stopped []string
}

func (o *recordingOrchestrator) StartRun(_ context.Context, run *domain.Run) error {
	o.started = append(o.started, run.ID)
	return nil
}

func (o *recordingOrchestrator) StopRun(_ context.Context, runID string) error {
	o.stopped = append(o.stopped, runID)
	return nil
}

// TestRunLifecycleAcrossSites drives a full run through the server services
// while two participating sites follow along over the change fanout: create,
// remote state convergence, completion, single terminal notification each.
func TestRunLifecycleAcrossSites(t *testing.T) {
	dispatcher := fanout.NewDispatcher(64, nil)

	consortia := &memConsortia{data: map[string]*domain.Consortium{}}
	pipelines := &memPipelines{data: map[string]*domain.Pipeline{}}
	runs := &memRuns{data: map[string]*domain.Run{}}
	orchestrator := &recordingOrchestrator{}

	ctx := context.Background()
	pipelines.Save(ctx, &domain.Pipeline{
		ID:            "pipe-1",
		Name:          "fmri-preprocess",
		ConsortiumID:  "cons-1",
		Decentralized: true,
	})
	consortia.Save(ctx, &domain.Consortium{
		ID:               "cons-1",
		Name:             "neuro",
		Owners:           map[string]string{"owner-a": "alice"},
		Members:          map[string]string{"owner-a": "alice", "member-b": "bob", "member-c": "carol"},
		ActiveMembers:    map[string]string{"owner-a": "alice", "member-b": "bob"},
		ActivePipelineID: "pipe-1",
		MappedForRun:     map[string]struct{}{"owner-a": {}, "member-b": {}},
	})

	accessGuard := guard.NewRunAccessGuard(runs, consortia, nil)
	runService := service.NewRunService(runs, consortia, pipelines, accessGuard,
		orchestrator, dispatcher, audit.NewLogger(nil), nil)

	siteA := newSite("owner-a", dispatcher)
	defer siteA.sub.Close()
	siteB := newSite("member-b", dispatcher)
	defer siteB.sub.Close()

	owner := &domain.Principal{
		Kind: domain.PrincipalUser,
		User: &domain.User{ID: "owner-a", Username: "alice", Permissions: domain.NewPermissionSet()},
	}

	run, err := runService.CreateRun(ctx, owner, "cons-1")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if len(orchestrator.started) != 1 {
		t.Fatalf("expected one orchestrator start, got %d", len(orchestrator.started))
	}

	siteA.pump(t)
	siteB.pump(t)

	for _, s := range []*site{siteA, siteB} {
		local, ok := s.machine.Run(run.ID)
		if !ok {
			t.Fatalf("site %s never received the run", s.id)
		}
		if local.Status != domain.RunStarted {
			t.Fatalf("site %s sees status %s, want started", s.id, local.Status)
		}
		if len(local.Clients) != 2 {
			t.Fatalf("site %s sees %d clients, want 2", s.id, len(local.Clients))
		}
		if _, observing := local.Observers["member-c"]; !observing {
			t.Errorf("site %s: unmapped member should be an observer", s.id)
		}
	}

	// Site A computes an optimistic local state before the server asserts one.
	siteA.machine.UpdateLocalState(run.ID, domain.RemotePipelineState{
		ControllerState: "local step 1", CurrentIteration: 1,
	})

	_, err = runService.UpdateRemoteState(ctx, run.ID, domain.RemotePipelineState{
		ControllerState:  "waiting on local users",
		CurrentIteration: 2,
		WaitingOn:        []string{"member-b"},
	})
	if err != nil {
		t.Fatalf("UpdateRemoteState failed: %v", err)
	}

	siteA.pump(t)
	siteB.pump(t)

	stateA, okA := siteA.machine.ControllerState(run.ID)
	stateB, okB := siteB.machine.ControllerState(run.ID)
	if !okA || !okB {
		t.Fatal("both sites should have a controller state")
	}
	if stateA.ControllerState != stateB.ControllerState || stateA.CurrentIteration != stateB.CurrentIteration {
		t.Fatalf("sites diverged: %+v vs %+v", stateA, stateB)
	}
	if stateA.ControllerState != "waiting on local users" {
		t.Fatalf("server state should supersede the optimistic one, got %q", stateA.ControllerState)
	}

	results := json.RawMessage(`{"beta":[0.12,0.87]}`)
	if _, err := runService.SaveResults(ctx, run.ID, results); err != nil {
		t.Fatalf("SaveResults failed: %v", err)
	}

	// A late duplicate of the terminal event must not notify twice.
	final, _ := runs.GetByID(ctx, run.ID)
	dispatcher.Publish(fanout.EntityRun, run.ID, final)

	siteA.pump(t)
	siteB.pump(t)

	for _, s := range []*site{siteA, siteB} {
		if got := s.notificationCount(); got != 1 {
			t.Fatalf("site %s got %d terminal notifications, want exactly 1", s.id, got)
		}
		s.mu.Lock()
		n := s.notifications[0]
		s.mu.Unlock()
		if n.Status != domain.RunComplete {
			t.Errorf("site %s notified with status %s, want complete", s.id, n.Status)
		}
		if string(n.Results) != string(results) {
			t.Errorf("site %s notification carries wrong results: %s", s.id, n.Results)
		}
	}
}

// TestObserverDoesNotNotify verifies a non-participating member follows the
// run without ever receiving a completion notification.
func TestObserverDoesNotNotify(t *testing.T) {
	dispatcher := fanout.NewDispatcher(64, nil)

	observer := newSite("member-c", dispatcher)
	defer observer.sub.Close()

	run := &domain.Run{
		ID:           "run-1",
		ConsortiumID: "cons-1",
		Clients:      map[string]string{"owner-a": "alice", "member-b": "bob"},
		Observers:    map[string]struct{}{"member-c": {}},
		Status:       domain.RunComplete,
	}
	dispatcher.Publish(fanout.EntityRun, run.ID, run)
	observer.pump(t)

	if _, ok := observer.machine.Run("run-1"); !ok {
		t.Fatal("observer should still cache the run")
	}
	if got := observer.notificationCount(); got != 0 {
		t.Fatalf("observer received %d notifications, want 0", got)
	}
}
