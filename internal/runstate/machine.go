// Package runstate tracks run lifecycles on one site and reconciles the
// local view against the server-asserted state pushed through the change
// fanout.
package runstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
)

// Notification is surfaced to the user exactly once, when a run the site
// participates in reaches a terminal state.
type Notification struct {
	RunID   string
	Status  domain.RunStatus
	Results json.RawMessage
	Error   string
}

// NotifyFunc receives terminal notifications. Called with the machine's
// mutex released.
type NotifyFunc func(Notification)

// Machine is the per-site replica of run state. It folds incoming change
// events into a local cache, keeps a client-local optimistic pipeline state
// alongside the authoritative remote one, and owns the explicit
// suspend/resume transitions.
type Machine struct {
	mu       sync.Mutex
	siteID   string
	runs     map[string]*domain.Run
	local    map[string]*domain.RemotePipelineState // optimistic, never shared
	notified map[string]struct{}
	mapped   map[string]bool // consortiumID -> data mapping fulfilled
	notify   NotifyFunc
	logger   *slog.Logger
}

// New creates a run state machine for one site. notify may be nil.
func New(siteID string, notify NotifyFunc, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		siteID:   siteID,
		runs:     map[string]*domain.Run{},
		local:    map[string]*domain.RemotePipelineState{},
		notified: map[string]struct{}{},
		mapped:   map[string]bool{},
		notify:   notify,
		logger:   logger,
	}
}

// ApplyEvent folds one change notification into the local cache: a new id
// appends, a known id replaces, a deletion removes. Events for other entity
// types are ignored.
func (m *Machine) ApplyEvent(ev fanout.Event) {
	if ev.Type != fanout.EntityRun {
		return
	}

	if ev.Deleted {
		m.mu.Lock()
		delete(m.runs, ev.EntityID)
		delete(m.local, ev.EntityID)
		delete(m.notified, ev.EntityID)
		m.mu.Unlock()
		return
	}

	run, ok := ev.Payload.(*domain.Run)
	if !ok || run == nil {
		m.logger.Warn("run event with unexpected payload",
			slog.String("run_id", ev.EntityID),
		)
		return
	}

	var pending *Notification

	// Cache a copy. The payload pointer is shared with every other
	// subscriber, and Suspend/Resume mutate the cached record in place.
	cached := *run

	m.mu.Lock()
	m.runs[run.ID] = &cached
	run = &cached

	// The server-asserted remote state supersedes whatever this site
	// computed optimistically.
	if run.RemoteState != nil && m.participating(run) {
		delete(m.local, run.ID)
	}

	// Reaching a terminal state is the sole trigger for a user-facing
	// notification, and it fires once per run.
	if run.Status.Terminal() && m.participating(run) {
		if _, seen := m.notified[run.ID]; !seen {
			m.notified[run.ID] = struct{}{}
			pending = &Notification{
				RunID:   run.ID,
				Status:  run.Status,
				Results: run.Results,
				Error:   run.Error,
			}
		}
	}
	m.mu.Unlock()

	if pending != nil && m.notify != nil {
		m.notify(*pending)
	}
}

func (m *Machine) participating(run *domain.Run) bool {
	_, ok := run.Clients[m.siteID]
	return ok
}

// Run returns the local view of one run.
func (m *Machine) Run(id string) (*domain.Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return run, ok
}

// Runs returns the local cache sorted by run id.
func (m *Machine) Runs() []*domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateLocalState records this site's optimistic pipeline state for a run.
// It is never shared with other sites.
func (m *Machine) UpdateLocalState(runID string, state domain.RemotePipelineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[runID] = &state
}

// ControllerState returns the state the UI should display: the
// server-asserted remote state when present, the local optimistic state
// otherwise.
func (m *Machine) ControllerState(runID string) (*domain.RemotePipelineState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if ok && run.RemoteState != nil {
		return run.RemoteState, true
	}
	if local, ok := m.local[runID]; ok {
		return local, true
	}
	return nil, false
}

// SetDataMapping records whether this site's data mapping for a consortium
// is fulfilled.
func (m *Machine) SetDataMapping(consortiumID string, complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapped[consortiumID] = complete
}

// ActivePipelineChanged invalidates the site's data mapping for a
// consortium. Suspended runs in that consortium cannot resume until the
// mapping is completed against the new pipeline.
func (m *Machine) ActivePipelineChanged(consortiumID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mapped, consortiumID)
}

// Suspend transitions a started run to suspended. There is no timeout-driven
// path here: suspension happens only through this explicit call.
func (m *Machine) Suspend(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	if run.Status != domain.RunStarted {
		return fmt.Errorf("run %s is %s, only started runs can be suspended", runID, run.Status)
	}
	run.Status = domain.RunSuspended
	return nil
}

// Resume hands a suspended run back to execution. It requires a completed
// data mapping for the run's consortium so a run whose pipeline changed
// under it never silently resumes against stale data.
func (m *Machine) Resume(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	if run.Status != domain.RunSuspended {
		return fmt.Errorf("run %s is %s, only suspended runs can be resumed", runID, run.Status)
	}
	if !m.mapped[run.ConsortiumID] {
		return domain.NewPreconditionError(domain.ReasonDataMappingIncomplete)
	}
	run.Status = domain.RunStarted
	return nil
}
