package domain

import (
	"context"
	"encoding/json"
	"time"
)

// RunStatus is the shared lifecycle state of a run. Complete and error are
// terminal; suspended is resumable back to started.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunSuspended RunStatus = "suspended"
	RunComplete  RunStatus = "complete"
	RunError     RunStatus = "error"
)

// Terminal reports whether the status can never change again.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunError
}

// RunType distinguishes runs whose steps need coordinated multi-site
// participation from single-site local runs.
type RunType string

const (
	RunDecentralized RunType = "decentralized"
	RunLocal         RunType = "local"
)

// RemotePipelineState is the server-authoritative aggregate state pushed to
// every participating site.
type RemotePipelineState struct {
	ControllerState  string   `json:"controllerState"`
	CurrentIteration int      `json:"currentIteration"`
	WaitingOn        []string `json:"waitingOn"`
}

// Run is one execution instance of a pipeline across a consortium's active
// members. Clients maps participating principal ids to display names; only
// those principals may upload artifacts.
type Run struct {
	ID               string
	ConsortiumID     string
	PipelineSnapshot *Pipeline
	Type             RunType
	Clients          map[string]string
	Observers        map[string]struct{}
	Status           RunStatus
	RemoteState      *RemotePipelineState
	Results          json.RawMessage
	Error            string
	StartDate        time.Time
	EndDate          time.Time
}

// RunRepository defines data access for runs.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	GetByID(ctx context.Context, id string) (*Run, error)
	Update(ctx context.Context, run *Run) error
	ListByClient(ctx context.Context, principalID string) ([]*Run, error)
	CountActive(ctx context.Context) (int, error)
}
