package domain

import (
	"context"
	"time"
)

// Consortium groups the sites that participate in shared pipelines. Active
// members are the subset of members (plus any headless participants named in
// the active pipeline) currently opted in to runs.
type Consortium struct {
	ID               string
	Name             string
	Description      string
	Owners           map[string]string // userId -> username
	Members          map[string]string
	ActiveMembers    map[string]string
	ActivePipelineID string
	MappedForRun     map[string]struct{} // member ids with a fulfilled data mapping
	IsPrivate        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasParticipant reports whether the id appears among owners, members or
// active members. Used by the download guard.
func (c *Consortium) HasParticipant(id string) bool {
	if _, ok := c.Owners[id]; ok {
		return true
	}
	if _, ok := c.Members[id]; ok {
		return true
	}
	_, ok := c.ActiveMembers[id]
	return ok
}

// Pipeline is the minimal pipeline view this layer needs: identity, whether
// any step runs decentralized, and which headless clients participate.
// Step internals belong to the execution layer.
type Pipeline struct {
	ID              string
	Name            string
	ConsortiumID    string
	Decentralized   bool
	HeadlessMembers map[string]string // headlessClientId -> name
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ConsortiumRepository defines data access for consortia.
type ConsortiumRepository interface {
	Save(ctx context.Context, consortium *Consortium) error
	GetByID(ctx context.Context, id string) (*Consortium, error)
	Delete(ctx context.Context, id string) (*Consortium, error)
	List(ctx context.Context) ([]*Consortium, error)
}

// PipelineRepository defines data access for pipelines.
type PipelineRepository interface {
	Save(ctx context.Context, pipeline *Pipeline) error
	GetByID(ctx context.Context, id string) (*Pipeline, error)
	Delete(ctx context.Context, id string) (*Pipeline, error)
}
