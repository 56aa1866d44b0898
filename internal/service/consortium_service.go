package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/security/permission"
	"github.com/yourorg/fedcoord/pkg/cache"
)

// ConsortiumService manages consortium membership and the active pipeline
// selection runs start from.
type ConsortiumService struct {
	consortia  domain.ConsortiumRepository
	pipelines  domain.PipelineRepository
	users      domain.UserRepository
	resolver   *permission.Resolver
	dispatcher *fanout.Dispatcher
	principals *cache.Cache
	logger     *slog.Logger
}

// NewConsortiumService creates a new consortium service
func NewConsortiumService(
	consortia domain.ConsortiumRepository,
	pipelines domain.PipelineRepository,
	users domain.UserRepository,
	resolver *permission.Resolver,
	dispatcher *fanout.Dispatcher,
	principals *cache.Cache,
	logger *slog.Logger,
) *ConsortiumService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsortiumService{
		consortia:  consortia,
		pipelines:  pipelines,
		users:      users,
		resolver:   resolver,
		dispatcher: dispatcher,
		principals: principals,
		logger:     logger,
	}
}

// Create registers a consortium with the creator as its first owner and
// member, mirrored into the creator's permission set.
func (s *ConsortiumService) Create(ctx context.Context, actor *domain.Principal, name, description string, isPrivate bool) (*domain.Consortium, error) {
	if actor == nil || actor.Kind != domain.PrincipalUser {
		return nil, domain.ErrNotAuthorized
	}
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrInvalidArgument)
	}

	c := &domain.Consortium{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   description,
		Owners:        map[string]string{actor.ID(): actor.DisplayName()},
		Members:       map[string]string{actor.ID(): actor.DisplayName()},
		ActiveMembers: map[string]string{},
		MappedForRun:  map[string]struct{}{},
		IsPrivate:     isPrivate,
	}
	if err := s.consortia.Save(ctx, c); err != nil {
		return nil, err
	}

	s.grantRoles(ctx, actor.ID(), c.ID, domain.RoleOwner, domain.RoleMember)
	s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// Update replaces name, description and privacy. Owner or admin.
func (s *ConsortiumService) Update(ctx context.Context, actor *domain.Principal, consortiumID, name, description string, isPrivate bool) (*domain.Consortium, error) {
	if !s.resolver.CanManageResource(actor, permission.TableConsortia, consortiumID) {
		return nil, domain.ErrNotAuthorized
	}

	c, err := s.consortia.GetByID(ctx, consortiumID)
	if err != nil || c == nil {
		return nil, domain.ErrNotAuthorized
	}

	if name != "" {
		c.Name = name
	}
	c.Description = description
	c.IsPrivate = isPrivate
	if err := s.consortia.Save(ctx, c); err != nil {
		return nil, err
	}

	s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// Join adds the caller as a member.
func (s *ConsortiumService) Join(ctx context.Context, actor *domain.Principal, consortiumID string) (*domain.Consortium, error) {
	if actor == nil || actor.Kind != domain.PrincipalUser {
		return nil, domain.ErrNotAuthorized
	}

	c, err := s.consortia.GetByID(ctx, consortiumID)
	if err != nil || c == nil {
		return nil, domain.ErrNotAuthorized
	}
	if c.IsPrivate {
		return nil, domain.ErrNotAuthorized
	}

	c.Members[actor.ID()] = actor.DisplayName()
	if err := s.consortia.Save(ctx, c); err != nil {
		return nil, err
	}

	s.grantRoles(ctx, actor.ID(), c.ID, domain.RoleMember)
	s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// Leave removes the caller's membership, active status and data mapping.
// The last owner cannot leave.
func (s *ConsortiumService) Leave(ctx context.Context, actor *domain.Principal, consortiumID string) (*domain.Consortium, error) {
	if actor == nil || actor.Kind != domain.PrincipalUser {
		return nil, domain.ErrNotAuthorized
	}

	c, err := s.consortia.GetByID(ctx, consortiumID)
	if err != nil || c == nil {
		return nil, domain.ErrNotAuthorized
	}

	id := actor.ID()
	if _, isOwner := c.Owners[id]; isOwner && len(c.Owners) == 1 {
		return nil, fmt.Errorf("sole owner cannot leave consortium: %w", domain.ErrInvalidArgument)
	}

	delete(c.Owners, id)
	delete(c.Members, id)
	delete(c.ActiveMembers, id)
	delete(c.MappedForRun, id)
	if err := s.consortia.Save(ctx, c); err != nil {
		return nil, err
	}

	s.revokeAllRoles(ctx, id, c.ID)
	s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// SetActive toggles the caller's opt-in to runs. Deactivating also drops the
// member's data mapping.
func (s *ConsortiumService) SetActive(ctx context.Context, actor *domain.Principal, consortiumID string, active bool) (*domain.Consortium, error) {
	c, err := s.consortia.GetByID(ctx, consortiumID)
	if err != nil || c == nil {
		return nil, domain.ErrNotAuthorized
	}

	id := actor.ID()
	if !c.HasParticipant(id) {
		return nil, domain.ErrNotAuthorized
	}

	if active {
		c.ActiveMembers[id] = actor.DisplayName()
	} else {
		delete(c.ActiveMembers, id)
		delete(c.MappedForRun, id)
	}
	if err := s.consortia.Save(ctx, c); err != nil {
		return nil, err
	}

	s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// SetDataMapping records whether the member's local data mapping satisfies
// the active pipeline's inputs.
func (s *ConsortiumService) SetDataMapping(ctx context.Context, actor *domain.Principal, consortiumID string, complete bool) (*domain.Consortium, error) {
	c, err := s.consortia.GetByID(ctx, consortiumID)
	if err != nil || c == nil {
		return nil, domain.ErrNotAuthorized
	}

	id := actor.ID()
	if !c.HasParticipant(id) {
		return nil, domain.ErrNotAuthorized
	}

	if complete {
		c.MappedForRun[id] = struct{}{}
	} else {
		delete(c.MappedForRun, id)
	}
	if err := s.consortia.Save(ctx, c); err != nil {
		return nil, err
	}

	s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// SetActivePipeline selects the pipeline runs start from. Changing it
// invalidates every member's data mapping: inputs may differ.
func (s *ConsortiumService) SetActivePipeline(ctx context.Context, actor *domain.Principal, consortiumID, pipelineID string) (*domain.Consortium, error) {
	if !s.resolver.CanManageResource(actor, permission.TableConsortia, consortiumID) {
		return nil, domain.ErrNotAuthorized
	}

	c, err := s.consortia.GetByID(ctx, consortiumID)
	if err != nil || c == nil {
		return nil, domain.ErrNotAuthorized
	}

	if pipelineID != "" {
		pipe, err := s.pipelines.GetByID(ctx, pipelineID)
		if err != nil || pipe == nil || pipe.ConsortiumID != consortiumID {
			return nil, fmt.Errorf("pipeline does not belong to consortium: %w", domain.ErrInvalidArgument)
		}
	}

	c.ActivePipelineID = pipelineID
	c.MappedForRun = map[string]struct{}{}
	if err := s.consortia.Save(ctx, c); err != nil {
		return nil, err
	}

	s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// SavePipeline creates or updates a pipeline in a consortium the caller
// participates in. A creator gets the pipeline owner role. Updating the
// consortium's active pipeline invalidates every member's data mapping.
func (s *ConsortiumService) SavePipeline(ctx context.Context, actor *domain.Principal, pipe *domain.Pipeline) (*domain.Pipeline, error) {
	if actor == nil || actor.Kind != domain.PrincipalUser {
		return nil, domain.ErrNotAuthorized
	}
	if pipe.Name == "" || pipe.ConsortiumID == "" {
		return nil, fmt.Errorf("pipeline name and consortium are required: %w", domain.ErrInvalidArgument)
	}

	c, err := s.consortia.GetByID(ctx, pipe.ConsortiumID)
	if err != nil || c == nil {
		return nil, domain.ErrNotAuthorized
	}
	if !c.HasParticipant(actor.ID()) && !s.resolver.IsAdmin(actor) {
		return nil, domain.ErrNotAuthorized
	}

	creating := pipe.ID == ""
	if creating {
		pipe.ID = uuid.New().String()
	} else {
		existing, err := s.pipelines.GetByID(ctx, pipe.ID)
		if err != nil || existing == nil {
			return nil, domain.ErrNotAuthorized
		}
		if existing.ConsortiumID != pipe.ConsortiumID {
			return nil, fmt.Errorf("pipeline cannot move between consortia: %w", domain.ErrInvalidArgument)
		}
	}
	if pipe.HeadlessMembers == nil {
		pipe.HeadlessMembers = map[string]string{}
	}
	if err := s.pipelines.Save(ctx, pipe); err != nil {
		return nil, err
	}

	if creating {
		s.grantPipelineRole(ctx, actor.ID(), pipe.ID, domain.RoleOwner)
	} else if c.ActivePipelineID == pipe.ID {
		c.MappedForRun = map[string]struct{}{}
		if err := s.consortia.Save(ctx, c); err != nil {
			return nil, err
		}
		s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	}

	s.dispatcher.Publish(fanout.EntityPipeline, pipe.ID, pipe)
	return pipe, nil
}

// DeletePipeline removes a pipeline. Pipeline owner or admin. Deleting the
// active pipeline clears the consortium's selection and data mappings.
func (s *ConsortiumService) DeletePipeline(ctx context.Context, actor *domain.Principal, pipelineID string) (*domain.Pipeline, error) {
	if !s.resolver.CanManageResource(actor, permission.TablePipelines, pipelineID) {
		return nil, domain.ErrNotAuthorized
	}

	pipe, err := s.pipelines.Delete(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	c, err := s.consortia.GetByID(ctx, pipe.ConsortiumID)
	if err == nil && c != nil && c.ActivePipelineID == pipelineID {
		c.ActivePipelineID = ""
		c.MappedForRun = map[string]struct{}{}
		if err := s.consortia.Save(ctx, c); err != nil {
			return nil, err
		}
		s.dispatcher.Publish(fanout.EntityConsortium, c.ID, c)
	}

	s.dispatcher.PublishDeleted(fanout.EntityPipeline, pipe.ID, pipe)
	return pipe, nil
}

func (s *ConsortiumService) grantPipelineRole(ctx context.Context, userID, pipelineID string, tag domain.RoleTag) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		return
	}
	if !permission.GrantScoped(&user.Permissions, permission.TablePipelines, pipelineID, tag) {
		return
	}
	updated, err := s.users.UpdatePermissions(ctx, userID, user.Permissions)
	if err != nil {
		s.logger.Error("failed to grant pipeline role",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.principals.Invalidate("principal:" + userID)
	s.dispatcher.Publish(fanout.EntityUser, userID, updated)
}

// Delete removes a consortium, cascading role removal for every participant.
// Owner or admin.
func (s *ConsortiumService) Delete(ctx context.Context, actor *domain.Principal, consortiumID string) (*domain.Consortium, error) {
	if !s.resolver.CanManageResource(actor, permission.TableConsortia, consortiumID) {
		return nil, domain.ErrNotAuthorized
	}

	c, err := s.consortia.Delete(ctx, consortiumID)
	if err != nil {
		return nil, err
	}

	for id := range c.Members {
		s.revokeAllRoles(ctx, id, c.ID)
	}
	for id := range c.Owners {
		s.revokeAllRoles(ctx, id, c.ID)
	}

	s.dispatcher.PublishDeleted(fanout.EntityConsortium, c.ID, c)
	return c, nil
}

// List returns the consortia visible to the caller: everything public plus
// private ones the caller participates in.
func (s *ConsortiumService) List(ctx context.Context, actor *domain.Principal) ([]*domain.Consortium, error) {
	all, err := s.consortia.List(ctx)
	if err != nil {
		return nil, err
	}
	if s.resolver.IsAdmin(actor) {
		return all, nil
	}

	var visible []*domain.Consortium
	for _, c := range all {
		if !c.IsPrivate || (actor != nil && c.HasParticipant(actor.ID())) {
			visible = append(visible, c)
		}
	}
	return visible, nil
}

func (s *ConsortiumService) grantRoles(ctx context.Context, userID, consortiumID string, tags ...domain.RoleTag) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		return
	}
	changed := false
	for _, tag := range tags {
		if permission.GrantScoped(&user.Permissions, permission.TableConsortia, consortiumID, tag) {
			changed = true
		}
	}
	if !changed {
		return
	}
	updated, err := s.users.UpdatePermissions(ctx, userID, user.Permissions)
	if err != nil {
		s.logger.Error("failed to grant consortium roles",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.principals.Invalidate("principal:" + userID)
	s.dispatcher.Publish(fanout.EntityUser, userID, updated)
}

func (s *ConsortiumService) revokeAllRoles(ctx context.Context, userID, consortiumID string) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil || user == nil {
		return
	}
	if _, ok := user.Permissions.Consortia[consortiumID]; !ok {
		return
	}
	delete(user.Permissions.Consortia, consortiumID)
	updated, err := s.users.UpdatePermissions(ctx, userID, user.Permissions)
	if err != nil {
		s.logger.Error("failed to revoke consortium roles",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.principals.Invalidate("principal:" + userID)
	s.dispatcher.Publish(fanout.EntityUser, userID, updated)
}
