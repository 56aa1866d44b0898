package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/security/audit"
	"github.com/yourorg/fedcoord/internal/security/permission"
	"github.com/yourorg/fedcoord/pkg/cache"
)

// UserService manages user role grants. Permission mutations always flow
// through here so cache invalidation and change fanout stay paired with the
// write.
type UserService struct {
	users      domain.UserRepository
	resolver   *permission.Resolver
	dispatcher *fanout.Dispatcher
	principals *cache.Cache
	audit      *audit.Logger
	logger     *slog.Logger
}

// NewUserService creates a new user service
func NewUserService(
	users domain.UserRepository,
	resolver *permission.Resolver,
	dispatcher *fanout.Dispatcher,
	principals *cache.Cache,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{
		users:      users,
		resolver:   resolver,
		dispatcher: dispatcher,
		principals: principals,
		audit:      auditLog,
		logger:     logger,
	}
}

// AddRole grants a scoped role on a resource to a user. The actor must own
// the resource or be admin.
func (s *UserService) AddRole(ctx context.Context, actor *domain.Principal, targetUserID, table, docID, role string) (*domain.User, error) {
	resTable, err := permission.ParseTable(table)
	if err != nil {
		return nil, err
	}
	tag, err := permission.ParseRoleTag(role)
	if err != nil {
		return nil, err
	}

	if err := s.resolver.CheckGrant(actor, resTable, docID); err != nil {
		s.audit.LogRoleChange(ctx, actor.ID(), targetUserID, role, "denied")
		return nil, err
	}

	user, err := s.users.GetByID(ctx, targetUserID)
	if err != nil || user == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrInvalidArgument)
	}

	if !permission.GrantScoped(&user.Permissions, resTable, docID, tag) {
		return user, nil
	}

	updated, err := s.users.UpdatePermissions(ctx, targetUserID, user.Permissions)
	if err != nil {
		return nil, fmt.Errorf("failed to grant role: %w", err)
	}

	s.afterPermissionChange(ctx, actor, updated, role, "granted")
	return updated, nil
}

// RemoveRole revokes a scoped role. Same gate as AddRole.
func (s *UserService) RemoveRole(ctx context.Context, actor *domain.Principal, targetUserID, table, docID, role string) (*domain.User, error) {
	resTable, err := permission.ParseTable(table)
	if err != nil {
		return nil, err
	}
	tag, err := permission.ParseRoleTag(role)
	if err != nil {
		return nil, err
	}

	if err := s.resolver.CheckGrant(actor, resTable, docID); err != nil {
		s.audit.LogRoleChange(ctx, actor.ID(), targetUserID, role, "denied")
		return nil, err
	}

	user, err := s.users.GetByID(ctx, targetUserID)
	if err != nil || user == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrInvalidArgument)
	}

	if !permission.RevokeScoped(&user.Permissions, resTable, docID, tag) {
		return user, nil
	}

	updated, err := s.users.UpdatePermissions(ctx, targetUserID, user.Permissions)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke role: %w", err)
	}

	s.afterPermissionChange(ctx, actor, updated, role, "revoked")
	return updated, nil
}

// SetGlobalRole toggles the admin or author flag on a user. Only admins may
// do this, and never on themselves.
func (s *UserService) SetGlobalRole(ctx context.Context, actor *domain.Principal, targetUserID, role string, enabled bool) (*domain.User, error) {
	if role != "admin" && role != "author" {
		return nil, fmt.Errorf("unrecognized global role %q: %w", role, domain.ErrInvalidArgument)
	}

	if err := s.resolver.CheckGlobalRoleChange(actor, targetUserID); err != nil {
		s.audit.LogRoleChange(ctx, actor.ID(), targetUserID, role, "denied")
		return nil, err
	}

	user, err := s.users.GetByID(ctx, targetUserID)
	if err != nil || user == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrInvalidArgument)
	}

	switch role {
	case "admin":
		user.Permissions.Roles.Admin = enabled
	case "author":
		user.Permissions.Roles.Author = enabled
	}

	updated, err := s.users.UpdatePermissions(ctx, targetUserID, user.Permissions)
	if err != nil {
		return nil, fmt.Errorf("failed to change global role: %w", err)
	}

	status := "revoked"
	if enabled {
		status = "granted"
	}
	s.afterPermissionChange(ctx, actor, updated, role, status)
	return updated, nil
}

// List returns all users, admin only.
func (s *UserService) List(ctx context.Context, actor *domain.Principal) ([]*domain.User, error) {
	if !s.resolver.IsAdmin(actor) {
		return nil, domain.ErrNotAuthorized
	}
	return s.users.List(ctx)
}

func (s *UserService) afterPermissionChange(ctx context.Context, actor *domain.Principal, user *domain.User, role, status string) {
	s.principals.Invalidate("principal:" + user.ID)
	s.dispatcher.Publish(fanout.EntityUser, user.ID, user)
	s.audit.LogRoleChange(ctx, actor.ID(), user.ID, role, status)
}
