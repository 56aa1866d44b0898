// Package permission computes the effective capability set of a principal
// from its stored role and ACL data.
package permission

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/yourorg/fedcoord/internal/domain"
)

// ResourceTable identifies which scoped permission map a role lives in.
type ResourceTable string

const (
	TableConsortia    ResourceTable = "consortia"
	TablePipelines    ResourceTable = "pipelines"
	TableComputations ResourceTable = "computations"
)

var validTags = map[domain.RoleTag]struct{}{
	domain.RoleOwner:  {},
	domain.RoleMember: {},
	domain.RoleAuthor: {},
	domain.RoleData:   {},
}

var validTables = map[ResourceTable]struct{}{
	TableConsortia:    {},
	TablePipelines:    {},
	TableComputations: {},
}

// ParseRoleTag rejects role tags outside the closed set at the boundary, so
// arbitrary strings never reach the stored permission maps.
func ParseRoleTag(s string) (domain.RoleTag, error) {
	tag := domain.RoleTag(s)
	if _, ok := validTags[tag]; !ok {
		return "", fmt.Errorf("unrecognized role tag %q: %w", s, domain.ErrInvalidArgument)
	}
	return tag, nil
}

// ParseTable rejects unknown scoped-resource tables.
func ParseTable(s string) (ResourceTable, error) {
	table := ResourceTable(s)
	if _, ok := validTables[table]; !ok {
		return "", fmt.Errorf("unrecognized resource table %q: %w", s, domain.ErrInvalidArgument)
	}
	return table, nil
}

// Resolver answers capability questions about principals. It holds no state
// beyond a logger; every check reads the principal's stored permission set.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a permission resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// IsAdmin reports whether the principal holds the global admin role. Only
// user principals can be admins.
func (r *Resolver) IsAdmin(p *domain.Principal) bool {
	return p != nil && p.Kind == domain.PrincipalUser && p.User.Permissions.Roles.Admin
}

// IsAuthor reports author capability: the global author role, or admin.
func (r *Resolver) IsAuthor(p *domain.Principal) bool {
	if r.IsAdmin(p) {
		return true
	}
	return p != nil && p.Kind == domain.PrincipalUser && p.User.Permissions.Roles.Author
}

// HasScopedRole reports whether the permission set carries the tag for the
// resource. A missing key and an empty entry both mean no capability.
func (r *Resolver) HasScopedRole(perms domain.PermissionSet, table ResourceTable, docID string, tag domain.RoleTag) bool {
	var entry []domain.RoleTag
	switch table {
	case TableConsortia:
		entry = perms.Consortia[docID]
	case TablePipelines:
		entry = perms.Pipelines[docID]
	case TableComputations:
		entry = perms.Computations[docID]
	default:
		return false
	}
	return slices.Contains(entry, tag)
}

// CanManageResource is the general gate for mutating a scoped resource:
// admin, or an owner entry for that specific document.
func (r *Resolver) CanManageResource(p *domain.Principal, table ResourceTable, docID string) bool {
	if r.IsAdmin(p) {
		return true
	}
	if p == nil || p.Kind != domain.PrincipalUser {
		return false
	}
	return r.HasScopedRole(p.User.Permissions, table, docID, domain.RoleOwner)
}

// CanManageHeadlessClient gates headless-client updates: admin, or an owner
// entry for that specific client id.
func (r *Resolver) CanManageHeadlessClient(p *domain.Principal, clientID string) bool {
	if r.IsAdmin(p) {
		return true
	}
	if p == nil || p.Kind != domain.PrincipalUser {
		return false
	}
	_, ok := p.User.Permissions.HeadlessClients[clientID]
	return ok
}

// CheckGrant verifies that the actor may add or remove a scoped role on the
// document: owner of the document, or admin.
func (r *Resolver) CheckGrant(actor *domain.Principal, table ResourceTable, docID string) error {
	if r.CanManageResource(actor, table, docID) {
		return nil
	}
	r.logger.Warn("role grant denied",
		slog.String("actor", actor.ID()),
		slog.String("table", string(table)),
		slog.String("doc", docID),
	)
	return domain.ErrNotAuthorized
}

// CheckGlobalRoleChange enforces that a principal can never change its own
// global role: a sole admin cannot silently lock itself out, and escalation
// always involves a second, attributable actor.
func (r *Resolver) CheckGlobalRoleChange(actor *domain.Principal, targetUserID string) error {
	if !r.IsAdmin(actor) {
		return domain.ErrNotAuthorized
	}
	if actor.ID() == targetUserID {
		r.logger.Warn("self global-role change rejected",
			slog.String("actor", actor.ID()),
		)
		return domain.ErrNotAuthorized
	}
	return nil
}

// GrantScoped adds a role tag to the permission set, returning true if the
// set changed.
func GrantScoped(perms *domain.PermissionSet, table ResourceTable, docID string, tag domain.RoleTag) bool {
	m := scopedMap(perms, table)
	if m == nil {
		return false
	}
	if slices.Contains(m[docID], tag) {
		return false
	}
	m[docID] = append(m[docID], tag)
	return true
}

// RevokeScoped removes a role tag from the permission set, dropping the
// document entry entirely once its last tag is gone. Returns true if the
// set changed.
func RevokeScoped(perms *domain.PermissionSet, table ResourceTable, docID string, tag domain.RoleTag) bool {
	m := scopedMap(perms, table)
	if m == nil {
		return false
	}
	entry := m[docID]
	idx := slices.Index(entry, tag)
	if idx < 0 {
		return false
	}
	entry = slices.Delete(entry, idx, idx+1)
	if len(entry) == 0 {
		delete(m, docID)
	} else {
		m[docID] = entry
	}
	return true
}

func scopedMap(perms *domain.PermissionSet, table ResourceTable) map[string][]domain.RoleTag {
	switch table {
	case TableConsortia:
		if perms.Consortia == nil {
			perms.Consortia = map[string][]domain.RoleTag{}
		}
		return perms.Consortia
	case TablePipelines:
		if perms.Pipelines == nil {
			perms.Pipelines = map[string][]domain.RoleTag{}
		}
		return perms.Pipelines
	case TableComputations:
		if perms.Computations == nil {
			perms.Computations = map[string][]domain.RoleTag{}
		}
		return perms.Computations
	}
	return nil
}
