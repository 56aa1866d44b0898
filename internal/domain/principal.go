package domain

import (
	"context"
	"time"
)

// RoleTag is a resource-scoped role drawn from a closed set. Unrecognized
// tags are rejected at the boundary rather than stored.
type RoleTag string

const (
	RoleOwner  RoleTag = "owner"
	RoleMember RoleTag = "member"
	RoleAuthor RoleTag = "author"
	RoleData   RoleTag = "data"
)

// GlobalRoles are the coarse roles that apply everywhere. Admin implies
// author-level and consortium-owner-level capability for every gated action.
type GlobalRoles struct {
	Admin  bool `json:"admin"`
	Author bool `json:"author"`
}

// PermissionSet is the stored ACL data a principal's capability set is
// resolved from. Scoped maps key resource ids to role tags; a missing key and
// an empty tag list both mean "no capability".
type PermissionSet struct {
	Roles           GlobalRoles                  `json:"roles"`
	Consortia       map[string][]RoleTag         `json:"consortia"`
	Pipelines       map[string][]RoleTag         `json:"pipelines"`
	Computations    map[string][]RoleTag         `json:"computations"`
	HeadlessClients map[string]RoleTag           `json:"headlessClients"`
}

// NewPermissionSet returns an empty permission set with all maps allocated,
// the shape stored for a freshly created user.
func NewPermissionSet() PermissionSet {
	return PermissionSet{
		Consortia:       map[string][]RoleTag{},
		Pipelines:       map[string][]RoleTag{},
		Computations:    map[string][]RoleTag{},
		HeadlessClients: map[string]RoleTag{},
	}
}

// User is an interactive principal authenticated by password.
type User struct {
	ID                string            // unique, doubles as the token subject
	Username          string            // unique
	Email             string            // unique
	PasswordBlob      string            // packed credential blob, never returned to clients
	PasswordChangedAt time.Time
	Permissions       PermissionSet
	ConsortiaStatuses map[string]string // consortiumId -> free-form member status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HeadlessClient is an unattended vault principal authenticated by API key.
type HeadlessClient struct {
	ID                   string
	Name                 string             // unique
	APIKeyBlob           string             // packed credential blob of the key, empty until generated
	HasAPIKey            bool
	ComputationWhitelist map[string]struct{} // computation ids this client may run
	Owners               map[string]string   // userId -> username
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PrincipalKind discriminates the two principal variants.
type PrincipalKind string

const (
	PrincipalUser     PrincipalKind = "user"
	PrincipalHeadless PrincipalKind = "headless"
)

// Principal is the resolved identity behind a verified bearer token. It is
// resolved once after token verification and passed as one typed value, so
// call sites never re-discriminate against the claim shape.
type Principal struct {
	Kind     PrincipalKind
	User     *User
	Headless *HeadlessClient
}

// ID returns the persisted id of whichever variant is set.
func (p *Principal) ID() string {
	switch p.Kind {
	case PrincipalUser:
		return p.User.ID
	case PrincipalHeadless:
		return p.Headless.ID
	}
	return ""
}

// DisplayName returns the human-facing name of the principal.
func (p *Principal) DisplayName() string {
	switch p.Kind {
	case PrincipalUser:
		return p.User.Username
	case PrincipalHeadless:
		return p.Headless.Name
	}
	return ""
}

// PermissionsOf returns the stored permission set for a user principal.
// Headless principals carry no ACL data; their capability is membership in
// run client maps plus the computation whitelist.
func (p *Principal) PermissionsOf() PermissionSet {
	if p.Kind == PrincipalUser {
		return p.User.Permissions
	}
	return NewPermissionSet()
}

// UserRepository defines data access for users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, user *User) error
	UpdatePermissions(ctx context.Context, id string, perms PermissionSet) (*User, error)
	List(ctx context.Context) ([]*User, error)
}

// HeadlessClientRepository defines data access for headless clients.
type HeadlessClientRepository interface {
	Create(ctx context.Context, client *HeadlessClient) error
	GetByID(ctx context.Context, id string) (*HeadlessClient, error)
	GetByName(ctx context.Context, name string) (*HeadlessClient, error)
	Update(ctx context.Context, client *HeadlessClient) error
	Delete(ctx context.Context, id string) (*HeadlessClient, error)
	List(ctx context.Context) ([]*HeadlessClient, error)
}
