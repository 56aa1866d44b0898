package permission

import (
	"testing"

	"github.com/yourorg/fedcoord/internal/domain"
)

func userPrincipal(id string, perms domain.PermissionSet) *domain.Principal {
	return &domain.Principal{
		Kind: domain.PrincipalUser,
		User: &domain.User{ID: id, Username: id, Permissions: perms},
	}
}

func TestParseRoleTag(t *testing.T) {
	for _, valid := range []string{"owner", "member", "author", "data"} {
		if _, err := ParseRoleTag(valid); err != nil {
			t.Fatalf("expected %q to parse: %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "superuser", "OWNER", "owner "} {
		if _, err := ParseRoleTag(invalid); err == nil {
			t.Fatalf("expected %q to be rejected", invalid)
		}
	}
}

func TestAdminImpliesEverything(t *testing.T) {
	r := NewResolver(nil)
	perms := domain.NewPermissionSet()
	perms.Roles.Admin = true
	admin := userPrincipal("root", perms)

	if !r.IsAuthor(admin) {
		t.Fatalf("expected admin to imply author")
	}
	if !r.CanManageResource(admin, TableConsortia, "c1") {
		t.Fatalf("expected admin to manage any consortium")
	}
	if !r.CanManageHeadlessClient(admin, "hc1") {
		t.Fatalf("expected admin to manage any headless client")
	}
}

func TestScopedRoleChecks(t *testing.T) {
	r := NewResolver(nil)
	perms := domain.NewPermissionSet()
	perms.Consortia["c1"] = []domain.RoleTag{domain.RoleOwner, domain.RoleMember}
	perms.Consortia["c2"] = []domain.RoleTag{} // explicit empty entry
	p := userPrincipal("alice", perms)

	if !r.HasScopedRole(perms, TableConsortia, "c1", domain.RoleOwner) {
		t.Fatalf("expected owner role on c1")
	}
	// Missing key and explicit empty entry are both "no capability".
	if r.HasScopedRole(perms, TableConsortia, "c2", domain.RoleMember) {
		t.Fatalf("expected empty entry to grant nothing")
	}
	if r.HasScopedRole(perms, TableConsortia, "c3", domain.RoleMember) {
		t.Fatalf("expected missing entry to grant nothing")
	}

	if !r.CanManageResource(p, TableConsortia, "c1") {
		t.Fatalf("expected owner to manage c1")
	}
	if r.CanManageResource(p, TableConsortia, "c3") {
		t.Fatalf("expected no capability on c3")
	}
	if err := r.CheckGrant(p, TableConsortia, "c1"); err != nil {
		t.Fatalf("expected owner grant check to pass: %v", err)
	}
	if err := r.CheckGrant(p, TableConsortia, "c3"); err != domain.ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestHeadlessClientOwnerEntry(t *testing.T) {
	r := NewResolver(nil)
	perms := domain.NewPermissionSet()
	perms.HeadlessClients["hc1"] = domain.RoleOwner
	p := userPrincipal("alice", perms)

	if !r.CanManageHeadlessClient(p, "hc1") {
		t.Fatalf("expected owner entry to allow managing hc1")
	}
	if r.CanManageHeadlessClient(p, "hc2") {
		t.Fatalf("expected no capability on hc2")
	}
}

func TestSelfGlobalRoleChangeRejected(t *testing.T) {
	r := NewResolver(nil)
	adminPerms := domain.NewPermissionSet()
	adminPerms.Roles.Admin = true
	admin := userPrincipal("root", adminPerms)

	// Admins can change other users' global roles.
	if err := r.CheckGlobalRoleChange(admin, "alice"); err != nil {
		t.Fatalf("expected admin to change another user's role: %v", err)
	}
	// Never their own, regardless of held roles.
	if err := r.CheckGlobalRoleChange(admin, "root"); err != domain.ErrNotAuthorized {
		t.Fatalf("expected self-change to be rejected, got %v", err)
	}
	// Non-admins cannot touch global roles at all.
	plain := userPrincipal("bob", domain.NewPermissionSet())
	if err := r.CheckGlobalRoleChange(plain, "alice"); err != domain.ErrNotAuthorized {
		t.Fatalf("expected non-admin to be rejected, got %v", err)
	}
}

func TestGrantAndRevokeScoped(t *testing.T) {
	perms := domain.NewPermissionSet()

	if !GrantScoped(&perms, TableConsortia, "c1", domain.RoleMember) {
		t.Fatalf("expected grant to change the set")
	}
	if GrantScoped(&perms, TableConsortia, "c1", domain.RoleMember) {
		t.Fatalf("expected duplicate grant to be a no-op")
	}
	GrantScoped(&perms, TableConsortia, "c1", domain.RoleOwner)

	if !RevokeScoped(&perms, TableConsortia, "c1", domain.RoleMember) {
		t.Fatalf("expected revoke to change the set")
	}
	if RevokeScoped(&perms, TableConsortia, "c1", domain.RoleMember) {
		t.Fatalf("expected second revoke to be a no-op")
	}

	RevokeScoped(&perms, TableConsortia, "c1", domain.RoleOwner)
	if _, ok := perms.Consortia["c1"]; ok {
		t.Fatalf("expected empty entry to be dropped after last revoke")
	}
}
