package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/security/audit"
	"github.com/yourorg/fedcoord/internal/security/credential"
	"github.com/yourorg/fedcoord/internal/security/permission"
	"github.com/yourorg/fedcoord/pkg/cache"
)

func newHeadlessFixture(t *testing.T) (*HeadlessService, *memUsers, *memHeadless, *fanout.Dispatcher, *cache.Cache) {
	t.Helper()
	users := newMemUsers()
	headless := newMemHeadless()
	dispatcher := fanout.NewDispatcher(32, slog.Default())
	principals := cache.New()
	svc := NewHeadlessService(headless, users,
		permission.NewResolver(slog.Default()),
		credential.NewStore(512),
		dispatcher, principals,
		audit.NewLogger(slog.Default()), slog.Default())
	return svc, users, headless, dispatcher, principals
}

func adminPrincipal(id string) *domain.Principal {
	p := userPrincipal(id)
	p.User.Permissions.Roles.Admin = true
	return p
}

func seedUser(t *testing.T, users *memUsers, id string) *domain.User {
	t.Helper()
	u := &domain.User{ID: id, Username: id, Email: id + "@example.org", Permissions: domain.NewPermissionSet()}
	require.NoError(t, users.Create(context.Background(), u))
	return u
}

func TestHeadlessCreateRequiresAdmin(t *testing.T) {
	svc, users, _, _, _ := newHeadlessFixture(t)
	seedUser(t, users, "alice")
	ctx := context.Background()

	_, err := svc.Create(ctx, userPrincipal("alice"), "vault-east", nil)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)

	client, err := svc.Create(ctx, adminPrincipal("root"), "vault-east", nil)
	require.NoError(t, err)
	require.NotEmpty(t, client.ID)
	require.False(t, client.HasAPIKey)
}

func TestHeadlessOwnerPermissionSync(t *testing.T) {
	svc, users, _, dispatcher, _ := newHeadlessFixture(t)
	alice := seedUser(t, users, "alice")
	bob := seedUser(t, users, "bob")
	ctx := context.Background()

	sub := dispatcher.Subscribe(fanout.EntityUser)
	defer sub.Close()

	client, err := svc.Create(ctx, adminPrincipal("root"), "vault-east",
		map[string]string{"alice": "alice"})
	require.NoError(t, err)
	require.Equal(t, domain.RoleOwner, alice.Permissions.HeadlessClients[client.ID])

	// Owner change strips alice and grants bob; both users fan out.
	_, err = svc.Update(ctx, adminPrincipal("root"), client.ID, "", nil,
		map[string]string{"bob": "bob"})
	require.NoError(t, err)
	require.NotContains(t, alice.Permissions.HeadlessClients, client.ID)
	require.Equal(t, domain.RoleOwner, bob.Permissions.HeadlessClients[client.ID])

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		ev := <-sub.C
		seen[ev.EntityID]++
	}
	require.Equal(t, 2, seen["alice"])
	require.Equal(t, 1, seen["bob"])
}

func TestHeadlessUpdateGate(t *testing.T) {
	svc, users, _, _, _ := newHeadlessFixture(t)
	alice := seedUser(t, users, "alice")
	seedUser(t, users, "mallory")
	ctx := context.Background()

	client, err := svc.Create(ctx, adminPrincipal("root"), "vault-east",
		map[string]string{"alice": "alice"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, userPrincipal("mallory"), client.ID, "renamed", nil, nil)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)

	owner := &domain.Principal{Kind: domain.PrincipalUser, User: alice}
	updated, err := svc.Update(ctx, owner, client.ID, "renamed", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
}

func TestGenerateAPIKeyReturnsPlaintextOnce(t *testing.T) {
	svc, users, headless, _, _ := newHeadlessFixture(t)
	alice := seedUser(t, users, "alice")
	ctx := context.Background()

	client, err := svc.Create(ctx, adminPrincipal("root"), "vault-east",
		map[string]string{"alice": "alice"})
	require.NoError(t, err)

	owner := &domain.Principal{Kind: domain.PrincipalUser, User: alice}
	key, err := svc.GenerateAPIKey(ctx, owner, client.ID)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	stored, err := headless.GetByID(ctx, client.ID)
	require.NoError(t, err)
	require.True(t, stored.HasAPIKey)
	require.NotEqual(t, key, stored.APIKeyBlob)

	// A second generation invalidates the first key.
	key2, err := svc.GenerateAPIKey(ctx, owner, client.ID)
	require.NoError(t, err)
	require.NotEqual(t, key, key2)
	stored, err = headless.GetByID(ctx, client.ID)
	require.NoError(t, err)
	require.True(t, credential.NewStore(512).Verify(key2, stored.APIKeyBlob))
	require.False(t, credential.NewStore(512).Verify(key, stored.APIKeyBlob))
}

func TestGenerateAPIKeyDropsCachedPrincipal(t *testing.T) {
	svc, users, _, _, principals := newHeadlessFixture(t)
	alice := seedUser(t, users, "alice")
	ctx := context.Background()

	client, err := svc.Create(ctx, adminPrincipal("root"), "vault-east",
		map[string]string{"alice": "alice"})
	require.NoError(t, err)

	// A request holding a token minted against the old key has its resolved
	// principal cached under the client id.
	principals.Set("principal:"+client.ID+":stale-token", client, time.Minute)

	owner := &domain.Principal{Kind: domain.PrincipalUser, User: alice}
	_, err = svc.GenerateAPIKey(ctx, owner, client.ID)
	require.NoError(t, err)

	_, ok := principals.Get("principal:" + client.ID + ":stale-token")
	require.False(t, ok, "rotating the key must drop cached principals")
}

func TestHeadlessDeleteStripsOwnerPermissions(t *testing.T) {
	svc, users, _, dispatcher, _ := newHeadlessFixture(t)
	alice := seedUser(t, users, "alice")
	ctx := context.Background()

	client, err := svc.Create(ctx, adminPrincipal("root"), "vault-east",
		map[string]string{"alice": "alice"})
	require.NoError(t, err)

	sub := dispatcher.Subscribe(fanout.EntityHeadlessClient)
	defer sub.Close()

	deleted, err := svc.Delete(ctx, adminPrincipal("root"), client.ID)
	require.NoError(t, err)
	require.Equal(t, client.ID, deleted.ID)
	require.NotContains(t, alice.Permissions.HeadlessClients, client.ID)

	ev := <-sub.C
	require.True(t, ev.Deleted)
	require.Equal(t, client.ID, ev.EntityID)
	require.NotNil(t, ev.Payload)
}

func TestHeadlessListVisibility(t *testing.T) {
	svc, users, _, _, _ := newHeadlessFixture(t)
	alice := seedUser(t, users, "alice")
	seedUser(t, users, "bob")
	ctx := context.Background()

	_, err := svc.Create(ctx, adminPrincipal("root"), "vault-east",
		map[string]string{"alice": "alice"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, adminPrincipal("root"), "vault-west", nil)
	require.NoError(t, err)

	all, err := svc.List(ctx, adminPrincipal("root"))
	require.NoError(t, err)
	require.Len(t, all, 2)

	owned, err := svc.List(ctx, &domain.Principal{Kind: domain.PrincipalUser, User: alice})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, "vault-east", owned[0].Name)
}
