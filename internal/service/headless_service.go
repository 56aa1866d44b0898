package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/observability/metrics"
	"github.com/yourorg/fedcoord/internal/security/audit"
	"github.com/yourorg/fedcoord/internal/security/credential"
	"github.com/yourorg/fedcoord/internal/security/permission"
	"github.com/yourorg/fedcoord/pkg/cache"
)

// HeadlessService manages unattended vault clients. Creation and deletion are
// admin only; updates and key generation are open to the client's owners.
// Owner lists are mirrored into each owner's permission set, so changing
// owners touches user records too.
type HeadlessService struct {
	headless    domain.HeadlessClientRepository
	users       domain.UserRepository
	resolver    *permission.Resolver
	credentials *credential.Store
	dispatcher  *fanout.Dispatcher
	principals  *cache.Cache
	audit       *audit.Logger
	logger      *slog.Logger
}

// NewHeadlessService creates a new headless client service
func NewHeadlessService(
	headless domain.HeadlessClientRepository,
	users domain.UserRepository,
	resolver *permission.Resolver,
	credentials *credential.Store,
	dispatcher *fanout.Dispatcher,
	principals *cache.Cache,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *HeadlessService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadlessService{
		headless:    headless,
		users:       users,
		resolver:    resolver,
		credentials: credentials,
		dispatcher:  dispatcher,
		principals:  principals,
		audit:       auditLog,
		logger:      logger,
	}
}

// Create registers a new headless client. Admin only.
func (s *HeadlessService) Create(ctx context.Context, actor *domain.Principal, name string, owners map[string]string) (*domain.HeadlessClient, error) {
	if !s.resolver.IsAdmin(actor) {
		return nil, domain.ErrNotAuthorized
	}
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrInvalidArgument)
	}

	client := &domain.HeadlessClient{
		ID:                   uuid.New().String(),
		Name:                 name,
		ComputationWhitelist: map[string]struct{}{},
		Owners:               map[string]string{},
	}
	for id, username := range owners {
		client.Owners[id] = username
	}

	if err := s.headless.Create(ctx, client); err != nil {
		return nil, err
	}

	s.syncOwnerPermissions(ctx, client.ID, nil, client.Owners)
	s.dispatcher.Publish(fanout.EntityHeadlessClient, client.ID, client)
	return client, nil
}

// Update replaces name, whitelist and owners. Owner or admin.
func (s *HeadlessService) Update(ctx context.Context, actor *domain.Principal, clientID, name string, whitelist map[string]struct{}, owners map[string]string) (*domain.HeadlessClient, error) {
	if !s.resolver.CanManageHeadlessClient(actor, clientID) {
		return nil, domain.ErrNotAuthorized
	}

	client, err := s.headless.GetByID(ctx, clientID)
	if err != nil || client == nil {
		return nil, domain.ErrNotAuthorized
	}

	previousOwners := client.Owners
	if name != "" {
		client.Name = name
	}
	if whitelist != nil {
		client.ComputationWhitelist = whitelist
	}
	if owners != nil {
		client.Owners = owners
	}

	if err := s.headless.Update(ctx, client); err != nil {
		return nil, err
	}

	if owners != nil {
		s.syncOwnerPermissions(ctx, client.ID, previousOwners, client.Owners)
	}
	s.principals.Invalidate("principal:" + client.ID)
	s.dispatcher.Publish(fanout.EntityHeadlessClient, client.ID, client)
	return client, nil
}

// Delete removes a headless client and strips it from every owner's
// permission set. Admin only.
func (s *HeadlessService) Delete(ctx context.Context, actor *domain.Principal, clientID string) (*domain.HeadlessClient, error) {
	if !s.resolver.IsAdmin(actor) {
		return nil, domain.ErrNotAuthorized
	}

	client, err := s.headless.Delete(ctx, clientID)
	if err != nil {
		return nil, err
	}

	s.syncOwnerPermissions(ctx, client.ID, client.Owners, nil)
	s.principals.Invalidate("principal:" + client.ID)
	s.dispatcher.PublishDeleted(fanout.EntityHeadlessClient, client.ID, client)
	return client, nil
}

// GenerateAPIKey mints a fresh API key, stores only its hash and returns the
// plaintext exactly once. Any previous key stops working immediately.
func (s *HeadlessService) GenerateAPIKey(ctx context.Context, actor *domain.Principal, clientID string) (string, error) {
	if !s.resolver.CanManageHeadlessClient(actor, clientID) {
		s.audit.LogAPIKeyGeneration(ctx, actor.ID(), clientID, "denied")
		return "", domain.ErrNotAuthorized
	}

	client, err := s.headless.GetByID(ctx, clientID)
	if err != nil || client == nil {
		return "", domain.ErrNotAuthorized
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	apiKey := hex.EncodeToString(raw)

	start := time.Now()
	blob, err := s.credentials.Hash(apiKey)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	metrics.ObserveCredentialHash(time.Since(start))

	client.APIKeyBlob = blob
	client.HasAPIKey = true
	if err := s.headless.Update(ctx, client); err != nil {
		return "", err
	}

	// Tokens minted against the previous key may still be cached as resolved
	// principals; drop them so revocation takes effect now, not at TTL.
	s.principals.Invalidate("principal:" + client.ID)
	s.audit.LogAPIKeyGeneration(ctx, actor.ID(), clientID, "ok")
	s.dispatcher.Publish(fanout.EntityHeadlessClient, client.ID, client)
	return apiKey, nil
}

// List returns the clients the actor may see: all of them for admins, the
// owned subset for everyone else.
func (s *HeadlessService) List(ctx context.Context, actor *domain.Principal) ([]*domain.HeadlessClient, error) {
	clients, err := s.headless.List(ctx)
	if err != nil {
		return nil, err
	}
	if s.resolver.IsAdmin(actor) {
		return clients, nil
	}

	var visible []*domain.HeadlessClient
	for _, c := range clients {
		if s.resolver.CanManageHeadlessClient(actor, c.ID) {
			visible = append(visible, c)
		}
	}
	return visible, nil
}

// syncOwnerPermissions mirrors an owner-list change into the affected users'
// permission sets and fans each touched user out individually.
func (s *HeadlessService) syncOwnerPermissions(ctx context.Context, clientID string, before, after map[string]string) {
	var touched []fanout.Entity

	for userID := range after {
		if _, had := before[userID]; had {
			continue
		}
		user, err := s.users.GetByID(ctx, userID)
		if err != nil || user == nil {
			s.logger.Warn("headless owner not found", slog.String("user_id", userID))
			continue
		}
		if user.Permissions.HeadlessClients == nil {
			user.Permissions.HeadlessClients = map[string]domain.RoleTag{}
		}
		user.Permissions.HeadlessClients[clientID] = domain.RoleOwner
		updated, err := s.users.UpdatePermissions(ctx, userID, user.Permissions)
		if err != nil {
			s.logger.Error("failed to sync owner permission",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.principals.Invalidate("principal:" + userID)
		touched = append(touched, fanout.Entity{ID: userID, Payload: updated})
	}

	for userID := range before {
		if _, still := after[userID]; still {
			continue
		}
		user, err := s.users.GetByID(ctx, userID)
		if err != nil || user == nil {
			continue
		}
		delete(user.Permissions.HeadlessClients, clientID)
		updated, err := s.users.UpdatePermissions(ctx, userID, user.Permissions)
		if err != nil {
			s.logger.Error("failed to strip owner permission",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.principals.Invalidate("principal:" + userID)
		touched = append(touched, fanout.Entity{ID: userID, Payload: updated})
	}

	s.dispatcher.PublishEach(fanout.EntityUser, touched)
}
