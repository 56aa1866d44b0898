package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/infrastructure/redis"
)

// ResetTokenStore records issued password-reset tokens in Redis so each token
// is single-use. The key expires with the token, so a missing key means the
// token was already consumed or has aged out.
type ResetTokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResetTokenStore creates a reset token store with a 24 hour lifetime.
func NewResetTokenStore(client *redis.Client) *ResetTokenStore {
	return &ResetTokenStore{client: client, ttl: 24 * time.Hour}
}

func resetKey(email string) string {
	return "reset-token:" + email
}

// Issue records a token for the email address, replacing any earlier one.
func (s *ResetTokenStore) Issue(ctx context.Context, email, token string) error {
	if err := s.client.Set(ctx, resetKey(email), token, s.ttl); err != nil {
		return fmt.Errorf("failed to record reset token: %w", err)
	}
	return nil
}

// Consume validates the token against the recorded one for the email and
// removes it on success. A mismatch leaves the stored token in place, so a
// bad guess cannot invalidate a legitimate pending reset.
func (s *ResetTokenStore) Consume(ctx context.Context, email, token string) error {
	stored, err := s.client.Get(ctx, resetKey(email))
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.ErrInvalidToken
		}
		return fmt.Errorf("failed to look up reset token: %w", err)
	}
	if stored != token {
		return domain.ErrInvalidToken
	}
	if err := s.client.Delete(ctx, resetKey(email)); err != nil {
		return fmt.Errorf("failed to consume reset token: %w", err)
	}
	return nil
}
