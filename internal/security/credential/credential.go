// Package credential hashes and verifies passwords and API keys against
// self-describing packed blobs. The blob layout is
// base64(uint32 saltLen || uint32 iterations || salt || derived key), so
// verification never needs external configuration and stored credentials
// survive iteration-count changes.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 16
	keyLength  = 64
	headerSize = 8 // two uint32 fields preceding the salt
)

// Store derives and checks credential blobs. It is pure and stateless; the
// iteration count only affects newly hashed blobs.
type Store struct {
	iterations int
}

// NewStore creates a credential store with the given PBKDF2 iteration count.
func NewStore(iterations int) *Store {
	if iterations < 1 {
		iterations = 500000
	}
	return &Store{iterations: iterations}
}

// Hash derives a packed blob from a secret. The salt is fresh on every call,
// so two hashes of the same secret never match.
func (s *Store) Hash(secret string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(secret), salt, s.iterations, keyLength, sha512.New)

	frame := make([]byte, headerSize+len(salt)+len(key))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(salt)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(s.iterations))
	copy(frame[headerSize:], salt)
	copy(frame[headerSize+len(salt):], key)

	return base64.StdEncoding.EncodeToString(frame), nil
}

// Verify re-derives the key using the parameters embedded in the blob and
// compares in constant time. An absent or malformed blob verifies false; it
// is the "no credential stored" case, not an error.
func (s *Store) Verify(secret, blob string) bool {
	if blob == "" {
		return false
	}

	frame, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(frame) <= headerSize {
		return false
	}

	saltLen := int(binary.BigEndian.Uint32(frame[0:4]))
	iterations := int(binary.BigEndian.Uint32(frame[4:8]))
	if saltLen <= 0 || iterations <= 0 || len(frame) <= headerSize+saltLen {
		return false
	}

	salt := frame[headerSize : headerSize+saltLen]
	stored := frame[headerSize+saltLen:]

	derived := pbkdf2.Key([]byte(secret), salt, iterations, len(stored), sha512.New)

	return subtle.ConstantTimeCompare(derived, stored) == 1
}

// HashResult is the outcome of an asynchronous hash.
type HashResult struct {
	Blob string
	Err  error
}

// HashAsync runs Hash on its own goroutine so the CPU-bound derivation never
// blocks the caller's accept path. The result channel receives exactly one
// value; cancellation of ctx abandons the wait, not the work.
func (s *Store) HashAsync(ctx context.Context, secret string) <-chan HashResult {
	out := make(chan HashResult, 1)
	go func() {
		blob, err := s.Hash(secret)
		select {
		case out <- HashResult{Blob: blob, Err: err}:
		case <-ctx.Done():
		}
	}()
	return out
}
