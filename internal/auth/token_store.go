package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenStore issues opaque session tokens and validates them until they
// expire. Tokens live in memory only; a restart logs everyone out.
type TokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]tokenEntry
}

type tokenEntry struct {
	actorID int64
	expires time.Time
}

// NewTokenStore creates a store with the given token lifetime.
func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{
		ttl:    ttl,
		tokens: make(map[string]tokenEntry),
	}
}

// Issue mints a fresh token for the actor.
func (s *TokenStore) Issue(actorID int64) string {
	token := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	s.tokens[token] = tokenEntry{actorID: actorID, expires: time.Now().Add(s.ttl)}
	return token
}

// Lookup resolves a token to its actor if still valid.
func (s *TokenStore) Lookup(token string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return 0, false
	}
	if time.Now().After(entry.expires) {
		delete(s.tokens, token)
		return 0, false
	}
	return entry.actorID, true
}

// Revoke drops a token immediately.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

func (s *TokenStore) purgeLocked() {
	now := time.Now()
	for token, entry := range s.tokens {
		if now.After(entry.expires) {
			delete(s.tokens, token)
		}
	}
}
