package router

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// ErrInvalidToken is returned for unknown, expired or already used tokens.
var ErrInvalidToken = errors.New("invalid or expired shell token")

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = time.Minute

type tokenKey struct {
	clusterID string
	tabID     string
}

type tokenEntry struct {
	value   string
	expires time.Time
}

// TokenStore issues single-use tokens per (cluster, tab) that authenticate
// WebSocket upgrades.
type TokenStore struct {
	clock clock.PassiveClock
	ttl   time.Duration

	mu     sync.Mutex
	tokens map[tokenKey]tokenEntry
}

// NewTokenStore returns a store. ttl <= 0 uses DefaultTokenTTL.
func NewTokenStore(c clock.PassiveClock, ttl time.Duration) *TokenStore {
	if c == nil {
		c = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{clock: c, ttl: ttl, tokens: make(map[tokenKey]tokenEntry)}
}

// Issue returns a fresh token for the tab, replacing any earlier one.
func (s *TokenStore) Issue(clusterID, tabID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for k, e := range s.tokens {
		if !now.Before(e.expires) {
			delete(s.tokens, k)
		}
	}

	token := uuid.NewString()
	s.tokens[tokenKey{clusterID, tabID}] = tokenEntry{value: token, expires: now.Add(s.ttl)}
	return token
}

// Consume validates and invalidates a token.
func (s *TokenStore) Consume(clusterID, tabID, token string) error {
	if token == "" || tabID == "" {
		return ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{clusterID, tabID}
	e, ok := s.tokens[key]
	if !ok {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(e.value), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	delete(s.tokens, key)
	if !s.clock.Now().Before(e.expires) {
		return ErrInvalidToken
	}
	return nil
}

// Len returns the number of outstanding tokens.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
