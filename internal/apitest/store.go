// Package apitest runs an in-process LifeBuffer backend for tests: an
// OAuth authorization server with PKCE and refresh grants, plus bearer
// protected /api routes.
package apitest

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// AuthCode is a pending authorization code.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	ExpiresAt     time.Time
}

// Store holds all in-memory OAuth state for the fake backend.
type Store struct {
	mu       sync.Mutex
	codes   map[string]*AuthCode
	access  map[string]time.Time
	refresh map[string]struct{}
}

const (
	codeExpiry  = 5 * time.Minute
	tokenExpiry = time.Hour
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		codes:   make(map[string]*AuthCode),
		access:  make(map[string]time.Time),
		refresh: make(map[string]struct{}),
	}
}

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code.
// Returns nil if not found or expired.
func (s *Store) ConsumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}

	delete(s.codes, code)

	if time.Now().After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

// IssueAccess records a new access token and returns it.
func (s *Store) IssueAccess() string {
	token := RandomHex(32)

	s.mu.Lock()
	s.access[token] = time.Now().Add(tokenExpiry)
	s.mu.Unlock()

	return token
}

// IssueRefresh records a new refresh token and returns it.
func (s *Store) IssueRefresh() string {
	token := RandomHex(32)

	s.mu.Lock()
	s.refresh[token] = struct{}{}
	s.mu.Unlock()

	return token
}

// AddAccess registers a caller-chosen access token, for tests that seed
// storage directly.
func (s *Store) AddAccess(token string) {
	s.mu.Lock()
	s.access[token] = time.Now().Add(tokenExpiry)
	s.mu.Unlock()
}

// AddRefresh registers a caller-chosen refresh token.
func (s *Store) AddRefresh(token string) {
	s.mu.Lock()
	s.refresh[token] = struct{}{}
	s.mu.Unlock()
}

// ValidAccess reports whether token is known and unexpired.
func (s *Store) ValidAccess(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.access[token]

	return ok && time.Now().Before(exp)
}

// UseRefresh checks a refresh token. When rotate is set the token is
// consumed and cannot be used again.
func (s *Store) UseRefresh(token string, rotate bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[token]; !ok {
		return false
	}

	if rotate {
		delete(s.refresh, token)
	}

	return true
}

// ExpireAccess revokes every access token so the next API call gets 401.
func (s *Store) ExpireAccess() {
	s.mu.Lock()
	clear(s.access)
	s.mu.Unlock()
}

// RevokeRefresh drops every refresh token so refresh grants fail.
func (s *Store) RevokeRefresh() {
	s.mu.Lock()
	clear(s.refresh)
	s.mu.Unlock()
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
