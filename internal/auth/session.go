// Package auth implements the client side of the OAuth 2.0 Authorization
// Code flow with PKCE: starting a login, validating the callback,
// exchanging the code, and refreshing tokens for API callers.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lifebuffer/lifebuffer/internal/models"
	"github.com/lifebuffer/lifebuffer/internal/state"
)

// Storage is the key-value contract the session persists through.
// state.State and state.Memory implement it.
type Storage interface {
	Get(scope state.Scope, key string) (string, bool, error)
	Set(scope state.Scope, key, value string) error
	Delete(scope state.Scope, keys ...string) error
	Clear(scope state.Scope) error
}

// Session is the explicit authentication context for one signed-in
// user. Tokens are always read back from durable storage so a restart
// preserves the session; only flags and listeners live in memory.
type Session struct {
	store Storage

	mu            sync.Mutex
	authenticated bool
	loading       bool
	user          *models.UserProfile
	listeners     map[int]func(models.TokenPair)
	nextListener  int
}

// NewSession creates a session over store. Call Init before use.
func NewSession(store Storage) *Session {
	return &Session{
		store:     store,
		listeners: make(map[int]func(models.TokenPair)),
	}
}

// Init hydrates the session from storage. A stored access token means
// the session is authenticated; the cached profile is loaded if present.
func (s *Session) Init(_ context.Context) error {
	tokens, err := s.Tokens()
	if err != nil {
		return err
	}

	user, err := s.cachedUser()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.authenticated = tokens.AccessToken != ""
	s.user = user
	s.loading = false
	s.mu.Unlock()

	return nil
}

// OnTokensChanged registers fn to be called after tokens are stored or
// cleared. Teardown reports an empty pair. The returned func removes
// the listener.
func (s *Session) OnTokensChanged(fn func(models.TokenPair)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Teardown clears durable and session storage and resets the session
// to anonymous. Safe to call repeatedly.
func (s *Session) Teardown(_ context.Context) error {
	if err := s.store.Clear(state.Durable); err != nil {
		return fmt.Errorf("clearing durable storage: %w", err)
	}

	if err := s.store.Clear(state.Session); err != nil {
		return fmt.Errorf("clearing session storage: %w", err)
	}

	s.mu.Lock()
	s.authenticated = false
	s.loading = false
	s.user = nil
	s.mu.Unlock()

	s.notify(models.TokenPair{})

	return nil
}

// Snapshot returns a copy of the current authentication state.
func (s *Session) Snapshot() models.AuthSession {
	tokens, _ := s.Tokens()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := models.AuthSession{
		IsAuthenticated: s.authenticated,
		AccessToken:     tokens.AccessToken,
		RefreshToken:    tokens.RefreshToken,
		Loading:         s.loading,
	}

	if s.user != nil {
		u := *s.user
		snap.User = &u
	}

	return snap
}

// Tokens reads the current token pair from durable storage.
func (s *Session) Tokens() (models.TokenPair, error) {
	access, _, err := s.store.Get(state.Durable, state.KeyAccessToken)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("reading access token: %w", err)
	}

	refresh, _, err := s.store.Get(state.Durable, state.KeyRefreshToken)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("reading refresh token: %w", err)
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// storeTokens persists a pair. An empty RefreshToken leaves the stored
// refresh token untouched.
func (s *Session) storeTokens(pair models.TokenPair) error {
	if err := s.store.Set(state.Durable, state.KeyAccessToken, pair.AccessToken); err != nil {
		return fmt.Errorf("storing access token: %w", err)
	}

	if pair.RefreshToken != "" {
		if err := s.store.Set(state.Durable, state.KeyRefreshToken, pair.RefreshToken); err != nil {
			return fmt.Errorf("storing refresh token: %w", err)
		}
	}

	stored, err := s.Tokens()
	if err != nil {
		return err
	}

	s.notify(stored)

	return nil
}

func (s *Session) notify(pair models.TokenPair) {
	s.mu.Lock()
	fns := make([]func(models.TokenPair), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(pair)
	}
}

// markAuthenticated flips the session to authenticated with user, which
// may be nil when the profile could not be fetched.
func (s *Session) markAuthenticated(user *models.UserProfile) error {
	if err := s.storeUser(user); err != nil {
		return err
	}

	s.mu.Lock()
	s.authenticated = true
	s.user = user
	s.mu.Unlock()

	return nil
}

// markAnonymous drops the in-memory authenticated flag without touching
// storage; the caller is expected to log out.
func (s *Session) markAnonymous() {
	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Session) storeUser(user *models.UserProfile) error {
	if user == nil {
		return s.store.Delete(state.Session, state.KeyUser)
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	return s.store.Set(state.Session, state.KeyUser, string(data))
}

func (s *Session) cachedUser() (*models.UserProfile, error) {
	raw, ok, err := s.store.Get(state.Session, state.KeyUser)
	if err != nil {
		return nil, fmt.Errorf("reading cached user: %w", err)
	}

	if !ok || raw == "" {
		return nil, nil
	}

	var u models.UserProfile
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		// A corrupt cache entry is not worth failing startup over.
		return nil, nil
	}

	return &u, nil
}

// savePending writes the handshake, replacing any previous one.
func (s *Session) savePending(p models.PendingAuthorization) error {
	if err := s.store.Set(state.Session, state.KeyOAuthState, p.State); err != nil {
		return fmt.Errorf("storing oauth state: %w", err)
	}

	if err := s.store.Set(state.Session, state.KeyCodeVerifier, p.CodeVerifier); err != nil {
		return fmt.Errorf("storing code verifier: %w", err)
	}

	return nil
}

// pending returns the stored handshake, or nil if there is none.
func (s *Session) pending() (*models.PendingAuthorization, error) {
	st, okState, err := s.store.Get(state.Session, state.KeyOAuthState)
	if err != nil {
		return nil, fmt.Errorf("reading oauth state: %w", err)
	}

	cv, okVerifier, err := s.store.Get(state.Session, state.KeyCodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("reading code verifier: %w", err)
	}

	if !okState || !okVerifier || st == "" || cv == "" {
		return nil, nil
	}

	return &models.PendingAuthorization{State: st, CodeVerifier: cv}, nil
}

func (s *Session) clearPending() error {
	return s.store.Delete(state.Session, state.KeyOAuthState, state.KeyCodeVerifier)
}
