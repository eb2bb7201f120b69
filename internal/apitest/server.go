package apitest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lifebuffer/lifebuffer/internal/models"
)

// ClientID is the public client the fake server accepts.
const ClientID = "lifebuffer-test"

// Server is a running fake backend. Behavior switches are set through
// methods so tests can flip them between requests.
type Server struct {
	*httptest.Server

	Store *Store

	mu            sync.Mutex
	user          models.UserProfile
	api           http.Handler
	rotateRefresh bool
	tokenFailure  string
	refreshGate   chan struct{}
	tokenCalls    map[string]int

	apiRequests atomic.Int64
	lastAuth    atomic.Value
}

// New starts a fake backend and registers its shutdown with t.Cleanup.
func New(t *testing.T) *Server {
	t.Helper()

	verified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := &Server{
		Store: NewStore(),
		user: models.UserProfile{
			ID:              7,
			Name:            "Ada Lovelace",
			Email:           "ada@example.com",
			EmailVerifiedAt: &verified,
		},
		tokenCalls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.Handle("/api/user", s.bearer(http.HandlerFunc(s.handleUser)))
	mux.Handle("/api/", s.bearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		api := s.api
		s.mu.Unlock()

		if api == nil {
			http.NotFound(w, r)
			return
		}

		api.ServeHTTP(w, r)
	})))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// User returns the profile served by GET /api/user.
func (s *Server) User() models.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.user
}

// SetUser replaces the profile served by GET /api/user.
func (s *Server) SetUser(u models.UserProfile) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

// SetAPI serves /api routes other than /api/user with h, after the
// bearer check.
func (s *Server) SetAPI(h http.Handler) {
	s.mu.Lock()
	s.api = h
	s.mu.Unlock()
}

// SetRotateRefresh makes every refresh grant issue a new refresh token
// and invalidate the old one.
func (s *Server) SetRotateRefresh(rotate bool) {
	s.mu.Lock()
	s.rotateRefresh = rotate
	s.mu.Unlock()
}

// SetTokenFailure makes every token request fail with this OAuth error
// code and a 400. An empty code restores normal behavior.
func (s *Server) SetTokenFailure(code string) {
	s.mu.Lock()
	s.tokenFailure = code
	s.mu.Unlock()
}

// SetRefreshGate blocks refresh grants until gate is closed.
func (s *Server) SetRefreshGate(gate chan struct{}) {
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()
}

// TokenCalls returns how many token requests used grantType.
func (s *Server) TokenCalls(grantType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tokenCalls[grantType]
}

// APIRequests returns how many /api requests reached the server,
// authorized or not.
func (s *Server) APIRequests() int {
	return int(s.apiRequests.Load())
}

// LastAuthorization returns the Authorization header of the latest API request.
func (s *Server) LastAuthorization() string {
	v, _ := s.lastAuth.Load().(string)
	return v
}

// SeedTokens registers an access and refresh token pair as valid.
func (s *Server) SeedTokens(access, refresh string) {
	if access != "" {
		s.Store.AddAccess(access)
	}

	if refresh != "" {
		s.Store.AddRefresh(refresh)
	}
}

// Authorize drives the authorization endpoint the way a browser would
// and returns the callback query the client receives.
func (s *Server) Authorize(t *testing.T, authorizeURL string) url.Values {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(authorizeURL)
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parsing callback location: %v", err)
	}

	return loc.Query()
}

// handleAuthorize auto-approves the request and redirects to the
// client with a code, or with an error per RFC 6749 Section 4.1.2.1.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	if q.Get("client_id") != ClientID {
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}

	state := q.Get("state")

	if q.Get("response_type") != "code" {
		redirectWithError(w, r, redirectURI, state, "unsupported_response_type", `response_type must be "code"`)
		return
	}

	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "PKCE with S256 is required")
		return
	}

	code := RandomHex(32)
	s.Store.SaveCode(&AuthCode{
		Code:          code,
		ClientID:      ClientID,
		RedirectURI:   redirectURI,
		CodeChallenge: q.Get("code_challenge"),
		ExpiresAt:     time.Now().Add(codeExpiry),
	})

	params := url.Values{}
	params.Set("code", code)
	params.Set("state", state)

	http.Redirect(w, r, redirectURI+"?"+params.Encode(), http.StatusFound)
}

func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, redirectURI+"?"+params.Encode(), http.StatusFound)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	grant := r.PostForm.Get("grant_type")

	s.mu.Lock()
	s.tokenCalls[grant]++
	failure := s.tokenFailure
	s.mu.Unlock()

	if failure != "" {
		writeJSONError(w, http.StatusBadRequest, failure, "forced failure")
		return
	}

	if r.PostForm.Get("client_id") != ClientID {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch grant {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.refreshGrant(w, r)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	ac := s.Store.ConsumeCode(r.PostForm.Get("code"))
	if ac == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if r.PostForm.Get("redirect_uri") != ac.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if !verifyPKCE(r.PostForm.Get("code_verifier"), ac.CodeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	writeTokens(w, tokenResponse{
		AccessToken:  s.Store.IssueAccess(),
		RefreshToken: s.Store.IssueRefresh(),
	})
}

func (s *Server) refreshGrant(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	gate := s.refreshGate
	rotate := s.rotateRefresh
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if !s.Store.UseRefresh(r.PostForm.Get("refresh_token"), rotate) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "The refresh token is invalid.")
		return
	}

	resp := tokenResponse{AccessToken: s.Store.IssueAccess()}
	if rotate {
		resp.RefreshToken = s.Store.IssueRefresh()
	}

	writeTokens(w, resp)
}

func writeTokens(w http.ResponseWriter, resp tokenResponse) {
	resp.TokenType = "Bearer"
	resp.ExpiresIn = int(tokenExpiry.Seconds())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" {
		return false
	}

	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// bearer rejects requests without a valid access token with the 401
// body the real API sends.
func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.apiRequests.Add(1)

		authHeader := r.Header.Get("Authorization")
		s.lastAuth.Store(authHeader)

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || !s.Store.ValidAccess(token) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			WriteJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthenticated."})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	WriteJSON(w, http.StatusOK, s.User())
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	WriteJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
