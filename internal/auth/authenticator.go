package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/lifebuffer/lifebuffer/internal/errors"
	"github.com/lifebuffer/lifebuffer/internal/httpx"
	"github.com/lifebuffer/lifebuffer/internal/models"
	"github.com/lifebuffer/lifebuffer/internal/pkce"
)

// DefaultCallbackErrorDelay is how long the exchange failure page is
// shown before returning home.
const DefaultCallbackErrorDelay = 10 * time.Second

// Status is the authenticator's position in the login lifecycle.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthorizing
	StatusCallbackPending
	StatusAuthenticated
	StatusRefreshing
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthorizing:
		return "authorizing"
	case StatusCallbackPending:
		return "callback-pending"
	case StatusAuthenticated:
		return "authenticated"
	case StatusRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Config configures an Authenticator.
type Config struct {
	// BaseURL is the API origin without a trailing slash.
	BaseURL     string
	ClientID    string
	RedirectURI string
	Scopes      []string

	// HomeURL is where callbacks send the user-agent when done.
	HomeURL string

	// CallbackErrorDelay is the pause before redirecting home after a
	// failed code exchange. Zero uses DefaultCallbackErrorDelay.
	CallbackErrorDelay time.Duration

	HTTPClient *http.Client
}

// CallbackResult is the outcome of an authorization callback. Err
// carries the cause for logging; callers only need Authenticated.
type CallbackResult struct {
	Authenticated bool
	Err           error
	RedirectTo    string
	Delay         time.Duration
}

// Authenticator runs the PKCE login flow and keeps the session's tokens
// fresh for API callers.
type Authenticator struct {
	cfg     Config
	session *Session
	nav     Navigator
	logger  *slog.Logger
	client  *http.Client

	refreshGroup singleflight.Group

	mu     sync.Mutex
	status Status
}

// New creates an Authenticator over an initialized session.
func New(cfg Config, session *Session, nav Navigator, logger *slog.Logger) *Authenticator {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.HomeURL == "" {
		cfg.HomeURL = "/"
	}

	if cfg.CallbackErrorDelay <= 0 {
		cfg.CallbackErrorDelay = DefaultCallbackErrorDelay
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpx.NewClient(httpx.DefaultTimeout)
	}

	a := &Authenticator{
		cfg:     cfg,
		session: session,
		nav:     nav,
		logger:  logger,
		client:  client,
	}

	if session.Snapshot().IsAuthenticated {
		a.status = StatusAuthenticated
	}

	return a
}

// Session returns the session the authenticator writes to.
func (a *Authenticator) Session() *Session {
	return a.session
}

// Status returns the current lifecycle state.
func (a *Authenticator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.status
}

func (a *Authenticator) setStatus(s Status) {
	a.mu.Lock()
	prev := a.status
	a.status = s
	a.mu.Unlock()

	if prev != s {
		a.logger.Debug("auth status changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()),
		)
	}
}

// AccessToken returns the stored bearer token, or "" when signed out.
func (a *Authenticator) AccessToken() string {
	tokens, err := a.session.Tokens()
	if err != nil {
		a.logger.Warn("reading access token", slog.String("error", err.Error()))
		return ""
	}

	return tokens.AccessToken
}

// LoginURL starts a handshake and returns the authorization URL. The
// pending state and verifier are stored before the URL is returned, so
// a callback can never arrive for a handshake that was not saved.
func (a *Authenticator) LoginURL(_ context.Context) (string, error) {
	pair := pkce.NewPair()
	pending := models.PendingAuthorization{
		State:        pkce.NewState(),
		CodeVerifier: pair.Verifier,
	}

	if err := a.session.savePending(pending); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("client_id", a.cfg.ClientID)
	params.Set("redirect_uri", a.cfg.RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(a.cfg.Scopes, " "))
	params.Set("state", pending.State)
	params.Set("code_challenge", pair.Challenge)
	params.Set("code_challenge_method", pkce.MethodS256)
	params.Set("prompt", "login")

	a.session.setLoading(true)
	a.setStatus(StatusAuthorizing)

	return a.cfg.BaseURL + "/oauth/authorize?" + params.Encode(), nil
}

// Login starts a handshake and navigates to the authorization URL.
func (a *Authenticator) Login(ctx context.Context) error {
	target, err := a.LoginURL(ctx)
	if err != nil {
		return err
	}

	if err := a.nav.Navigate(ctx, target); err != nil {
		a.session.setLoading(false)
		a.setStatus(StatusAnonymous)

		if clearErr := a.session.clearPending(); clearErr != nil {
			a.logger.Warn("clearing pending authorization", slog.String("error", clearErr.Error()))
		}

		return fmt.Errorf("navigating to authorization endpoint: %w", err)
	}

	return nil
}

// HandleCallback validates the redirect back from the authorization
// server and completes the exchange. The pending handshake is consumed
// whatever the outcome, except when ctx is canceled mid-exchange.
func (a *Authenticator) HandleCallback(ctx context.Context, query url.Values) CallbackResult {
	a.setStatus(StatusCallbackPending)
	defer a.session.setLoading(false)

	if errCode := query.Get("error"); errCode != "" {
		a.logger.Warn("authorization denied",
			slog.String("error", errCode),
			slog.String("description", query.Get("error_description")),
		)

		return a.failCallback(fmt.Errorf("%w: %s", apperrors.ErrAuthorizationDenied, errCode), 0)
	}

	pending, err := a.session.pending()
	if err != nil {
		return a.failCallback(err, 0)
	}

	if pending == nil || !stateMatches(query.Get("state"), pending.State) {
		a.logger.Warn("authorization callback state mismatch", slog.Bool("pending", pending != nil))
		return a.failCallback(apperrors.ErrCSRFMismatch, 0)
	}

	code := query.Get("code")
	if code == "" {
		return a.failCallback(fmt.Errorf("%w: callback has no code", apperrors.ErrAuthorizationDenied), 0)
	}

	if err := pkce.ValidateVerifier(pending.CodeVerifier); err != nil {
		a.logger.Error("stored code verifier is unusable", slog.String("error", err.Error()))
		return a.failCallback(fmt.Errorf("%w: %w", apperrors.ErrTokenExchange, err), 0)
	}

	pair, err := a.exchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.setStatus(StatusAnonymous)
			return CallbackResult{Err: err, RedirectTo: a.cfg.HomeURL}
		}

		a.logger.Error("token exchange failed", slog.String("error", err.Error()))

		return a.failCallback(err, a.cfg.CallbackErrorDelay)
	}

	if err := a.session.storeTokens(pair); err != nil {
		return a.failCallback(fmt.Errorf("%w: %w", apperrors.ErrTokenExchange, err), a.cfg.CallbackErrorDelay)
	}

	user, err := a.FetchProfile(ctx, pair.AccessToken)
	if err != nil {
		a.logger.Warn("profile fetch after login failed", slog.String("error", err.Error()))
		user = nil
	}

	if err := a.session.markAuthenticated(user); err != nil {
		a.logger.Warn("caching user profile", slog.String("error", err.Error()))
	}

	if err := a.session.clearPending(); err != nil {
		a.logger.Warn("clearing pending authorization", slog.String("error", err.Error()))
	}

	a.setStatus(StatusAuthenticated)
	a.logger.Info("signed in", slog.Bool("profile", user != nil))

	return CallbackResult{Authenticated: true, RedirectTo: a.cfg.HomeURL}
}

func (a *Authenticator) failCallback(err error, delay time.Duration) CallbackResult {
	if clearErr := a.session.clearPending(); clearErr != nil {
		a.logger.Warn("clearing pending authorization", slog.String("error", clearErr.Error()))
	}

	if a.session.Snapshot().IsAuthenticated {
		a.setStatus(StatusAuthenticated)
	} else {
		a.setStatus(StatusAnonymous)
	}

	return CallbackResult{Err: err, RedirectTo: a.cfg.HomeURL, Delay: delay}
}

func stateMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Refresh obtains a new access token. Concurrent callers share one
// token request. The request outlives a canceled caller so the others
// still get its result.
func (a *Authenticator) Refresh(ctx context.Context) (models.TokenPair, error) {
	ch := a.refreshGroup.DoChan("refresh", func() (any, error) {
		return a.doRefresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.TokenPair{}, res.Err
		}

		return res.Val.(models.TokenPair), nil
	case <-ctx.Done():
		return models.TokenPair{}, ctx.Err()
	}
}

func (a *Authenticator) doRefresh(ctx context.Context) (models.TokenPair, error) {
	current, err := a.session.Tokens()
	if err != nil {
		return models.TokenPair{}, err
	}

	if current.RefreshToken == "" {
		a.session.markAnonymous()
		a.setStatus(StatusAnonymous)

		return models.TokenPair{}, fmt.Errorf("%w (%w): %w", apperrors.ErrSessionExpired, apperrors.ErrRefreshFailed, apperrors.ErrNoRefreshToken)
	}

	a.setStatus(StatusRefreshing)

	pair, err := a.refreshGrant(ctx, current.RefreshToken)
	if err != nil {
		a.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		a.session.markAnonymous()
		a.setStatus(StatusAnonymous)

		return models.TokenPair{}, fmt.Errorf("%w (%w): %w", apperrors.ErrSessionExpired, apperrors.ErrRefreshFailed, err)
	}

	if err := a.session.storeTokens(pair); err != nil {
		a.setStatus(StatusAnonymous)
		return models.TokenPair{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	a.setStatus(StatusAuthenticated)
	a.logger.Debug("access token refreshed", slog.Bool("rotated", pair.RefreshToken != ""))

	return a.session.Tokens()
}

// Logout clears all stored credentials. Calling it when already signed
// out is a no-op that still succeeds.
func (a *Authenticator) Logout(ctx context.Context) error {
	if err := a.session.Teardown(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	a.setStatus(StatusAnonymous)
	a.logger.Info("signed out")

	return nil
}
