package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/lifebuffer/lifebuffer/internal/errors"
	"github.com/lifebuffer/lifebuffer/internal/httpx"
	"github.com/lifebuffer/lifebuffer/internal/models"
)

// OAuthError is an error response from the token endpoint
// (RFC 6749 Section 5.2).
type OAuthError struct {
	Status      int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("oauth error %q (HTTP %d): %s", e.Code, e.Status, e.Description)
	case e.Code != "":
		return fmt.Sprintf("oauth error %q (HTTP %d)", e.Code, e.Status)
	default:
		return fmt.Sprintf("oauth error (HTTP %d): %s", e.Status, e.Description)
	}
}

// parseOAuthError extracts the error code and description from a token
// endpoint body. Laravel-style {"message": ...} bodies are accepted as
// the description.
func parseOAuthError(status int, body []byte) *OAuthError {
	oe := &OAuthError{Status: status}

	if !gjson.ValidBytes(body) {
		oe.Description = httpx.SanitizeBody(body)
		return oe
	}

	parsed := gjson.ParseBytes(body)
	oe.Code = parsed.Get("error").String()
	oe.Description = parsed.Get("error_description").String()

	if oe.Description == "" {
		oe.Description = parsed.Get("message").String()
	}

	return oe
}

func (a *Authenticator) tokenURL() string {
	return a.cfg.BaseURL + "/oauth/token"
}

// postToken sends a form-encoded grant to the token endpoint.
func (a *Authenticator) postToken(ctx context.Context, form url.Values) (models.TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	body, err := httpx.ReadBody(resp)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("reading token response: %w", err)
	}

	if !httpx.IsSuccess(resp.StatusCode) {
		return models.TokenPair{}, parseOAuthError(resp.StatusCode, body)
	}

	var pair models.TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return models.TokenPair{}, fmt.Errorf("%w: decoding token response: %w", apperrors.ErrAPIResponse, err)
	}

	if pair.AccessToken == "" {
		return models.TokenPair{}, fmt.Errorf("%w: token response has no access_token", apperrors.ErrAPIResponse)
	}

	return pair, nil
}

// exchangeCode redeems an authorization code (RFC 6749 Section 4.1.3)
// with the PKCE verifier.
func (a *Authenticator) exchangeCode(ctx context.Context, code, verifier string) (models.TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("redirect_uri", a.cfg.RedirectURI)
	form.Set("code_verifier", verifier)
	form.Set("code", code)

	pair, err := a.postToken(ctx, form)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%w: %w", apperrors.ErrTokenExchange, err)
	}

	return pair, nil
}

// refreshGrant trades a refresh token for a new pair (RFC 6749 Section 6).
// The client is public, so client_secret is always sent empty.
func (a *Authenticator) refreshGrant(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", "")
	form.Set("scope", strings.Join(a.cfg.Scopes, " "))

	return a.postToken(ctx, form)
}

// FetchProfile loads the signed-in user with accessToken. The API may
// wrap the user in a "data" envelope.
func (a *Authenticator) FetchProfile(ctx context.Context, accessToken string) (*models.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/api/user", nil)
	if err != nil {
		return nil, fmt.Errorf("creating profile request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrProfileFetch, err)
	}
	defer resp.Body.Close()

	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", apperrors.ErrProfileFetch, err)
	}

	if !httpx.IsSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%w: HTTP %d: %s", apperrors.ErrProfileFetch, resp.StatusCode, httpx.SanitizeBody(body))
	}

	if data := gjson.GetBytes(body, "data"); data.IsObject() {
		body = []byte(data.Raw)
	}

	var user models.UserProfile
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("%w: decoding: %w", apperrors.ErrProfileFetch, err)
	}

	return &user, nil
}
