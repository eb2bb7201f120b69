// Package api is the authenticated gateway to the LifeBuffer REST API.
// Every request carries the session's bearer token; a 401 triggers one
// token refresh and a single retry.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	apperrors "github.com/lifebuffer/lifebuffer/internal/errors"
	"github.com/lifebuffer/lifebuffer/internal/httpx"
	"github.com/lifebuffer/lifebuffer/internal/models"
)

// Authenticator is the part of auth.Authenticator the gateway needs.
type Authenticator interface {
	AccessToken() string
	Refresh(ctx context.Context) (models.TokenPair, error)
	Logout(ctx context.Context) error
}

// APIError is a non-2xx response that was not an authentication failure.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.Status)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Message)
}

// Unwrap lets callers match any API failure with errors.Is.
func (e *APIError) Unwrap() error {
	return apperrors.ErrAPIResponse
}

// Client calls the LifeBuffer API on behalf of the signed-in user.
type Client struct {
	baseURL string
	auth    Authenticator
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for baseURL. A nil httpClient gets the default
// timeout and redirect policy.
func New(baseURL string, auth Authenticator, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.DefaultTimeout)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		http:    httpClient,
		logger:  logger,
	}
}

// request describes one API call.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
}

// do runs req and decodes the response into out, unwrapping a "data"
// envelope if present. out may be nil.
func (c *Client) do(ctx context.Context, req request, out any) error {
	body, err := c.doRaw(ctx, req)
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if data := gjson.GetBytes(body, "data"); data.IsObject() || data.IsArray() {
		body = []byte(data.Raw)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %w", apperrors.ErrAPIResponse, req.method, req.path, err)
	}

	return nil
}

// doRaw runs req with the 401 refresh-and-retry policy and returns the
// raw response body.
func (c *Client) doRaw(ctx context.Context, req request) ([]byte, error) {
	resp, reqID, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s (request %s): %w", apperrors.ErrAPIResponse, req.method, req.path, reqID, err)
	}

	return body, nil
}

// open runs req with the 401 refresh-and-retry policy and returns the
// successful response with its body unread. The caller closes it.
func (c *Client) open(ctx context.Context, req request) (*http.Response, string, error) {
	var payload []byte

	if req.body != nil {
		var err error

		payload, err = json.Marshal(req.body)
		if err != nil {
			return nil, "", fmt.Errorf("encoding %s %s: %w", req.method, req.path, err)
		}
	}

	token := c.auth.AccessToken()
	if token == "" {
		return nil, "", fmt.Errorf("%w: not signed in", apperrors.ErrSessionExpired)
	}

	resp, reqID, err := c.send(ctx, req, payload, token)
	if err != nil {
		return nil, reqID, err
	}

	// Another caller may have rotated the token while this request was
	// in flight. Retry with the stored token before spending a refresh.
	if resp.StatusCode == http.StatusUnauthorized {
		if current := c.auth.AccessToken(); current != "" && current != token {
			discard(resp)

			c.logger.Debug("api: token rotated in flight, retrying",
				slog.String("path", req.path),
				slog.String("request_id", reqID),
			)

			resp, reqID, err = c.send(ctx, req, payload, current)
			if err != nil {
				return nil, reqID, err
			}
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)

		c.logger.Debug("api: access token rejected, refreshing",
			slog.String("path", req.path),
			slog.String("request_id", reqID),
		)

		pair, err := c.auth.Refresh(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, reqID, ctxErr
			}

			if logoutErr := c.auth.Logout(ctx); logoutErr != nil {
				c.logger.Warn("api: logout after failed refresh", slog.String("error", logoutErr.Error()))
			}

			if errors.Is(err, apperrors.ErrSessionExpired) {
				return nil, reqID, err
			}

			return nil, reqID, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
		}

		resp, reqID, err = c.send(ctx, req, payload, pair.AccessToken)
		if err != nil {
			return nil, reqID, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			discard(resp)
			return nil, reqID, fmt.Errorf("%w: %s %s rejected after refresh", apperrors.ErrSessionExpired, req.method, req.path)
		}
	}

	if !httpx.IsSuccess(resp.StatusCode) {
		defer resp.Body.Close()

		// An oversized error body still yields its leading bytes.
		body, _ := httpx.ReadBody(resp)

		return nil, reqID, &APIError{
			Status:    resp.StatusCode,
			Message:   errorMessage(body),
			RequestID: reqID,
		}
	}

	return resp, reqID, nil
}

// send performs one HTTP round trip and returns the response unread.
func (c *Client) send(ctx context.Context, req request, payload []byte, token string) (*http.Response, string, error) {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, reader)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}

	requestID := uuid.NewString()

	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, requestID, fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, req.method, req.path, err)
	}

	c.logger.Debug("api request",
		slog.String("method", req.method),
		slog.String("path", req.path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
	)

	return resp, requestID, nil
}

// discard drains a bounded amount of an unwanted body so the connection
// can be reused, then closes it.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httpx.MaxResponseBytes))
	resp.Body.Close()
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error_description", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}

	return httpx.SanitizeBody(body)
}
