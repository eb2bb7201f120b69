package errors

import "errors"

// Authentication errors. Callbacks resolve these to a binary outcome before
// they reach the UI; the gateway surfaces ErrSessionExpired to its callers.
var (
	ErrCSRFMismatch        = errors.New("authorization state mismatch")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrTokenExchange       = errors.New("token exchange failed")
	ErrRefreshFailed       = errors.New("token refresh failed")
	ErrNoRefreshToken      = errors.New("no refresh token stored")
	ErrProfileFetch        = errors.New("fetching user profile failed")
	ErrSessionExpired      = errors.New("session expired")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
