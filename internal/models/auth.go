// Package models defines types shared across internal packages.
package models

import "time"

// TokenPair holds the bearer credentials issued by the token endpoint.
// RefreshToken is empty when the server did not issue one.
type TokenPair struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
}

// PendingAuthorization is one in-flight PKCE handshake. It is single use:
// the callback consumes it whatever the outcome.
type PendingAuthorization struct {
	State        string `json:"state" yaml:"state"`
	CodeVerifier string `json:"code_verifier" yaml:"code_verifier"`
}

// UserProfile is the cached identity of the signed-in user.
type UserProfile struct {
	ID              int64      `json:"id" yaml:"id"`
	Name            string     `json:"name" yaml:"name"`
	Email           string     `json:"email" yaml:"email"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty" yaml:"email_verified_at,omitempty"`
}

// Verified reports whether the user has confirmed their email address.
func (u *UserProfile) Verified() bool {
	return u != nil && u.EmailVerifiedAt != nil
}

// AuthSession is a point-in-time view of the authentication state.
// IsAuthenticated only becomes true after a complete, verified exchange.
type AuthSession struct {
	IsAuthenticated bool         `json:"is_authenticated" yaml:"is_authenticated"`
	AccessToken     string       `json:"-" yaml:"-"`
	RefreshToken    string       `json:"-" yaml:"-"`
	User            *UserProfile `json:"user" yaml:"user"`
	Loading         bool         `json:"loading" yaml:"loading"`
}
