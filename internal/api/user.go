package api

import (
	"context"
	"net/http"

	"github.com/lifebuffer/lifebuffer/internal/models"
)

// UpdateProfileRequest changes the signed-in user's name and email.
type UpdateProfileRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UpdatePasswordRequest changes the signed-in user's password.
type UpdatePasswordRequest struct {
	CurrentPassword      string `json:"current_password"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// User returns the signed-in user's profile.
func (c *Client) User(ctx context.Context) (*models.UserProfile, error) {
	var u models.UserProfile
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/user"}, &u); err != nil {
		return nil, err
	}

	return &u, nil
}

// UpdateProfile saves the user's name and email and returns the
// updated profile.
func (c *Client) UpdateProfile(ctx context.Context, in UpdateProfileRequest) (*models.UserProfile, error) {
	var u models.UserProfile
	if err := c.do(ctx, request{method: http.MethodPut, path: "/api/user/profile", body: in}, &u); err != nil {
		return nil, err
	}

	return &u, nil
}

// UpdatePassword changes the user's password.
func (c *Client) UpdatePassword(ctx context.Context, in UpdatePasswordRequest) error {
	return c.do(ctx, request{method: http.MethodPut, path: "/api/user/password", body: in}, nil)
}
