package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/lifebuffer/lifebuffer/internal/models"
)

// ContextRequest creates or updates a context.
type ContextRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Contexts lists the user's contexts.
func (c *Client) Contexts(ctx context.Context) ([]models.Context, error) {
	var list []models.Context
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/contexts"}, &list); err != nil {
		return nil, err
	}

	return list, nil
}

// CreateContext adds a context and returns it as stored.
func (c *Client) CreateContext(ctx context.Context, in ContextRequest) (*models.Context, error) {
	var out models.Context
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/contexts", body: in}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// UpdateContext renames or recolors context id.
func (c *Client) UpdateContext(ctx context.Context, id int64, in ContextRequest) (*models.Context, error) {
	var out models.Context
	if err := c.do(ctx, request{method: http.MethodPut, path: contextPath(id), body: in}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DeleteContext removes context id.
func (c *Client) DeleteContext(ctx context.Context, id int64) error {
	return c.do(ctx, request{method: http.MethodDelete, path: contextPath(id)}, nil)
}

func contextPath(id int64) string {
	return "/api/contexts/" + strconv.FormatInt(id, 10)
}

// foldName normalizes a context name for comparison: NFC, case folded,
// surrounding space trimmed.
func foldName(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// FindContext returns the context in list whose name matches name,
// ignoring case and Unicode normalization form.
func FindContext(list []models.Context, name string) (models.Context, bool) {
	want := foldName(name)
	if want == "" {
		return models.Context{}, false
	}

	for _, c := range list {
		if foldName(c.Name) == want {
			return c, true
		}
	}

	return models.Context{}, false
}
