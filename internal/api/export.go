package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Export formats accepted by the API.
const (
	ExportJSON     = "json"
	ExportCSV      = "csv"
	ExportMarkdown = "markdown"
)

// ExportRequest selects a date range and file format. Zero dates leave
// the range open on that side.
type ExportRequest struct {
	From   time.Time
	To     time.Time
	Format string
}

func (r ExportRequest) query() (url.Values, error) {
	q := url.Values{}

	format := r.Format
	if format == "" {
		format = ExportJSON
	}

	switch format {
	case ExportJSON, ExportCSV, ExportMarkdown:
	default:
		return nil, fmt.Errorf("unsupported export format %q", r.Format)
	}

	q.Set("format", format)

	if !r.From.IsZero() {
		q.Set("from", r.From.Format(DateLayout))
	}

	if !r.To.IsZero() {
		q.Set("to", r.To.Format(DateLayout))
	}

	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return nil, fmt.Errorf("export range ends before it starts")
	}

	return q, nil
}

// Export downloads the user's activities in the requested format. Exports
// larger than httpx.MaxResponseBytes fail; use ExportTo for those.
func (c *Client) Export(ctx context.Context, in ExportRequest) ([]byte, error) {
	q, err := in.query()
	if err != nil {
		return nil, err
	}

	return c.doRaw(ctx, request{method: http.MethodGet, path: "/api/export", query: q})
}

// ExportTo streams the export into w without buffering it and returns
// the number of bytes written.
func (c *Client) ExportTo(ctx context.Context, in ExportRequest, w io.Writer) (int64, error) {
	q, err := in.query()
	if err != nil {
		return 0, err
	}

	resp, reqID, err := c.open(ctx, request{method: http.MethodGet, path: "/api/export", query: q})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("streaming export (request %s): %w", reqID, err)
	}

	return n, nil
}

// MeetingNotesRequest asks the API to turn a meeting transcript into
// notes, optionally filed under a context.
type MeetingNotesRequest struct {
	Transcript string `json:"transcript"`
	ContextID  *int64 `json:"context_id,omitempty"`
}

// MeetingNotesResponse is the generated summary.
type MeetingNotesResponse struct {
	Notes       string   `json:"notes"`
	ActionItems []string `json:"action_items"`
}

// GenerateMeetingNotes summarizes a transcript.
func (c *Client) GenerateMeetingNotes(ctx context.Context, in MeetingNotesRequest) (*MeetingNotesResponse, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		return nil, fmt.Errorf("transcript is empty")
	}

	var out MeetingNotesResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/meeting-notes", body: in}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}
