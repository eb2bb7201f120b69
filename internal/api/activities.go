package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lifebuffer/lifebuffer/internal/models"
)

// DateLayout is the calendar-day format used in paths and payloads.
const DateLayout = "2006-01-02"

// DayResponse is everything logged on one day.
type DayResponse = models.Day

// CreateActivityRequest logs a new activity. Date defaults to today on
// the server when empty.
type CreateActivityRequest struct {
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
	Date      string `json:"date,omitempty"`
	ContextID *int64 `json:"context_id,omitempty"`
}

// UpdateActivityRequest replaces the editable fields of an activity.
type UpdateActivityRequest struct {
	Title     string `json:"title"`
	Notes     string `json:"notes"`
	Date      string `json:"date"`
	ContextID *int64 `json:"context_id"`
}

// ParseDate parses a YYYY-MM-DD day in the local time zone.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}

	return t, nil
}

// Day returns the activities and notes logged on date.
func (c *Client) Day(ctx context.Context, date time.Time) (*DayResponse, error) {
	var day DayResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/days/" + date.Format(DateLayout)}, &day); err != nil {
		return nil, err
	}

	if day.Date == "" {
		day.Date = date.Format(DateLayout)
	}

	return &day, nil
}

// CreateActivity logs an activity and returns it as stored.
func (c *Client) CreateActivity(ctx context.Context, in CreateActivityRequest) (*models.Activity, error) {
	var a models.Activity
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/activities", body: in}, &a); err != nil {
		return nil, err
	}

	return &a, nil
}

// UpdateActivity replaces activity id and returns it as stored.
func (c *Client) UpdateActivity(ctx context.Context, id int64, in UpdateActivityRequest) (*models.Activity, error) {
	var a models.Activity
	if err := c.do(ctx, request{method: http.MethodPut, path: activityPath(id), body: in}, &a); err != nil {
		return nil, err
	}

	return &a, nil
}

// DeleteActivity removes activity id.
func (c *Client) DeleteActivity(ctx context.Context, id int64) error {
	return c.do(ctx, request{method: http.MethodDelete, path: activityPath(id)}, nil)
}

func activityPath(id int64) string {
	return "/api/activities/" + strconv.FormatInt(id, 10)
}
