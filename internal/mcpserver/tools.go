// Package mcpserver registers MCP tools that expose the signed-in
// user's LifeBuffer account to AI assistants.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lifebuffer/lifebuffer/internal/api"
	apperrors "github.com/lifebuffer/lifebuffer/internal/errors"
	"github.com/lifebuffer/lifebuffer/internal/models"
)

// Gateway is the subset of api.Client the tools call.
type Gateway interface {
	User(ctx context.Context) (*models.UserProfile, error)
	Contexts(ctx context.Context) ([]models.Context, error)
	CreateActivity(ctx context.Context, in api.CreateActivityRequest) (*models.Activity, error)
	GenerateMeetingNotes(ctx context.Context, in api.MeetingNotesRequest) (*api.MeetingNotesResponse, error)
}

// Days is the subset of daycache.Cache the tools call.
type Days interface {
	Navigate(ctx context.Context, date time.Time) (*api.DayResponse, error)
	Invalidate(date time.Time)
}

// Deps holds what the tools need. Now defaults to time.Now.
type Deps struct {
	API  Gateway
	Days Days
	Now  func() time.Time
}

// RegisterTools adds all LifeBuffer tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps Deps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lifebuffer_whoami",
		Description: "Show the signed-in LifeBuffer user. Use this to check that the assistant has access before other calls.",
	}, whoamiHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lifebuffer_day",
		Description: "Read everything logged on one day: activities with their context and the day's notes. Defaults to today.",
	}, dayHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lifebuffer_log_activity",
		Description: "Log an activity on a day (default today). The context is matched by name, ignoring case.",
	}, logActivityHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lifebuffer_contexts",
		Description: "List the user's contexts (the categories activities are filed under).",
	}, contextsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lifebuffer_meeting_notes",
		Description: "Turn a meeting transcript into concise notes and action items.",
	}, meetingNotesHandler(deps))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// WhoamiInput has no parameters.
type WhoamiInput struct{}

// DayInput holds parameters for lifebuffer_day.
type DayInput struct {
	Date string `json:"date,omitempty" jsonschema:"day to read as YYYY-MM-DD, defaults to today"`
}

// LogActivityInput holds parameters for lifebuffer_log_activity.
type LogActivityInput struct {
	Title   string `json:"title" jsonschema:"short description of the activity"`
	Notes   string `json:"notes,omitempty" jsonschema:"longer free-form notes"`
	Date    string `json:"date,omitempty" jsonschema:"day as YYYY-MM-DD, defaults to today"`
	Context string `json:"context,omitempty" jsonschema:"context name, e.g. Work"`
}

// ContextsInput has no parameters.
type ContextsInput struct{}

// MeetingNotesInput holds parameters for lifebuffer_meeting_notes.
type MeetingNotesInput struct {
	Transcript string `json:"transcript" jsonschema:"raw meeting transcript"`
	Context    string `json:"context,omitempty" jsonschema:"context name to file the notes under"`
}

// --- Output types ---

// WhoamiResult is the output of lifebuffer_whoami.
type WhoamiResult struct {
	User *models.UserProfile `json:"user"`
}

// DayResult is the output of lifebuffer_day.
type DayResult struct {
	Day *api.DayResponse `json:"day"`
}

// LogActivityResult is the output of lifebuffer_log_activity.
type LogActivityResult struct {
	Activity *models.Activity `json:"activity"`
	Context  *models.Context  `json:"context,omitempty"`
}

// ContextsResult is the output of lifebuffer_contexts.
type ContextsResult struct {
	Contexts []models.Context `json:"contexts"`
}

// MeetingNotesResult is the output of lifebuffer_meeting_notes.
type MeetingNotesResult struct {
	Notes       string   `json:"notes"`
	ActionItems []string `json:"action_items"`
}

// --- Handlers ---

func whoamiHandler(d Deps) mcp.ToolHandlerFor[WhoamiInput, *WhoamiResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ WhoamiInput) (*mcp.CallToolResult, *WhoamiResult, error) {
		user, err := d.API.User(ctx)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &WhoamiResult{User: user}

		return textResult(result), result, nil
	}
}

func dayHandler(d Deps) mcp.ToolHandlerFor[DayInput, *DayResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DayInput) (*mcp.CallToolResult, *DayResult, error) {
		date, err := d.date(input.Date)
		if err != nil {
			return nil, nil, err
		}

		day, err := d.Days.Navigate(ctx, date)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &DayResult{Day: day}

		return textResult(result), result, nil
	}
}

func logActivityHandler(d Deps) mcp.ToolHandlerFor[LogActivityInput, *LogActivityResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LogActivityInput) (*mcp.CallToolResult, *LogActivityResult, error) {
		if input.Title == "" {
			return nil, nil, errors.New("title is required")
		}

		date, err := d.date(input.Date)
		if err != nil {
			return nil, nil, err
		}

		req := api.CreateActivityRequest{
			Title: input.Title,
			Notes: input.Notes,
			Date:  date.Format(api.DateLayout),
		}

		result := &LogActivityResult{}

		if input.Context != "" {
			c, err := d.resolveContext(ctx, input.Context)
			if err != nil {
				return nil, nil, err
			}

			req.ContextID = &c.ID
			result.Context = c
		}

		activity, err := d.API.CreateActivity(ctx, req)
		if err != nil {
			return nil, nil, toolError(err)
		}

		d.Days.Invalidate(date)
		result.Activity = activity

		return textResult(result), result, nil
	}
}

func contextsHandler(d Deps) mcp.ToolHandlerFor[ContextsInput, *ContextsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ContextsInput) (*mcp.CallToolResult, *ContextsResult, error) {
		list, err := d.API.Contexts(ctx)
		if err != nil {
			return nil, nil, toolError(err)
		}

		if list == nil {
			list = []models.Context{}
		}

		result := &ContextsResult{Contexts: list}

		return textResult(result), result, nil
	}
}

func meetingNotesHandler(d Deps) mcp.ToolHandlerFor[MeetingNotesInput, *MeetingNotesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MeetingNotesInput) (*mcp.CallToolResult, *MeetingNotesResult, error) {
		req := api.MeetingNotesRequest{Transcript: input.Transcript}

		if input.Context != "" {
			c, err := d.resolveContext(ctx, input.Context)
			if err != nil {
				return nil, nil, err
			}

			req.ContextID = &c.ID
		}

		notes, err := d.API.GenerateMeetingNotes(ctx, req)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &MeetingNotesResult{Notes: notes.Notes, ActionItems: notes.ActionItems}
		if result.ActionItems == nil {
			result.ActionItems = []string{}
		}

		return textResult(result), result, nil
	}
}

// date parses an optional YYYY-MM-DD argument, defaulting to today.
func (d Deps) date(s string) (time.Time, error) {
	if s == "" {
		now := d.Now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), nil
	}

	return api.ParseDate(s)
}

func (d Deps) resolveContext(ctx context.Context, name string) (*models.Context, error) {
	list, err := d.API.Contexts(ctx)
	if err != nil {
		return nil, toolError(err)
	}

	c, ok := api.FindContext(list, name)
	if !ok {
		return nil, fmt.Errorf("no context named %q", name)
	}

	return &c, nil
}

// toolError rewrites session failures into an instruction the
// assistant can relay to the user.
func toolError(err error) error {
	if errors.Is(err, apperrors.ErrSessionExpired) {
		return errors.New("not signed in to LifeBuffer: run `lifebuffer login` and try again")
	}

	return err
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
