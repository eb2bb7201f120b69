package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/lifebuffer/lifebuffer/internal/api"
	"github.com/lifebuffer/lifebuffer/internal/auth"
	"github.com/lifebuffer/lifebuffer/internal/config"
	"github.com/lifebuffer/lifebuffer/internal/daycache"
	"github.com/lifebuffer/lifebuffer/internal/httpx"
	"github.com/lifebuffer/lifebuffer/internal/mcpserver"
	"github.com/lifebuffer/lifebuffer/internal/models"
	"github.com/lifebuffer/lifebuffer/internal/output"
	"github.com/lifebuffer/lifebuffer/internal/server"
	"github.com/lifebuffer/lifebuffer/internal/state"
)

type appIO struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// app wires the stores and clients one command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	io     appIO
	print  *output.Printer

	db   *state.State
	auth *auth.Authenticator
	api  *api.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, streams appIO, format output.Format, nav auth.Navigator) (*app, error) {
	sealer, err := state.NewSealerHex(cfg.StoreKey)
	if err != nil {
		return nil, fmt.Errorf("loading store key: %w", err)
	}

	db, err := state.LoadAt(cfg.StatePath, sealer)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	session := auth.NewSession(db)
	if err := session.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading session: %w", err)
	}

	httpClient := httpx.NewClient(cfg.HTTPTimeout)

	authenticator := auth.New(auth.Config{
		BaseURL:            cfg.APIBaseURL,
		ClientID:           cfg.ClientID,
		RedirectURI:        cfg.RedirectURI,
		Scopes:             cfg.ScopeList(),
		HomeURL:            cfg.HomeURL(),
		CallbackErrorDelay: cfg.CallbackErrorDelay,
		HTTPClient:         httpClient,
	}, session, nav, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		io:     streams,
		print:  output.New(streams.out, format),
		db:     db,
		auth:   authenticator,
		api:    api.New(cfg.APIBaseURL, authenticator, httpClient, logger),
	}, nil
}

// Close releases the state database.
func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) login(ctx context.Context) error {
	// A fresh login discards anything left from an earlier attempt.
	if err := a.db.Clear(state.Session); err != nil {
		return fmt.Errorf("clearing session state: %w", err)
	}

	ln, err := server.Listen(a.cfg.CallbackListenAddr())
	if err != nil {
		return err
	}

	done := make(chan auth.CallbackResult, 1)
	handler := server.NewMux(server.MuxConfig{
		Auth:         a.auth,
		CallbackPath: a.cfg.CallbackPath(),
		Logger:       a.logger,
		OnDone: func(res auth.CallbackResult) {
			select {
			case done <- res:
			default:
			}
		},
	})

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	var result auth.CallbackResult

	g, gctx := errgroup.WithContext(serveCtx)

	g.Go(func() error {
		return server.Serve(gctx, ln, handler, a.logger)
	})

	g.Go(func() error {
		if err := a.auth.Login(gctx); err != nil {
			return err
		}

		fmt.Fprintln(a.io.err, "Waiting for the browser to finish signing in...")

		select {
		case result = <-done:
			stopServing()
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("login interrupted: %w", ctx.Err())
		}

		return err
	}

	if !result.Authenticated {
		return fmt.Errorf("login failed: %w", result.Err)
	}

	snap := a.auth.Session().Snapshot()

	return a.print.Print(snap, func(w io.Writer) error {
		if snap.User == nil {
			_, err := fmt.Fprintln(w, "Signed in.")
			return err
		}

		_, err := fmt.Fprintf(w, "Signed in as %s <%s>.\n", snap.User.Name, snap.User.Email)
		return err
	})
}

func (a *app) logout(ctx context.Context) error {
	if err := a.auth.Logout(ctx); err != nil {
		return err
	}

	fmt.Fprintln(a.io.err, "Signed out.")

	return nil
}

type statusView struct {
	SignedIn       bool                `json:"signed_in" yaml:"signed_in"`
	Status         string              `json:"status" yaml:"status"`
	User           *models.UserProfile `json:"user,omitempty" yaml:"user,omitempty"`
	TokenExpiresAt *time.Time          `json:"token_expires_at,omitempty" yaml:"token_expires_at,omitempty"`
	StatePath      string              `json:"state_path" yaml:"state_path"`
}

func (a *app) status() error {
	snap := a.auth.Session().Snapshot()

	view := statusView{
		SignedIn:  snap.IsAuthenticated,
		Status:    a.auth.Status().String(),
		User:      snap.User,
		StatePath: a.cfg.StatePath,
	}

	if exp, ok := auth.TokenExpiry(snap.AccessToken); ok {
		view.TokenExpiresAt = &exp
	}

	return a.print.Print(view, func(w io.Writer) error {
		if !view.SignedIn {
			_, err := fmt.Fprintln(w, "Not signed in. Run `lifebuffer login`.")
			return err
		}

		if view.User != nil {
			fmt.Fprintf(w, "Signed in as %s <%s>\n", view.User.Name, view.User.Email)
		} else {
			fmt.Fprintln(w, "Signed in")
		}

		if view.TokenExpiresAt != nil {
			fmt.Fprintf(w, "Access token expires %s\n", view.TokenExpiresAt.Local().Format(time.RFC1123))
		}

		_, err := fmt.Fprintf(w, "State: %s\n", view.StatePath)
		return err
	})
}

func (a *app) whoami(ctx context.Context) error {
	user, err := a.api.User(ctx)
	if err != nil {
		return err
	}

	return a.print.Print(user, userText(user))
}

func userText(user *models.UserProfile) func(io.Writer) error {
	return func(w io.Writer) error {
		verified := "unverified"
		if user.Verified() {
			verified = "verified"
		}

		_, err := fmt.Fprintf(w, "%s <%s> (id %d, email %s)\n", user.Name, user.Email, user.ID, verified)
		return err
	}
}

func (a *app) setProfile(ctx context.Context, name, email string) error {
	// The endpoint replaces both fields, so fill the missing one from the
	// current profile.
	current, err := a.api.User(ctx)
	if err != nil {
		return err
	}

	req := api.UpdateProfileRequest{Name: current.Name, Email: current.Email}
	if name != "" {
		req.Name = name
	}

	if email != "" {
		req.Email = email
	}

	user, err := a.api.UpdateProfile(ctx, req)
	if err != nil {
		return err
	}

	return a.print.Print(user, userText(user))
}

func (a *app) changePassword(ctx context.Context) error {
	prompts := []string{"Current password: ", "New password: ", "Confirm new password: "}

	answers, err := a.readSecrets(prompts)
	if err != nil {
		return fmt.Errorf("reading passwords: %w", err)
	}

	err = a.api.UpdatePassword(ctx, api.UpdatePasswordRequest{
		CurrentPassword:      answers[0],
		Password:             answers[1],
		PasswordConfirmation: answers[2],
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(a.io.err, "Password updated.")

	return nil
}

// readSecrets prompts without echo when stdin is a terminal and reads one
// line per prompt otherwise.
func (a *app) readSecrets(prompts []string) ([]string, error) {
	if f, ok := a.io.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		answers := make([]string, 0, len(prompts))

		for _, p := range prompts {
			fmt.Fprint(a.io.err, p)

			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(a.io.err)

			if err != nil {
				return nil, err
			}

			answers = append(answers, string(b))
		}

		return answers, nil
	}

	return readLines(a.io.in, len(prompts))
}

// readLines reads exactly n lines from r.
func readLines(r io.Reader, n int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	lines := make([]string, 0, n)

	for len(lines) < n && scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(lines) < n {
		return nil, fmt.Errorf("expected %d lines, got %d", n, len(lines))
	}

	return lines, nil
}

func (a *app) newDayCache() *daycache.Cache {
	return daycache.New(a.api, daycache.DefaultTTL, a.logger)
}

func (a *app) day(ctx context.Context, dateStr string) error {
	date := time.Now()

	if dateStr != "" {
		d, err := api.ParseDate(dateStr)
		if err != nil {
			return err
		}

		date = d
	}

	days := a.newDayCache()
	defer days.Close()

	day, err := days.Navigate(ctx, date)
	if err != nil {
		return err
	}

	var contextNames map[int64]string
	if a.print.Format() == output.Text && hasContexts(day.Activities) {
		list, err := a.api.Contexts(ctx)
		if err != nil {
			return err
		}

		contextNames = make(map[int64]string, len(list))
		for _, c := range list {
			contextNames[c.ID] = c.Name
		}
	}

	return a.print.Print(day, func(w io.Writer) error {
		fmt.Fprintln(w, day.Date)

		if len(day.Activities) == 0 {
			fmt.Fprintln(w, "  nothing logged")
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, act := range day.Activities {
			ctxName := ""
			if act.ContextID != nil {
				ctxName = contextNames[*act.ContextID]
			}

			fmt.Fprintf(tw, "  %d\t%s\t%s\n", act.ID, act.Title, ctxName)
		}

		if err := tw.Flush(); err != nil {
			return err
		}

		if day.Notes != "" {
			fmt.Fprintf(w, "\n%s\n", day.Notes)
		}

		return nil
	})
}

func hasContexts(acts []models.Activity) bool {
	for _, act := range acts {
		if act.ContextID != nil {
			return true
		}
	}

	return false
}

func (a *app) findContext(ctx context.Context, name string) (models.Context, error) {
	list, err := a.api.Contexts(ctx)
	if err != nil {
		return models.Context{}, err
	}

	c, ok := api.FindContext(list, name)
	if !ok {
		return models.Context{}, fmt.Errorf("no context named %q", name)
	}

	return c, nil
}

// contextID resolves a context name to its ID. An empty name resolves to
// no context.
func (a *app) contextID(ctx context.Context, name string) (*int64, error) {
	if name == "" {
		return nil, nil
	}

	c, err := a.findContext(ctx, name)
	if err != nil {
		return nil, err
	}

	return &c.ID, nil
}

// activityFields are the editable fields shared by log and activity edit.
type activityFields struct {
	notes   string
	date    string
	context string
}

func (f activityFields) day() (string, error) {
	if f.date == "" {
		return time.Now().Format(api.DateLayout), nil
	}

	d, err := api.ParseDate(f.date)
	if err != nil {
		return "", err
	}

	return d.Format(api.DateLayout), nil
}

func activityText(act *models.Activity) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d  %s  %s\n", act.ID, act.Date, act.Title)
		return err
	}
}

func (a *app) logActivity(ctx context.Context, title string, f activityFields) error {
	date, err := f.day()
	if err != nil {
		return err
	}

	contextID, err := a.contextID(ctx, f.context)
	if err != nil {
		return err
	}

	act, err := a.api.CreateActivity(ctx, api.CreateActivityRequest{
		Title:     title,
		Notes:     f.notes,
		Date:      date,
		ContextID: contextID,
	})
	if err != nil {
		return err
	}

	return a.print.Print(act, activityText(act))
}

func (a *app) editActivity(ctx context.Context, id int64, title string, f activityFields) error {
	date, err := f.day()
	if err != nil {
		return err
	}

	contextID, err := a.contextID(ctx, f.context)
	if err != nil {
		return err
	}

	act, err := a.api.UpdateActivity(ctx, id, api.UpdateActivityRequest{
		Title:     title,
		Notes:     f.notes,
		Date:      date,
		ContextID: contextID,
	})
	if err != nil {
		return err
	}

	return a.print.Print(act, activityText(act))
}

func (a *app) removeActivity(ctx context.Context, id int64) error {
	if err := a.api.DeleteActivity(ctx, id); err != nil {
		return err
	}

	fmt.Fprintf(a.io.err, "Deleted activity %d.\n", id)

	return nil
}

func contextText(c *models.Context) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d  %s\n", c.ID, c.Name)
		return err
	}
}

func (a *app) listContexts(ctx context.Context) error {
	list, err := a.api.Contexts(ctx)
	if err != nil {
		return err
	}

	return a.print.Print(list, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, c := range list {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", c.ID, c.Name, c.Color)
		}

		return tw.Flush()
	})
}

func (a *app) addContext(ctx context.Context, name, color string) error {
	c, err := a.api.CreateContext(ctx, api.ContextRequest{Name: name, Color: color})
	if err != nil {
		return err
	}

	return a.print.Print(c, contextText(c))
}

func (a *app) renameContext(ctx context.Context, from, to string) error {
	existing, err := a.findContext(ctx, from)
	if err != nil {
		return err
	}

	c, err := a.api.UpdateContext(ctx, existing.ID, api.ContextRequest{Name: to, Color: existing.Color})
	if err != nil {
		return err
	}

	return a.print.Print(c, contextText(c))
}

func (a *app) removeContext(ctx context.Context, name string) error {
	existing, err := a.findContext(ctx, name)
	if err != nil {
		return err
	}

	if err := a.api.DeleteContext(ctx, existing.ID); err != nil {
		return err
	}

	fmt.Fprintf(a.io.err, "Deleted context %s.\n", existing.Name)

	return nil
}

type exportOptions struct {
	from    string
	to      string
	format  string
	outPath string
}

func (a *app) export(ctx context.Context, opts exportOptions) error {
	req := api.ExportRequest{Format: opts.format}

	var err error
	if opts.from != "" {
		if req.From, err = api.ParseDate(opts.from); err != nil {
			return err
		}
	}

	if opts.to != "" {
		if req.To, err = api.ParseDate(opts.to); err != nil {
			return err
		}
	}

	if opts.outPath == "" {
		_, err := a.api.ExportTo(ctx, req, a.io.out)
		return err
	}

	f, err := os.OpenFile(opts.outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writing export: %w", err)
	}

	n, err := a.api.ExportTo(ctx, req, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("writing export: %w", closeErr)
	}

	if err != nil {
		_ = os.Remove(opts.outPath)
		return err
	}

	fmt.Fprintf(a.io.err, "Wrote %d bytes to %s.\n", n, opts.outPath)

	return nil
}

func (a *app) notes(ctx context.Context, contextName string) error {
	transcript, err := io.ReadAll(a.io.in)
	if err != nil {
		return fmt.Errorf("reading transcript: %w", err)
	}

	contextID, err := a.contextID(ctx, contextName)
	if err != nil {
		return err
	}

	res, err := a.api.GenerateMeetingNotes(ctx, api.MeetingNotesRequest{
		Transcript: string(transcript),
		ContextID:  contextID,
	})
	if err != nil {
		return err
	}

	return a.print.Print(res, func(w io.Writer) error {
		fmt.Fprintln(w, res.Notes)

		if len(res.ActionItems) > 0 {
			fmt.Fprintln(w, "\nAction items:")
			for _, item := range res.ActionItems {
				fmt.Fprintf(w, "  - %s\n", item)
			}
		}

		return nil
	})
}

func (a *app) serveMCP(ctx context.Context) error {
	if !a.auth.Session().Snapshot().IsAuthenticated {
		a.logger.Warn("starting MCP server without a signed-in session; tools will fail until `lifebuffer login` runs")
	}

	days := a.newDayCache()
	defer days.Close()

	// Drop cached days when the account changes underneath us.
	unsubscribe := a.auth.Session().OnTokensChanged(func(pair models.TokenPair) {
		if pair.AccessToken == "" {
			days.Clear()
		}
	})
	defer unsubscribe()

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "lifebuffer",
		Version: Version,
	}, nil)

	mcpserver.RegisterTools(s, mcpserver.Deps{
		API:  a.api,
		Days: days,
	})

	a.logger.Info("MCP server running on stdio")

	if err := s.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}
