package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lifebuffer/lifebuffer/internal/api"
	"github.com/lifebuffer/lifebuffer/internal/auth"
	"github.com/lifebuffer/lifebuffer/internal/config"
	"github.com/lifebuffer/lifebuffer/internal/output"
)

// skipApp marks commands that run without config or state.
const skipApp = "skip-app"

// cli holds what the command tree shares. The app is opened lazily so
// help and version work without configuration.
type cli struct {
	io         appIO
	loadConfig func() (*config.Config, error)
	newLogger  func(*config.Config) *slog.Logger
	nav        auth.Navigator

	format string
	app    *app
}

func (c *cli) open(ctx context.Context) error {
	format, err := output.ParseFormat(c.format)
	if err != nil {
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := newApp(ctx, cfg, c.newLogger(cfg), c.io, format, c.nav)
	if err != nil {
		return err
	}

	c.app = a

	return nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

func run(ctx context.Context, c *cli, args []string) error {
	defer c.close()

	root := newRootCmd(c)
	root.SetArgs(args)

	return root.ExecuteContext(ctx)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "lifebuffer",
		Short:         "Sign in to LifeBuffer and work with your activity log",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipApp] != "" || cmd.Name() == "help" {
				return nil
			}

			return c.open(cmd.Context())
		},
	}

	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(c.io.in)
	root.SetOut(c.io.out)
	root.SetErr(c.io.err)
	root.PersistentFlags().StringVarP(&c.format, "output", "o", string(output.Text), "output format: text, json or yaml")

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(c),
		newLogoutCmd(c),
		newStatusCmd(c),
		newWhoamiCmd(c),
		newProfileCmd(c),
		newDayCmd(c),
		newLogCmd(c),
		newActivityCmd(c),
		newContextsCmd(c),
		newExportCmd(c),
		newNotesCmd(c),
		newMCPCmd(c),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

func newLoginCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.login(cmd.Context())
		},
	}
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.logout(cmd.Context())
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether you are signed in",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.app.status()
		},
	}
}

func newWhoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Fetch your profile from the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.whoami(cmd.Context())
		},
	}
}

func newProfileCmd(c *cli) *cobra.Command {
	profile := &cobra.Command{
		Use:   "profile",
		Short: "Change your name, email or password",
	}

	var name, email string

	set := &cobra.Command{
		Use:   "set",
		Short: "Update name and email; omitted fields keep their value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.setProfile(cmd.Context(), name, email)
		},
	}
	set.Flags().StringVar(&name, "name", "", "display name")
	set.Flags().StringVar(&email, "email", "", "email address")
	set.MarkFlagsOneRequired("name", "email")

	password := &cobra.Command{
		Use:   "password",
		Short: "Change your password",
		Long:  "Change your password. Prompts when run in a terminal; otherwise reads the current password, the new one and its confirmation as three lines on stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.changePassword(cmd.Context())
		},
	}

	profile.AddCommand(set, password)

	return profile
}

func newDayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "day [YYYY-MM-DD]",
		Short: "Show everything logged on a day, default today",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var date string
			if len(args) > 0 {
				date = args[0]
			}

			return c.app.day(cmd.Context(), date)
		},
	}
}

func addActivityFlags(cmd *cobra.Command, f *activityFields) {
	cmd.Flags().StringVar(&f.notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&f.date, "date", "", "day as YYYY-MM-DD, default today")
	cmd.Flags().StringVar(&f.context, "context", "", "context name, matched ignoring case")
}

func newLogCmd(c *cli) *cobra.Command {
	var f activityFields

	cmd := &cobra.Command{
		Use:   "log <title>",
		Short: "Log an activity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.TrimSpace(strings.Join(args, " "))
			if title == "" {
				return fmt.Errorf("title is required")
			}

			return c.app.logActivity(cmd.Context(), title, f)
		},
	}
	addActivityFlags(cmd, &f)

	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}

	return id, nil
}

func newActivityCmd(c *cli) *cobra.Command {
	activity := &cobra.Command{
		Use:   "activity",
		Short: "Edit or delete logged activities",
	}

	var (
		f     activityFields
		title string
	)

	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace an activity's title, notes, day and context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return c.app.editActivity(cmd.Context(), id, title, f)
		},
	}
	edit.Flags().StringVar(&title, "title", "", "activity title")
	addActivityFlags(edit, &f)
	_ = edit.MarkFlagRequired("title")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return c.app.removeActivity(cmd.Context(), id)
		},
	}

	activity.AddCommand(edit, rm)

	return activity
}

func newContextsCmd(c *cli) *cobra.Command {
	contexts := &cobra.Command{
		Use:     "contexts",
		Aliases: []string{"context"},
		Short:   "List and manage contexts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.listContexts(cmd.Context())
		},
	}

	var color string

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.addContext(cmd.Context(), args[0], color)
		},
	}
	add.Flags().StringVar(&color, "color", "", "display color, e.g. #3366ff")

	rename := &cobra.Command{
		Use:   "rename <name> <new-name>",
		Short: "Rename a context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.renameContext(cmd.Context(), args[0], args[1])
		},
	}

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.removeContext(cmd.Context(), args[0])
		},
	}

	contexts.AddCommand(add, rename, rm)

	return contexts
}

func newExportCmd(c *cli) *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download activities as JSON, CSV or Markdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.export(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.from, "from", "", "first day as YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.to, "to", "", "last day as YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.format, "format", api.ExportJSON, "json, csv or markdown")
	cmd.Flags().StringVar(&opts.outPath, "out", "", "write to this file instead of stdout")

	return cmd
}

func newNotesCmd(c *cli) *cobra.Command {
	var contextName string

	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Turn a meeting transcript on stdin into notes and action items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.notes(cmd.Context(), contextName)
		},
	}
	cmd.Flags().StringVar(&contextName, "context", "", "context to file the notes under")

	return cmd
}

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve LifeBuffer tools to AI assistants over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.serveMCP(cmd.Context())
		},
	}
}
