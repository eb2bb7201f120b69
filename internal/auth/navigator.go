package auth

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/browser"
)

//go:generate mockgen -destination=mock_navigator_test.go -package=auth . Navigator

// Navigator sends the user-agent to a URL.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// WriterNavigator prints the URL for the user to open by hand.
type WriterNavigator struct {
	Out io.Writer
}

// Navigate writes target to Out.
func (n WriterNavigator) Navigate(_ context.Context, target string) error {
	_, err := fmt.Fprintf(n.Out, "Open this URL in your browser to sign in:\n\n  %s\n\n", target)
	return err
}

// BrowserNavigator opens the system browser and always prints the URL
// too, so headless sessions can still complete the flow.
type BrowserNavigator struct {
	Out io.Writer

	open func(string) error
}

// NewBrowserNavigator returns a navigator that prints to out.
func NewBrowserNavigator(out io.Writer) *BrowserNavigator {
	return &BrowserNavigator{Out: out, open: browser.OpenURL}
}

// Navigate prints target and tries to open it. Failing to launch a
// browser is not an error.
func (n *BrowserNavigator) Navigate(ctx context.Context, target string) error {
	if err := (WriterNavigator{Out: n.Out}).Navigate(ctx, target); err != nil {
		return err
	}

	open := n.open
	if open == nil {
		open = browser.OpenURL
	}

	if err := open(target); err != nil {
		fmt.Fprintln(n.Out, "Could not open a browser automatically; use the URL above.")
	}

	return nil
}
