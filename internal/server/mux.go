// Package server serves the loopback pages that complete a browser
// sign-in: the OAuth redirect target plus small home, login and logout
// routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"html/template"
	"log/slog"
	"math"
	"net/http"
	"sync"

	"github.com/lifebuffer/lifebuffer/internal/auth"
	apperrors "github.com/lifebuffer/lifebuffer/internal/errors"
)

// DefaultCallbackPath is the redirect URI path when none is configured.
const DefaultCallbackPath = "/auth/callback"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Auth         *auth.Authenticator
	CallbackPath string
	Logger       *slog.Logger

	// OnDone, if set, is called once the user-agent has been sent home
	// after a callback, with that callback's result.
	OnDone func(auth.CallbackResult)
}

type handlers struct {
	cfg MuxConfig

	mu      sync.Mutex
	pending *auth.CallbackResult
}

// NewMux builds the HTTP mux with login, callback, logout and home
// routes.
func NewMux(cfg MuxConfig) *http.ServeMux {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}

	h := &handlers{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.home)
	mux.HandleFunc("GET /login", h.login)
	mux.HandleFunc("GET "+cfg.CallbackPath, h.callback)
	mux.HandleFunc("GET /logout", h.logout)

	return mux
}

func (h *handlers) home(w http.ResponseWriter, r *http.Request) {
	snap := h.cfg.Auth.Session().Snapshot()
	data := homeData{SignedIn: snap.IsAuthenticated}

	if snap.User != nil {
		data.User = &homeUser{Name: snap.User.Name, Email: snap.User.Email}
	}

	h.mu.Lock()
	done := h.pending
	h.pending = nil
	h.mu.Unlock()

	if done != nil && !done.Authenticated {
		data.Message = failureMessage(done.Err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	if err := homePage.Execute(w, data); err != nil {
		h.cfg.Logger.Error("rendering home page", slog.String("error", err.Error()))
	}

	if done != nil && h.cfg.OnDone != nil {
		h.cfg.OnDone(*done)
	}
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	target, err := h.cfg.Auth.LoginURL(r.Context())
	if err != nil {
		h.cfg.Logger.Error("starting login", slog.String("error", err.Error()))
		http.Error(w, "could not start sign-in", http.StatusInternalServerError)

		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *handlers) callback(w http.ResponseWriter, r *http.Request) {
	res := h.cfg.Auth.HandleCallback(r.Context(), r.URL.Query())

	if res.Err != nil && errors.Is(res.Err, context.Canceled) {
		return
	}

	h.mu.Lock()
	h.pending = &res
	h.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")

	if res.Delay <= 0 {
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
		return
	}

	seconds := int(math.Ceil(res.Delay.Seconds()))
	data := exchangeFailedData{
		Refresh: template.HTMLAttr(fmt.Sprintf(`content="%d;url=%s"`, seconds, html.EscapeString(res.RedirectTo))),
		Seconds: seconds,
		Home:    res.RedirectTo,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)

	if err := exchangeFailedPage.Execute(w, data); err != nil {
		h.cfg.Logger.Error("rendering exchange failure page", slog.String("error", err.Error()))
	}
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Auth.Logout(r.Context()); err != nil {
		h.cfg.Logger.Error("logging out", slog.String("error", err.Error()))
		http.Error(w, "could not sign out", http.StatusInternalServerError)

		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// failureMessage turns a callback error into text safe to show users.
func failureMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperrors.ErrAuthorizationDenied):
		return "Sign-in was cancelled."
	case errors.Is(err, apperrors.ErrCSRFMismatch):
		return "Sign-in link expired or was already used. Please try again."
	default:
		return "Sign-in failed. Please try again."
	}
}
