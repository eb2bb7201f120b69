package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifebuffer/lifebuffer/internal/apitest"
	"github.com/lifebuffer/lifebuffer/internal/auth"
	apperrors "github.com/lifebuffer/lifebuffer/internal/errors"
	"github.com/lifebuffer/lifebuffer/internal/logging"
	"github.com/lifebuffer/lifebuffer/internal/state"
)

type harness struct {
	backend *apitest.Server
	local   *httptest.Server
	auth    *auth.Authenticator
	client  *http.Client

	mu      sync.Mutex
	results []auth.CallbackResult
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{backend: apitest.New(t)}

	// The redirect URI has to be known before the local server starts,
	// so route through a handler swapped in afterwards.
	var mux http.Handler

	h.local = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(h.local.Close)

	session := auth.NewSession(state.NewMemory())
	require.NoError(t, session.Init(context.Background()))

	h.auth = auth.New(auth.Config{
		BaseURL:            h.backend.URL,
		ClientID:           apitest.ClientID,
		RedirectURI:        h.local.URL + DefaultCallbackPath,
		CallbackErrorDelay: 3 * time.Second,
		HTTPClient:         h.backend.Client(),
	}, session, auth.WriterNavigator{Out: io.Discard}, logging.Discard())

	mux = NewMux(MuxConfig{
		Auth:   h.auth,
		Logger: logging.Discard(),
		OnDone: func(res auth.CallbackResult) {
			h.mu.Lock()
			h.results = append(h.results, res)
			h.mu.Unlock()
		},
	})

	h.client = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return h
}

func (h *harness) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := h.client.Get(h.local.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func (h *harness) done() []auth.CallbackResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]auth.CallbackResult(nil), h.results...)
}

// startLogin follows /login to the authorization server and returns
// the callback path the browser would be sent to.
func (h *harness) startLogin(t *testing.T) string {
	t.Helper()

	resp, _ := h.get(t, "/login")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	query := h.backend.Authorize(t, resp.Header.Get("Location"))

	return DefaultCallbackPath + "?" + query.Encode()
}

func TestMux_SignInFlow(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "You are not signed in.")
	assert.Empty(t, h.done())

	resp, _ = h.get(t, h.startLogin(t))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	_, body = h.get(t, "/")
	assert.Contains(t, body, "Signed in as <strong>Ada Lovelace</strong>")

	results := h.done()
	require.Len(t, results, 1)
	assert.True(t, results[0].Authenticated)

	// Further home visits do not report again.
	h.get(t, "/")
	assert.Len(t, h.done(), 1)
}

func TestMux_ExchangeFailureShowsDelayedPage(t *testing.T) {
	h := newHarness(t)

	callback := h.startLogin(t)
	h.backend.SetTokenFailure("server_error")

	resp, body := h.get(t, callback)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, `<meta http-equiv="refresh" content="3;url=/">`)
	assert.Contains(t, body, "Returning in 3 seconds.")
	assert.Empty(t, h.done(), "not done until the browser is home")

	_, body = h.get(t, "/")
	assert.Contains(t, body, "Sign-in failed. Please try again.")

	results := h.done()
	require.Len(t, results, 1)
	assert.False(t, results[0].Authenticated)
	assert.ErrorIs(t, results[0].Err, apperrors.ErrTokenExchange)
}

func TestMux_StateMismatchRedirectsImmediately(t *testing.T) {
	h := newHarness(t)

	h.startLogin(t)

	resp, _ := h.get(t, DefaultCallbackPath+"?code=abc&state=forged")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	assert.Equal(t, 0, h.backend.TokenCalls("authorization_code"))

	_, body := h.get(t, "/")
	assert.Contains(t, body, "Sign-in link expired")
}

func TestMux_DeniedRedirectsImmediately(t *testing.T) {
	h := newHarness(t)

	h.startLogin(t)

	q := url.Values{"error": {"access_denied"}}
	resp, _ := h.get(t, DefaultCallbackPath+"?"+q.Encode())
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	_, body := h.get(t, "/")
	assert.Contains(t, body, "Sign-in was cancelled.")
}

func TestMux_Logout(t *testing.T) {
	h := newHarness(t)

	h.get(t, h.startLogin(t))
	require.True(t, h.auth.Session().Snapshot().IsAuthenticated)

	resp, _ := h.get(t, "/logout")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	// Logging out twice is fine.
	resp, _ = h.get(t, "/logout")
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	_, body := h.get(t, "/")
	assert.Contains(t, body, "You are not signed in.")
}

func TestMux_UnknownPath(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFailureMessage(t *testing.T) {
	assert.Empty(t, failureMessage(nil))
	assert.Equal(t, "Sign-in was cancelled.", failureMessage(fmt.Errorf("%w: x", apperrors.ErrAuthorizationDenied)))
	assert.Contains(t, failureMessage(apperrors.ErrCSRFMismatch), "expired")
	assert.Equal(t, "Sign-in failed. Please try again.", failureMessage(errors.New("other")))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- Serve(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}), logging.Discard())
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestListen_AddressInUse(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	_, err = Listen(ln.Addr().String())
	assert.ErrorContains(t, err, "is another login running?")
}
