package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifebuffer/lifebuffer/internal/apitest"
	"github.com/lifebuffer/lifebuffer/internal/auth"
	apperrors "github.com/lifebuffer/lifebuffer/internal/errors"
	"github.com/lifebuffer/lifebuffer/internal/logging"
	"github.com/lifebuffer/lifebuffer/internal/models"
	"github.com/lifebuffer/lifebuffer/internal/state"
)

// newAuthed returns a client whose session holds access and refresh.
func newAuthed(t *testing.T, srv *apitest.Server, access, refresh string) (*Client, *auth.Authenticator) {
	t.Helper()

	store := state.NewMemory()
	require.NoError(t, store.Set(state.Durable, state.KeyAccessToken, access))

	if refresh != "" {
		require.NoError(t, store.Set(state.Durable, state.KeyRefreshToken, refresh))
	}

	session := auth.NewSession(store)
	require.NoError(t, session.Init(context.Background()))

	a := auth.New(auth.Config{
		BaseURL:     srv.URL,
		ClientID:    apitest.ClientID,
		RedirectURI: "http://127.0.0.1:8765/auth/callback",
		HTTPClient:  srv.Client(),
	}, session, auth.WriterNavigator{Out: io.Discard}, logging.Discard())

	return New(srv.URL, a, srv.Client(), logging.Discard()), a
}

// fakeAuth is a scripted Authenticator. When rotated is set, every
// AccessToken read after the first returns it, as if another caller
// refreshed the session in between.
type fakeAuth struct {
	token        string
	rotated      string
	refreshed    string
	refreshErr   error
	tokenReads   atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
}

func (f *fakeAuth) AccessToken() string {
	if f.tokenReads.Add(1) > 1 && f.rotated != "" {
		return f.rotated
	}

	return f.token
}

func (f *fakeAuth) Refresh(context.Context) (models.TokenPair, error) {
	f.refreshCalls.Add(1)

	if f.refreshErr != nil {
		return models.TokenPair{}, f.refreshErr
	}

	return models.TokenPair{AccessToken: f.refreshed}, nil
}

func (f *fakeAuth) Logout(context.Context) error {
	f.logoutCalls.Add(1)
	return nil
}

func dayHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/days/{date}", func(w http.ResponseWriter, r *http.Request) {
		apitest.WriteJSON(w, http.StatusOK, map[string]any{
			"date":       r.PathValue("date"),
			"activities": []models.Activity{{ID: 1, Title: "Standup", Date: r.PathValue("date")}},
			"notes":      "busy",
		})
	})

	return mux
}

var testDay = time.Date(2025, 3, 14, 0, 0, 0, 0, time.Local)

func TestClient_UnauthorizedThenRefreshThenSuccess(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())
	srv.SeedTokens("", "refresh-1")

	c, a := newAuthed(t, srv, "stale", "refresh-1")

	day, err := c.Day(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14", day.Date)
	require.Len(t, day.Activities, 1)
	assert.Equal(t, "Standup", day.Activities[0].Title)

	assert.Equal(t, 2, srv.APIRequests(), "one rejected request and one retry")
	assert.Equal(t, 1, srv.TokenCalls("refresh_token"))
	assert.Equal(t, "Bearer "+a.AccessToken(), srv.LastAuthorization())
	assert.NotEqual(t, "stale", a.AccessToken())
}

func TestClient_ValidTokenSingleRequest(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())
	srv.SeedTokens("good", "")

	c, _ := newAuthed(t, srv, "good", "")

	_, err := c.Day(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.APIRequests())
	assert.Equal(t, 0, srv.TokenCalls("refresh_token"))
}

func TestClient_RefreshFailureLogsOut(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())

	c, a := newAuthed(t, srv, "stale", "revoked")

	_, err := c.Day(context.Background(), testDay)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)

	assert.Equal(t, 1, srv.APIRequests())
	assert.Empty(t, a.AccessToken())
	assert.Equal(t, auth.StatusAnonymous, a.Status())
	assert.False(t, a.Session().Snapshot().IsAuthenticated)
}

func TestClient_SecondUnauthorizedStops(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())

	fa := &fakeAuth{token: "stale", refreshed: "still-invalid"}
	c := New(srv.URL, fa, srv.Client(), logging.Discard())

	_, err := c.Day(context.Background(), testDay)
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	assert.Equal(t, 2, srv.APIRequests(), "no third request")
	assert.Equal(t, int32(1), fa.refreshCalls.Load())
}

func TestClient_RotatedTokenRetriedWithoutRefresh(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())
	srv.SeedTokens("fresh", "")

	fa := &fakeAuth{token: "stale", rotated: "fresh"}
	c := New(srv.URL, fa, srv.Client(), logging.Discard())

	day, err := c.Day(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14", day.Date)

	assert.Equal(t, 2, srv.APIRequests())
	assert.Equal(t, "Bearer fresh", srv.LastAuthorization())
	assert.Equal(t, int32(0), fa.refreshCalls.Load())
	assert.Equal(t, int32(0), fa.logoutCalls.Load())
}

func TestClient_RotatedTokenRejectedFallsBackToRefresh(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())
	srv.SeedTokens("refreshed", "")

	fa := &fakeAuth{token: "stale", rotated: "also-stale", refreshed: "refreshed"}
	c := New(srv.URL, fa, srv.Client(), logging.Discard())

	_, err := c.Day(context.Background(), testDay)
	require.NoError(t, err)

	assert.Equal(t, 3, srv.APIRequests())
	assert.Equal(t, "Bearer refreshed", srv.LastAuthorization())
	assert.Equal(t, int32(1), fa.refreshCalls.Load())
}

func TestClient_RefreshErrorWrapped(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())

	fa := &fakeAuth{token: "stale", refreshErr: errors.New("network down")}
	c := New(srv.URL, fa, srv.Client(), logging.Discard())

	_, err := c.Day(context.Background(), testDay)
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	assert.Contains(t, err.Error(), "network down")
	assert.Equal(t, int32(1), fa.logoutCalls.Load())
	assert.Equal(t, 1, srv.APIRequests())
}

func TestClient_CanceledDuringRefreshDoesNotLogOut(t *testing.T) {
	srv := apitest.New(t)
	srv.SetAPI(dayHandler())

	ctx, cancel := context.WithCancel(context.Background())

	fa := &fakeAuth{token: "stale"}
	fa.refreshErr = context.Canceled

	c := New(srv.URL, &cancelingAuth{fakeAuth: fa, cancel: cancel}, srv.Client(), logging.Discard())

	_, err := c.Day(ctx, testDay)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), fa.logoutCalls.Load())
}

// cancelingAuth cancels the caller's context while refreshing.
type cancelingAuth struct {
	*fakeAuth
	cancel context.CancelFunc
}

func (c *cancelingAuth) Refresh(ctx context.Context) (models.TokenPair, error) {
	c.cancel()
	return c.fakeAuth.Refresh(ctx)
}

func TestClient_NotSignedIn(t *testing.T) {
	srv := apitest.New(t)

	c := New(srv.URL, &fakeAuth{}, srv.Client(), logging.Discard())

	_, err := c.User(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	assert.Equal(t, 0, srv.APIRequests())
}

func TestClient_Headers(t *testing.T) {
	srv := apitest.New(t)
	srv.SeedTokens("good", "")

	var got http.Header

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/activities", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		apitest.WriteJSON(w, http.StatusCreated, models.Activity{ID: 1, Title: "x"})
	})
	srv.SetAPI(mux)

	c, _ := newAuthed(t, srv, "good", "")

	_, err := c.CreateActivity(context.Background(), CreateActivityRequest{Title: "x"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer good", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))

	_, err = uuid.Parse(got.Get("X-Request-ID"))
	assert.NoError(t, err)
}

func TestClient_APIError(t *testing.T) {
	srv := apitest.New(t)
	srv.SeedTokens("good", "")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/activities", func(w http.ResponseWriter, _ *http.Request) {
		apitest.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "The title field is required.",
			"errors":  map[string][]string{"title": {"The title field is required."}},
		})
	})
	mux.HandleFunc("DELETE /api/activities/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream\x00broken"))
	})
	srv.SetAPI(mux)

	c, _ := newAuthed(t, srv, "good", "")

	_, err := c.CreateActivity(context.Background(), CreateActivityRequest{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "The title field is required.", apiErr.Message)
	assert.NotEmpty(t, apiErr.RequestID)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.Equal(t, 1, srv.APIRequests())

	err = c.DeleteActivity(context.Background(), 5)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream?broken", apiErr.Message)
}

func TestClient_MalformedBody(t *testing.T) {
	srv := apitest.New(t)
	srv.SeedTokens("good", "")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/contexts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "not-a-list"`))
	})
	srv.SetAPI(mux)

	c, _ := newAuthed(t, srv, "good", "")

	_, err := c.Contexts(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "api: HTTP 500", (&APIError{Status: 500}).Error())
	assert.Equal(t, "api: HTTP 404: Not Found", (&APIError{Status: 404, Message: "Not Found"}).Error())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "m", errorMessage([]byte(`{"message":"m","error":"e"}`)))
	assert.Equal(t, "d", errorMessage([]byte(`{"error":"e","error_description":"d"}`)))
	assert.Equal(t, "e", errorMessage([]byte(`{"error":"e"}`)))
	assert.Equal(t, "plain", errorMessage([]byte("plain")))

	// A non-string message falls through to the raw body.
	raw := `{"message":{"nested":true}}`
	assert.Equal(t, raw, errorMessage([]byte(raw)))
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r.Body).Decode(v))
}
