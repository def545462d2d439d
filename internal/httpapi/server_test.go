package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/helpdesk-mailsync/internal/auth"
	"github.com/Martian-dev/helpdesk-mailsync/internal/scheduler"
	"github.com/Martian-dev/helpdesk-mailsync/internal/store"
	"github.com/Martian-dev/helpdesk-mailsync/internal/sync"
)

const secret = "admin-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakes struct {
	syncErr     error
	syncCalls   []int64
	refreshed   time.Duration
	authorized  auth.State
	authURLErr  error
	completeErr error
	pingErr     error
}

func (f *fakes) SyncNow(_ context.Context, id int64) (int, error) {
	f.syncCalls = append(f.syncCalls, id)
	if f.syncErr != nil {
		return 0, f.syncErr
	}
	return 2, nil
}

func (f *fakes) RefreshExpiring(_ context.Context, within time.Duration) (auth.RefreshSummary, error) {
	f.refreshed = within
	return auth.RefreshSummary{Checked: 3, Refreshed: 2, Reauth: 1}, nil
}

func (f *fakes) AuthorizationURL(_ context.Context, st auth.State) (string, error) {
	f.authorized = st
	if f.authURLErr != nil {
		return "", f.authURLErr
	}
	return "https://login.example/authorize?state=signed", nil
}

func (f *fakes) Complete(_ context.Context, code, _ string) (*auth.ConnectResult, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &auth.ConnectResult{MailboxID: 4, Email: "support@acme.test", TokenID: 9}, nil
}

func (f *fakes) PingContext(context.Context) error { return f.pingErr }

func (f *fakes) States() []scheduler.JobState {
	return []scheduler.JobState{{Name: scheduler.JobMailSync, Runs: 5}}
}

func newServer(t *testing.T, f *fakes) *Server {
	t.Helper()
	v, err := auth.NewHMACVerifier(secret)
	require.NoError(t, err)
	return New(Deps{Auth: v, Sync: f, Tokens: f, Connect: f, DB: f, Jobs: f, Version: "test"}, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		tok, err := auth.SignOperatorToken(secret, auth.Operator{ID: "op-1", Email: "op@acme.test"}, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := &fakes{}
	s := newServer(t, f)

	w := do(t, s, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	f.pingErr = errors.New("db down")
	w = do(t, s, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetrics(t *testing.T) {
	s := newServer(t, &fakes{})
	w := do(t, s, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAdminRequiresToken(t *testing.T) {
	f := &fakes{}
	s := newServer(t, f)
	for _, path := range []string{"/admin/sync-configs/1/run", "/admin/tokens/refresh", "/admin/oauth/authorize"} {
		w := do(t, s, http.MethodPost, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	assert.Empty(t, f.syncCalls)
}

func TestRunSync(t *testing.T) {
	f := &fakes{}
	s := newServer(t, f)

	w := do(t, s, http.MethodPost, "/admin/sync-configs/12/run", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{12}, f.syncCalls)
	assert.EqualValues(t, 2, decode(t, w)["created"])

	w = do(t, s, http.MethodPost, "/admin/sync-configs/abc/run", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("config 12: %w", sync.ErrAlreadyRunning), http.StatusConflict},
		{fmt.Errorf("config 12: %w", sync.ErrInactive), http.StatusConflict},
		{auth.ErrReauthRequired, http.StatusConflict},
		{errors.New("provider unavailable"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		f.syncErr = tt.err
		w := do(t, s, http.MethodPost, "/admin/sync-configs/12/run", "", true)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestRefreshTokens(t *testing.T) {
	f := &fakes{}
	s := newServer(t, f)
	w := do(t, s, http.MethodPost, "/admin/tokens/refresh", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10*time.Minute, f.refreshed)

	var sum auth.RefreshSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, auth.RefreshSummary{Checked: 3, Refreshed: 2, Reauth: 1}, sum)
}

func TestAuthorize(t *testing.T) {
	f := &fakes{}
	s := newServer(t, f)

	w := do(t, s, http.MethodPost, "/admin/oauth/authorize", `{"workspace_id":1,"agent_id":2,"integration_id":3}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://login.example/authorize?state=signed", decode(t, w)["authorization_url"])
	assert.Equal(t, auth.State{WorkspaceID: 1, AgentID: 2, IntegrationID: 3, Flow: auth.FlowConnect}, f.authorized)

	w = do(t, s, http.MethodPost, "/admin/oauth/authorize", `{"workspace_id":1,"integration_id":3,"flow":"reconnect"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/admin/oauth/authorize", `{"workspace_id":1,"integration_id":3,"flow":"other"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/admin/oauth/authorize", `{"integration_id":3}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.authURLErr = fmt.Errorf("load integration 3: %w", store.ErrNotFound)
	w = do(t, s, http.MethodPost, "/admin/oauth/authorize", `{"workspace_id":1,"integration_id":3}`, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOAuthCallback(t *testing.T) {
	f := &fakes{}
	s := newServer(t, f)

	w := do(t, s, http.MethodGet, "/oauth/callback?code=abc&state=xyz", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "support@acme.test", decode(t, w)["email"])

	w = do(t, s, http.MethodGet, "/oauth/callback?error=access_denied&error_description=nope", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.completeErr = fmt.Errorf("%w: token expired", auth.ErrInvalidState)
	w = do(t, s, http.MethodGet, "/oauth/callback?code=abc&state=old", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.completeErr = &auth.ConfigurationError{IntegrationID: 3, Err: errors.New("invalid_client")}
	w = do(t, s, http.MethodGet, "/oauth/callback?code=abc&state=xyz", "", false)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestJobs(t *testing.T) {
	s := newServer(t, &fakes{})
	w := do(t, s, http.MethodGet, "/admin/jobs", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var states []scheduler.JobState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.Equal(t, 5, states[0].Runs)
}
