package upstream

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"antigravity2api-go/internal/tokenmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	client    *Client
	manager   *tokenmgr.Manager
	project   *tokenmgr.Project
	oauthHits *int32
}

// newFixture wires a client against the given upstream handler, with a
// project whose access token is valid and an OAuth endpoint that always
// grants a fresh one.
func newFixture(t *testing.T, upstreamHandler http.HandlerFunc) *fixture {
	t.Helper()

	var oauthHits int32
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&oauthHits, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "refreshed", "expires_in": 3599})
	}))
	t.Cleanup(oauth.Close)

	api := httptest.NewServer(upstreamHandler)
	t.Cleanup(api.Close)

	path := filepath.Join(t.TempDir(), "tokens.json")
	layout := `{
	  "oauth_config": {"client_id": "cid", "client_secret": "cs", "token_url": "` + oauth.URL + `"},
	  "projects": [{"project_id": "p1", "refresh_token": "r1", "access_token": "initial", "expires_at": 9999999999}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(layout), 0o600))

	manager := tokenmgr.NewManager(tokenmgr.Options{Store: tokenmgr.NewStore(path)})
	require.NoError(t, manager.Load())
	project, err := manager.Pick()
	require.NoError(t, err)

	return &fixture{
		client:    New(api.URL, manager),
		manager:   manager,
		project:   project,
		oauthHits: &oauthHits,
	}
}

func TestPostSendsEnvelopeWithHeaders(t *testing.T) {
	var got struct {
		auth, contentType, accept, userAgent, path string
		body                                       []byte
	}
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		got.accept = r.Header.Get("Accept-Encoding")
		got.userAgent = r.Header.Get("User-Agent")
		got.path = r.URL.Path
		got.body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"ok":true}`))
	})

	resp, err := f.client.Post(context.Background(), f.project,
		"/v1internal:generateContent", []byte(`{"project":"p1"}`), ChatTimeout)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer initial", got.auth)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, "gzip", got.accept)
	assert.Equal(t, "antigravity/1.11.3 windows/amd64", got.userAgent)
	assert.Equal(t, "/v1internal:generateContent", got.path)
	assert.JSONEq(t, `{"project":"p1"}`, string(got.body))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.EqualValues(t, 0, atomic.LoadInt32(f.oauthHits))
}

func TestPostDecompressesGzipResponses(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"compressed":true}`))
		gz.Close()
	})

	resp, err := f.client.Post(context.Background(), f.project,
		"/v1internal:generateContent", []byte(`{}`), ChatTimeout)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"compressed":true}`, string(body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestPostRetriesOnceAfterAuthFailure(t *testing.T) {
	var calls int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer refreshed", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true}`))
	})

	resp, err := f.client.Post(context.Background(), f.project,
		"/v1internal:generateContent", []byte(`{}`), ChatTimeout)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(f.oauthHits), "refresh forced despite valid-looking expiry")
	assert.True(t, f.project.Enabled)
}

func TestPostDisablesProjectWhenRetryFails(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := f.client.Post(context.Background(), f.project,
		"/v1internal:generateContent", []byte(`{}`), ChatTimeout)
	require.Error(t, err)

	assert.False(t, f.project.Enabled)
	assert.Equal(t, "Auth failed after token refresh: 403", f.project.DisabledReason)

	_, err = f.manager.Pick()
	assert.ErrorIs(t, err, tokenmgr.ErrAllDisabled)
}

func TestPostKeepsProjectEnabledWhenRefreshFails(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"temporarily_unavailable"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(oauth.Close)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(api.Close)

	path := filepath.Join(t.TempDir(), "tokens.json")
	layout := `{
	  "oauth_config": {"client_id": "cid", "client_secret": "cs", "token_url": "` + oauth.URL + `"},
	  "projects": [{"project_id": "p1", "refresh_token": "r1", "access_token": "initial", "expires_at": 9999999999}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(layout), 0o600))
	manager := tokenmgr.NewManager(tokenmgr.Options{Store: tokenmgr.NewStore(path)})
	require.NoError(t, manager.Load())
	project, err := manager.Pick()
	require.NoError(t, err)

	client := New(api.URL, manager)
	_, err = client.Post(context.Background(), project,
		"/v1internal:generateContent", []byte(`{}`), ChatTimeout)
	require.Error(t, err)

	var refreshErr *tokenmgr.RefreshError
	assert.ErrorAs(t, err, &refreshErr)
	assert.True(t, project.Enabled, "a failed refresh must not disable the project")
	assert.Empty(t, project.DisabledReason)

	// The project stays in rotation.
	next, err := manager.Pick()
	require.NoError(t, err)
	assert.Equal(t, "p1", next.ProjectID)

	// The disable decision must not have been persisted either.
	reloaded := tokenmgr.NewManager(tokenmgr.Options{Store: tokenmgr.NewStore(path)})
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Projects()[0].Enabled)
}

func TestPostPassesThroughUpstreamErrors(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota"}}`))
	})

	resp, err := f.client.Post(context.Background(), f.project,
		"/v1internal:generateContent", []byte(`{}`), ChatTimeout)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.True(t, f.project.Enabled, "non-auth errors never disable the project")
}

func TestFetchModels(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:fetchAvailableModels", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{}`, string(body))
		w.Write([]byte(`{"models":{}}`))
	})

	resp, err := f.client.FetchModels(context.Background(), f.project, "/v1internal:fetchAvailableModels")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
