package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"antigravity2api-go/internal/config"
	"antigravity2api-go/internal/imagestore"
	"antigravity2api-go/internal/sigcache"
	"antigravity2api-go/internal/tokenmgr"
	"antigravity2api-go/internal/toolnames"
	"antigravity2api-go/internal/translator"
	"antigravity2api-go/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, apiKeys []string, upstreamHandler http.HandlerFunc) *Server {
	t.Helper()
	api := httptest.NewServer(upstreamHandler)
	t.Cleanup(api.Close)

	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "tokens.json")
	layout := `{
	  "oauth_config": {"client_id": "cid", "client_secret": "cs", "token_url": "http://unused.invalid"},
	  "projects": [{"project_id": "p1", "refresh_token": "r1", "access_token": "tok", "expires_at": 9999999999}]
	}`
	require.NoError(t, os.WriteFile(tokenPath, []byte(layout), 0o600))

	cfg := config.Default()
	cfg.APIKeys = apiKeys
	cfg.ImageDir = filepath.Join(dir, "images")
	cfg.TokenFile = tokenPath

	tokens := tokenmgr.NewManager(tokenmgr.Options{Store: tokenmgr.NewStore(tokenPath)})
	require.NoError(t, tokens.Load())

	client := upstream.New(api.URL, tokens)
	conv := translator.New(sigcache.New(), toolnames.New(), imagestore.New(cfg.ImageDir, cfg.MaxImages), "")
	return New(cfg, tokens, client, conv)
}

func echoUpstream(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}}`))
}

func do(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, []string{"sk-test"}, echoUpstream)
	w := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
	assert.Equal(t, "antigravity2api", gjson.Get(w.Body.String(), "service").String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, echoUpstream)
	w := do(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "antigravity2api_")
}

func TestChatCompletionsRequiresBearer(t *testing.T) {
	s := newTestServer(t, []string{"sk-test"}, echoUpstream)
	body := `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`

	w := do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/v1/chat/completions", body,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Google-style keys are not accepted on the OpenAI surface.
	w = do(s, http.MethodPost, "/v1/chat/completions", body,
		map[string]string{"x-goog-api-key": "sk-test"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/v1/chat/completions", body,
		map[string]string{"Authorization": "Bearer sk-test"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "choices.0.message.content").String())
}

func TestNoConfiguredKeysAllowsAll(t *testing.T) {
	s := newTestServer(t, nil, echoUpstream)
	body := `{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`
	w := do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGeminiRoutesAcceptGoogleStyleKeys(t *testing.T) {
	s := newTestServer(t, []string{"sk-test"}, echoUpstream)
	body := `{"contents":[]}`

	for _, path := range []string{
		"/v1/models/gemini-2.5-flash:generateContent",
		"/v1beta/models/gemini-2.5-flash:generateContent",
	} {
		w := do(s, http.MethodPost, path, body, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w = do(s, http.MethodPost, path, body,
			map[string]string{"x-goog-api-key": "sk-test"})
		assert.Equal(t, http.StatusOK, w.Code, path)

		w = do(s, http.MethodPost, path+"?key=sk-test", body, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestImagesStaticMount(t *testing.T) {
	s := newTestServer(t, nil, echoUpstream)
	require.NoError(t, os.MkdirAll(s.cfg.ImageDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.cfg.ImageDir, "x.png"), []byte("png-bytes"), 0o644))

	w := do(s, http.MethodGet, "/images/x.png", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png-bytes", w.Body.String())
}
