package cmd

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriss-de/doorman/v2"
)

const testPolicies = `
policies:
  editors:
    requirements:
      - type: role
        roles: [editor]
`

func TestServeCmd(t *testing.T) {
	assert.Equal(t, "serve", serveCmd.Use)
	assert.NotNil(t, serveCmd.RunE)

	listenFlag := serveCmd.Flags().Lookup("listen")
	require.NotNil(t, listenFlag)
	assert.Equal(t, "", listenFlag.DefValue)

	require.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
}

func newTestGateway(t *testing.T) http.Handler {
	t.Helper()
	cfg, err := LoadConfig(writeFile(t, "doormand.yaml", testConfig))
	require.NoError(t, err)
	cfg.PoliciesFile = writeFile(t, "policies.yaml", testPolicies)

	registry := prometheus.NewRegistry()
	gw, err := newGateway(cfg, doorman.NullLogger{}, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.dm.Close() })
	return gw.routes(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func do(h http.Handler, method, path, username, password string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	if username != "" {
		r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGatewayForwardAuth(t *testing.T) {
	h := newTestGateway(t)

	w := do(h, http.MethodGet, "/auth/editors", "alice", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Header().Get("X-Auth-User"))
	assert.Equal(t, "basic", w.Header().Get("X-Auth-Scheme"))
	assert.Equal(t, "staff,editor", w.Header().Get("X-Auth-Roles"))

	w = do(h, http.MethodGet, "/auth/editors", "bob", "hunter2")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(h, http.MethodGet, "/auth/editors", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	// default policy: authenticated users
	w = do(h, http.MethodGet, "/auth", "bob", "hunter2")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodGet, "/auth/nope", "alice", "secret")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `doorman_authorization_decisions_total{policy="editors",result="success"} 1`)
}

func TestGatewayWhoami(t *testing.T) {
	h := newTestGateway(t)

	w := do(h, http.MethodGet, "/whoami", "alice", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	var resp whoamiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Authenticated)
	assert.Equal(t, "alice", resp.Name)
	require.Len(t, resp.Identities, 1)
	assert.Equal(t, "basic", resp.Identities[0].AuthenticationType)

	w = do(h, http.MethodGet, "/whoami", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = whoamiResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Authenticated)
}

func TestGatewaySchemeActions(t *testing.T) {
	h := newTestGateway(t)

	w := do(h, http.MethodGet, "/login/basic", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	w = do(h, http.MethodGet, "/login/basic?return_url=https://evil.example", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodGet, "/login/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(h, http.MethodPost, "/logout/basic", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = do(h, http.MethodGet, "/unknown", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
