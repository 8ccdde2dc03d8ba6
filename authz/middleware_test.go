package authz

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriss-de/doorman/v2"
)

func basicAuthorization(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func newBasicDoorman(t *testing.T, extra ...*doorman.SchemeConfig) *doorman.Doorman {
	t.Helper()
	configs := append([]*doorman.SchemeConfig{{
		Name: "basic",
		Type: "basic",
		Config: map[string]any{
			"credentials": []map[string]any{
				{"username": "alice", "password": "secret", "dynamic_acls": "editor"},
				{"username": "bob", "password": "hunter2"},
			},
		},
	}}, extra...)
	dm, err := doorman.NewDoorman(doorman.WithSchemeConfigs(configs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm
}

func newPolicyService(t *testing.T) *Service {
	t.Helper()
	pp := NewPolicyProvider()
	require.NoError(t, pp.LoadPolicies([]byte(`
policies:
  editors:
    schemes: [basic]
    requirements:
      - type: role
        roles: [editor]
  requestUser:
    requirements:
      - type: role
        roles: [editor]
`)))
	svc, err := NewService(WithPolicyProvider(pp))
	require.NoError(t, err)
	return svc
}

func hello(w http.ResponseWriter, r *http.Request) {
	rc, err := doorman.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("hello " + rc.User().Name()))
}

func serve(h http.Handler, path, authorization string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRequirePolicy(t *testing.T) {
	dm := newBasicDoorman(t)
	svc := newPolicyService(t)

	// without the doorman middleware the policy creates the request context itself
	r := chi.NewRouter()
	r.With(RequirePolicy(dm, svc, "editors")).Get("/edit", hello)
	r.With(RequirePolicy(dm, svc, "missing")).Get("/missing", hello)

	w := serve(r, "/edit", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="basic", charset="UTF-8"`, w.Header().Get("WWW-Authenticate"))

	w = serve(r, "/edit", basicAuthorization("alice", "secret"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello alice", w.Body.String())

	w = serve(r, "/edit", basicAuthorization("bob", "hunter2"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(r, "/edit", basicAuthorization("alice", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, "/missing", basicAuthorization("alice", "secret"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequirePolicyRequestUser(t *testing.T) {
	dm := newBasicDoorman(t)
	svc := newPolicyService(t)

	r := chi.NewRouter()
	r.Use(dm.Middleware())
	r.With(RequirePolicy(dm, svc, "requestUser")).Get("/edit", hello)
	r.With(RequirePolicy(dm, svc, "")).Get("/any", hello)

	w := serve(r, "/edit", basicAuthorization("alice", "secret"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, "/edit", basicAuthorization("bob", "hunter2"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(r, "/edit", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	// default policy: any authenticated user
	w = serve(r, "/any", basicAuthorization("bob", "hunter2"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello bob", w.Body.String())
}

func TestMiddlewareFallbackPolicy(t *testing.T) {
	dm := newBasicDoorman(t)
	svc := newPolicyService(t)

	r := chi.NewRouter()
	r.Use(dm.Middleware())
	r.With(Middleware(dm, svc, nil)).Get("/open", hello)

	w := serve(r, "/open", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello ", w.Body.String())

	fallback, err := NewPolicyBuilder().RequireAuthenticatedUser().Build()
	require.NoError(t, err)
	svc.Policies().SetFallbackPolicy(fallback)

	w = serve(r, "/open", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, "/open", basicAuthorization("bob", "hunter2"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareExplicitPolicy(t *testing.T) {
	dm := newBasicDoorman(t)
	svc := newPolicyService(t)

	policy, err := NewPolicyBuilder("basic").RequireUserName("bob").Build()
	require.NoError(t, err)

	r := chi.NewRouter()
	r.With(Middleware(dm, svc, policy)).Get("/bob", hello)

	w := serve(r, "/bob", basicAuthorization("bob", "hunter2"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, "/bob", basicAuthorization("alice", "secret"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddlewareWithoutDefaultScheme(t *testing.T) {
	dm := newBasicDoorman(t, &doorman.SchemeConfig{
		Name:   "header",
		Type:   "http_header",
		Config: map[string]any{"headers": []map[string]any{{"name": "X-Api-Key", "value": "k"}}},
	})
	svc := newPolicyService(t)

	r := chi.NewRouter()
	r.Use(dm.Middleware())
	r.With(RequirePolicy(dm, svc, "requestUser")).Get("/edit", hello)

	// two schemes and no default: nothing to challenge with
	w := serve(r, "/edit", basicAuthorization("alice", "secret"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}
