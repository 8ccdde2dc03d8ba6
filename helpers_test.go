package doorman

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userContext(t *testing.T, user *Principal) context.Context {
	t.Helper()
	dm, err := NewDoorman()
	require.NoError(t, err)
	rc, _ := newTestRequestContext(dm, nil)
	rc.SetUser(user)
	return WithRequestContext(context.Background(), rc)
}

func TestHasACL(t *testing.T) {
	ctx := userContext(t, testTicket("test", "alice", "reader", "writer").Principal())

	tests := []struct {
		name string
		acls []string
		want bool
	}{
		{name: "single", acls: []string{"reader"}, want: true},
		{name: "all present", acls: []string{"reader", "writer"}, want: true},
		{name: "one missing", acls: []string{"reader", "admin"}, want: false},
		{name: "none", acls: nil, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HasACLs(ctx, tt.acls)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, MustHasACLs(ctx, tt.acls))
		})
	}

	ok, err := HasACL(ctx, "writer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, MustHasACL(ctx, "admin"))

	_, err = HasACL(context.Background(), "writer")
	assert.Error(t, err)
	assert.False(t, MustHasACL(context.Background(), "writer"))
	assert.False(t, MustHasACLs(context.Background(), []string{"writer"}))
}

func TestNeedACL(t *testing.T) {
	func401 := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) }
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	ctx := userContext(t, testTicket("test", "alice", "reader").Principal())

	tests := []struct {
		name    string
		handler http.Handler
		ctx     context.Context
		want    int
	}{
		{name: "acl present", handler: NeedACL("reader", func401)(ok), ctx: ctx, want: http.StatusOK},
		{name: "acl missing", handler: NeedACL("admin", func401)(ok), ctx: ctx, want: http.StatusUnauthorized},
		{name: "acls present", handler: NeedACLs([]string{"reader"}, func401)(ok), ctx: ctx, want: http.StatusOK},
		{name: "acls missing", handler: NeedACLs([]string{"reader", "admin"}, func401)(ok), ctx: ctx, want: http.StatusUnauthorized},
		{name: "no request context", handler: NeedACL("reader", func401)(ok), ctx: context.Background(), want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(tt.ctx))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetClaimValue(t *testing.T) {
	id := NewIdentity("test",
		Claim{Type: ClaimTypeEmail, Value: "alice@example.com"},
		Claim{Type: "groups", Value: "a"},
		Claim{Type: "groups", Value: "b"},
	)
	ctx := userContext(t, NewPrincipal(id))

	v, err := GetClaimValue(ctx, "Email")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", v)

	_, err = GetClaimValue(ctx, "missing")
	assert.Error(t, err)

	values, err := GetClaimValues(ctx, "groups")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, values)

	values, err = GetClaimValues(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = GetClaimValues(context.Background(), "groups")
	assert.Error(t, err)
}
