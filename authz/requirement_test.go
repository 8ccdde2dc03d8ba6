package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriss-de/doorman/v2"
)

func principal(authType string, claims ...doorman.Claim) *doorman.Principal {
	return doorman.NewPrincipal(doorman.NewIdentity(authType, claims...))
}

func evaluate(t *testing.T, r Requirement, user *doorman.Principal) bool {
	t.Helper()
	ac := NewContext([]Requirement{r}, user, nil)
	require.NoError(t, PassThroughHandler{}.Handle(context.Background(), ac))
	return ac.HasSucceeded()
}

func TestClaimsRequirement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		requirement *ClaimsRequirement
		user        *doorman.Principal
		want        bool
	}{
		{
			name:        "allowed value",
			requirement: NewClaimsRequirement("role", "admin", "ops"),
			user:        principal("test", doorman.Claim{Type: "role", Value: "ops"}),
			want:        true,
		},
		{
			name:        "value not allowed",
			requirement: NewClaimsRequirement("role", "admin", "ops"),
			user:        principal("test", doorman.Claim{Type: "role", Value: "guest"}),
		},
		{
			name:        "claim missing",
			requirement: NewClaimsRequirement("role", "admin", "ops"),
			user:        principal("test"),
		},
		{
			name:        "any value",
			requirement: NewClaimsRequirement("role"),
			user:        principal("test", doorman.Claim{Type: "role", Value: ""}),
			want:        true,
		},
		{
			name:        "any value but claim missing",
			requirement: NewClaimsRequirement("role"),
			user:        principal("test", doorman.Claim{Type: "name", Value: "alice"}),
		},
		{
			name:        "claim type is case insensitive",
			requirement: NewClaimsRequirement("Department", "sales"),
			user:        principal("test", doorman.Claim{Type: "department", Value: "sales"}),
			want:        true,
		},
		{
			name:        "claim value is case sensitive",
			requirement: NewClaimsRequirement("department", "sales"),
			user:        principal("test", doorman.Claim{Type: "department", Value: "Sales"}),
		},
		{
			name:        "anonymous identity claims count",
			requirement: NewClaimsRequirement("department", "sales"),
			user:        principal("", doorman.Claim{Type: "department", Value: "sales"}),
			want:        true,
		},
		{
			name:        "no user",
			requirement: NewClaimsRequirement("role"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, evaluate(t, tt.requirement, tt.user))
		})
	}
}

func TestBuiltInRequirements(t *testing.T) {
	alice := principal("password",
		doorman.Claim{Type: doorman.ClaimTypeName, Value: "alice"},
		doorman.Claim{Type: doorman.ClaimTypeRole, Value: "editor"},
	)
	anonymous := doorman.NewPrincipal(doorman.NewIdentity("", doorman.Claim{Type: doorman.ClaimTypeName, Value: "guest"}))
	multi := doorman.NewPrincipal(
		doorman.NewIdentity("", doorman.Claim{Type: doorman.ClaimTypeName, Value: "guest"}),
		doorman.NewIdentity("bearer", doorman.Claim{Type: doorman.ClaimTypeName, Value: "svc"}),
	)

	tests := []struct {
		name        string
		requirement Requirement
		user        *doorman.Principal
		want        bool
	}{
		{name: "role present", requirement: NewRolesRequirement("admin", "editor"), user: alice, want: true},
		{name: "role missing", requirement: NewRolesRequirement("admin"), user: alice},
		{name: "role without user", requirement: NewRolesRequirement("admin")},
		{name: "name matches", requirement: &NameRequirement{RequiredName: "alice"}, user: alice, want: true},
		{name: "name of second identity", requirement: &NameRequirement{RequiredName: "svc"}, user: multi, want: true},
		{name: "name differs", requirement: &NameRequirement{RequiredName: "bob"}, user: alice},
		{name: "authenticated", requirement: &DenyAnonymousRequirement{}, user: alice, want: true},
		{name: "one authenticated identity", requirement: &DenyAnonymousRequirement{}, user: multi, want: true},
		{name: "anonymous identity", requirement: &DenyAnonymousRequirement{}, user: anonymous},
		{name: "empty principal", requirement: &DenyAnonymousRequirement{}, user: doorman.NewPrincipal()},
		{name: "nil principal", requirement: &DenyAnonymousRequirement{}},
		{name: "operation has no built-in handler", requirement: &OperationRequirement{Name: "read"}, user: alice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluate(t, tt.requirement, tt.user))
		})
	}
}

func TestAssertionRequirement(t *testing.T) {
	owner := &AssertionRequirement{Assert: func(_ context.Context, ac *Context) (bool, error) {
		doc, ok := ac.Resource().(map[string]string)
		return ok && doc["owner"] == ac.User().Name(), nil
	}}
	alice := principal("test", doorman.Claim{Type: doorman.ClaimTypeName, Value: "alice"})

	ac := NewContext([]Requirement{owner}, alice, map[string]string{"owner": "alice"})
	require.NoError(t, owner.Handle(context.Background(), ac))
	assert.True(t, ac.HasSucceeded())

	ac = NewContext([]Requirement{owner}, alice, map[string]string{"owner": "bob"})
	require.NoError(t, owner.Handle(context.Background(), ac))
	assert.False(t, ac.HasSucceeded())

	boom := errors.New("lookup failed")
	failing := &AssertionRequirement{Assert: func(context.Context, *Context) (bool, error) { return false, boom }}
	ac = NewContext([]Requirement{failing}, alice, nil)
	assert.ErrorIs(t, PassThroughHandler{}.Handle(context.Background(), ac), boom)

	// without an assert func the requirement stays pending
	empty := &AssertionRequirement{}
	ac = NewContext([]Requirement{empty}, alice, nil)
	require.NoError(t, PassThroughHandler{}.Handle(context.Background(), ac))
	assert.Equal(t, []Requirement{empty}, ac.PendingRequirements())
}

func TestRequirementStrings(t *testing.T) {
	assert.Equal(t, "ClaimsRequirement:Claim.Type=dept", NewClaimsRequirement("dept").String())
	assert.Equal(t, "ClaimsRequirement:Claim.Type=dept and Claim.Value is one of the following values: (a|b)", NewClaimsRequirement("dept", "a", "b").String())
	assert.Equal(t, "RolesRequirement:User.IsInRole must be true for one of the following roles: (admin|ops)", NewRolesRequirement("admin", "ops").String())
	assert.Contains(t, (&NameRequirement{RequiredName: "alice"}).String(), "alice")
	assert.Contains(t, (&OperationRequirement{Name: "read"}).String(), "read")
}
