package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriss-de/doorman/v2"
)

func TestPolicyBuilder(t *testing.T) {
	p, err := NewPolicyBuilder("basic", "bearer").
		AddAuthenticationSchemes("bearer", "cookie").
		RequireAuthenticatedUser().
		RequireClaim("department", "sales").
		RequireRole("editor").
		RequireUserName("alice").
		RequireAssertion(func(context.Context, *Context) (bool, error) { return true, nil }).
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"basic", "bearer", "cookie"}, p.AuthenticationSchemes())
	reqs := p.Requirements()
	require.Len(t, reqs, 5)
	assert.IsType(t, &DenyAnonymousRequirement{}, reqs[0])
	assert.IsType(t, &ClaimsRequirement{}, reqs[1])
	assert.IsType(t, &RolesRequirement{}, reqs[2])
	assert.IsType(t, &NameRequirement{}, reqs[3])
	assert.IsType(t, &AssertionRequirement{}, reqs[4])

	// callers get copies
	reqs[0] = nil
	assert.NotNil(t, p.Requirements()[0])

	svc, err := NewService()
	require.NoError(t, err)
	result, err := svc.AuthorizeWith(context.Background(), alice(), nil, p)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
}

func TestEmptyPolicy(t *testing.T) {
	_, err := NewPolicyBuilder("basic").Build()
	assert.ErrorIs(t, err, ErrEmptyPolicy)

	_, err = NewPolicy(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyPolicy)

	_, err = NewPolicy([]Requirement{nil}, nil)
	assert.Error(t, err)

	_, err = NewPolicyBuilder().RequireAssertion(nil).Build()
	assert.Error(t, err)
}

func TestCombinePolicies(t *testing.T) {
	staff, err := NewPolicyBuilder("cookie").RequireAuthenticatedUser().Build()
	require.NoError(t, err)
	sales, err := NewPolicyBuilder("cookie", "bearer").RequireClaim("department", "sales").Build()
	require.NoError(t, err)

	combined, err := CombinePolicies(staff, sales)
	require.NoError(t, err)
	assert.Equal(t, []string{"cookie", "bearer"}, combined.AuthenticationSchemes())
	assert.Equal(t, append(staff.Requirements(), sales.Requirements()...), combined.Requirements())

	svc, err := NewService()
	require.NoError(t, err)
	bob := principal("password", doorman.Claim{Type: "department", Value: "it"})
	result, err := svc.AuthorizeWith(context.Background(), bob, nil, combined)
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, sales.Requirements(), result.Failure.FailedRequirements)

	_, err = CombinePolicies()
	assert.ErrorIs(t, err, ErrEmptyPolicy)
	_, err = CombinePolicies(staff, nil)
	assert.Error(t, err)
}
