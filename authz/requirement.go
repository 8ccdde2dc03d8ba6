package authz

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/chriss-de/doorman/v2"
)

// Requirement is one condition of a policy. Pointer requirements are compared by
// identity, value requirements by value.
type Requirement interface {
	String() string
}

// ClaimsRequirement needs a claim of ClaimType. With AllowedValues set the claim value
// must be one of them, otherwise any value (including "") satisfies it.
type ClaimsRequirement struct {
	ClaimType     string
	AllowedValues []string
}

func NewClaimsRequirement(claimType string, allowedValues ...string) *ClaimsRequirement {
	return &ClaimsRequirement{ClaimType: claimType, AllowedValues: allowedValues}
}

func (r *ClaimsRequirement) String() string {
	if len(r.AllowedValues) == 0 {
		return fmt.Sprintf("ClaimsRequirement:Claim.Type=%s", r.ClaimType)
	}
	return fmt.Sprintf("ClaimsRequirement:Claim.Type=%s and Claim.Value is one of the following values: (%s)",
		r.ClaimType, strings.Join(r.AllowedValues, "|"))
}

func (r *ClaimsRequirement) Handle(_ context.Context, ac *Context) error {
	if ac.User() == nil {
		return nil
	}
	for _, c := range ac.User().FindAll(r.ClaimType) {
		if len(r.AllowedValues) == 0 || slices.Contains(r.AllowedValues, c.Value) {
			ac.Succeed(r)
			return nil
		}
	}
	return nil
}

// RolesRequirement needs at least one of AllowedRoles.
type RolesRequirement struct {
	AllowedRoles []string
}

func NewRolesRequirement(roles ...string) *RolesRequirement {
	return &RolesRequirement{AllowedRoles: roles}
}

func (r *RolesRequirement) String() string {
	return fmt.Sprintf("RolesRequirement:User.IsInRole must be true for one of the following roles: (%s)",
		strings.Join(r.AllowedRoles, "|"))
}

func (r *RolesRequirement) Handle(_ context.Context, ac *Context) error {
	if slices.ContainsFunc(r.AllowedRoles, ac.User().IsInRole) {
		ac.Succeed(r)
	}
	return nil
}

// NameRequirement needs an identity whose name equals RequiredName.
type NameRequirement struct {
	RequiredName string
}

func (r *NameRequirement) String() string {
	return "NameRequirement:Requires a user identity with Name equal to " + r.RequiredName
}

func (r *NameRequirement) Handle(_ context.Context, ac *Context) error {
	if ac.User() == nil {
		return nil
	}
	for _, id := range ac.User().Identities {
		if id.Name() == r.RequiredName {
			ac.Succeed(r)
			return nil
		}
	}
	return nil
}

// DenyAnonymousRequirement needs an authenticated identity.
type DenyAnonymousRequirement struct{}

func (r *DenyAnonymousRequirement) String() string {
	return "DenyAnonymousRequirement:Requires an authenticated user."
}

func (r *DenyAnonymousRequirement) Handle(_ context.Context, ac *Context) error {
	if isAuthenticated(ac.User()) {
		ac.Succeed(r)
	}
	return nil
}

func isAuthenticated(user *doorman.Principal) bool {
	return user != nil && slices.ContainsFunc(user.Identities, (*doorman.Identity).IsAuthenticated)
}

// AssertionRequirement is satisfied when Assert returns true.
type AssertionRequirement struct {
	Assert func(ctx context.Context, ac *Context) (bool, error)
}

func (r *AssertionRequirement) String() string {
	return "AssertionRequirement:Handler assertion should evaluate to true."
}

func (r *AssertionRequirement) Handle(ctx context.Context, ac *Context) error {
	if r.Assert == nil {
		return nil
	}
	ok, err := r.Assert(ctx, ac)
	if err != nil {
		return err
	}
	if ok {
		ac.Succeed(r)
	}
	return nil
}

// OperationRequirement names an operation on a resource, e.g. "read" or "delete".
// It has no handler of its own; register one with HandlerFor.
type OperationRequirement struct {
	Name string
}

func (r *OperationRequirement) String() string {
	return "OperationRequirement:Name=" + r.Name
}
