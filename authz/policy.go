package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/chriss-de/doorman/v2"
)

var (
	ErrEmptyPolicy   = fmt.Errorf("%w: a policy needs at least one requirement", doorman.ErrConfiguration)
	ErrUnknownPolicy = fmt.Errorf("%w: unknown policy", doorman.ErrConfiguration)
)

// Policy is an immutable list of requirements and the schemes that authenticate the
// user for it. Without schemes the request user is evaluated.
type Policy struct {
	requirements []Requirement
	schemes      []string
}

func NewPolicy(requirements []Requirement, schemes []string) (*Policy, error) {
	if len(requirements) == 0 {
		return nil, ErrEmptyPolicy
	}
	if slices.Contains(requirements, nil) {
		return nil, errors.New("policy requirement cannot be nil")
	}
	for _, r := range requirements {
		if a, ok := r.(*AssertionRequirement); ok && a.Assert == nil {
			return nil, errors.New("assertion requirement needs an assert func")
		}
	}
	return &Policy{
		requirements: slices.Clone(requirements),
		schemes:      slices.Clone(schemes),
	}, nil
}

func (p *Policy) Requirements() []Requirement     { return slices.Clone(p.requirements) }
func (p *Policy) AuthenticationSchemes() []string { return slices.Clone(p.schemes) }

// CombinePolicies concatenates the requirements and unions the schemes.
func CombinePolicies(policies ...*Policy) (*Policy, error) {
	b := NewPolicyBuilder()
	for _, p := range policies {
		if p == nil {
			return nil, errors.New("policy cannot be nil")
		}
		b.Combine(p)
	}
	return b.Build()
}

// PolicyBuilder collects requirements and schemes. Build freezes them into a Policy.
type PolicyBuilder struct {
	requirements []Requirement
	schemes      []string
}

func NewPolicyBuilder(schemes ...string) *PolicyBuilder {
	return (&PolicyBuilder{}).AddAuthenticationSchemes(schemes...)
}

func (b *PolicyBuilder) AddAuthenticationSchemes(schemes ...string) *PolicyBuilder {
	for _, s := range schemes {
		if !slices.Contains(b.schemes, s) {
			b.schemes = append(b.schemes, s)
		}
	}
	return b
}

func (b *PolicyBuilder) AddRequirements(requirements ...Requirement) *PolicyBuilder {
	b.requirements = append(b.requirements, requirements...)
	return b
}

func (b *PolicyBuilder) Combine(p *Policy) *PolicyBuilder {
	b.AddAuthenticationSchemes(p.schemes...)
	return b.AddRequirements(p.requirements...)
}

func (b *PolicyBuilder) RequireClaim(claimType string, allowedValues ...string) *PolicyBuilder {
	return b.AddRequirements(NewClaimsRequirement(claimType, allowedValues...))
}

func (b *PolicyBuilder) RequireRole(roles ...string) *PolicyBuilder {
	return b.AddRequirements(NewRolesRequirement(roles...))
}

func (b *PolicyBuilder) RequireUserName(name string) *PolicyBuilder {
	return b.AddRequirements(&NameRequirement{RequiredName: name})
}

func (b *PolicyBuilder) RequireAuthenticatedUser() *PolicyBuilder {
	return b.AddRequirements(&DenyAnonymousRequirement{})
}

func (b *PolicyBuilder) RequireAssertion(assert func(ctx context.Context, ac *Context) (bool, error)) *PolicyBuilder {
	return b.AddRequirements(&AssertionRequirement{Assert: assert})
}

func (b *PolicyBuilder) Build() (*Policy, error) {
	return NewPolicy(b.requirements, b.schemes)
}
