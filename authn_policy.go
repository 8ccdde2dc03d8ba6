package doorman

import (
	"context"
	"fmt"
)

// PolicySchemeOptions configure a virtual scheme that forwards every operation,
// usually to a scheme chosen per request by ForwardDefaultSelector.
type PolicySchemeOptions struct {
	SchemeOptions `mapstructure:",squash"`
}

var policySchemeType = SchemeType{
	NewOptions: func() any { return &PolicySchemeOptions{} },
	Build:      buildPolicyScheme,
}

func buildPolicyScheme(dm *Doorman, name string, options any) (*Scheme, error) {
	opts, ok := options.(*PolicySchemeOptions)
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' expects *PolicySchemeOptions, got %T", ErrInvalidOptions, name, options)
	}
	if opts.ForwardDefault == "" && opts.ForwardDefaultSelector == nil {
		return nil, fmt.Errorf("%w: policy scheme '%s' needs forward_default or a selector", ErrInvalidOptions, name)
	}
	if opts.ForwardDefault == name {
		return nil, fmt.Errorf("%w: policy scheme '%s' cannot forward to itself", ErrInvalidOptions, name)
	}
	return NewScheme(name, "policy", func() Handler { return &PolicySchemeHandler{} }, opts)
}

// PolicySchemeHandler has no behavior of its own; HandlerBase forwards authenticate
// and challenge, SignIn and SignOut forward explicitly.
type PolicySchemeHandler struct {
	HandlerBase
}

func (h *PolicySchemeHandler) Initialize(_ context.Context, scheme *Scheme, rc *RequestContext) error {
	return h.InitializeBase(scheme, rc, h)
}

func (h *PolicySchemeHandler) SignIn(ctx context.Context, principal *Principal, properties *Properties) error {
	if forwarded, err := h.ForwardSignIn(ctx, principal, properties); forwarded {
		return err
	}
	return fmt.Errorf("%w: policy scheme '%s' has no sign in target", ErrMissingScheme, h.scheme.name)
}

func (h *PolicySchemeHandler) SignOut(ctx context.Context, properties *Properties) error {
	if forwarded, err := h.ForwardSignOut(ctx, properties); forwarded {
		return err
	}
	return fmt.Errorf("%w: policy scheme '%s' has no sign out target", ErrMissingScheme, h.scheme.name)
}
