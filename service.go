package doorman

import (
	"context"
	"errors"
	"fmt"
)

// Authenticate authenticates scheme, or the default authenticate scheme when empty.
// A successful result passes through the claims transformer once; repeated calls on
// the same request return the identical transformed result.
func (dm *Doorman) Authenticate(ctx context.Context, rc *RequestContext, scheme string) (*AuthenticateResult, error) {
	h, name, err := dm.resolveHandler(ctx, rc, scheme, dm.schemes.DefaultAuthenticateScheme, "authenticate")
	if err != nil {
		return nil, err
	}
	result, err := h.Authenticate(ctx)
	dm.metrics.authenticated(name, result, err)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return result, nil
	}
	return dm.transform(ctx, rc, result)
}

func (dm *Doorman) transform(ctx context.Context, rc *RequestContext, result *AuthenticateResult) (*AuthenticateResult, error) {
	if transformed, ok := rc.transformed[result]; ok {
		return transformed, nil
	}
	principal, err := dm.transformer.Transform(ctx, result.Principal())
	if err != nil {
		return nil, fmt.Errorf("claims transformation: %w", err)
	}
	transformed := result
	if principal != result.Principal() {
		transformed = Success(result.Ticket().WithPrincipal(principal))
	}
	rc.transformed[result] = transformed
	rc.transformed[transformed] = transformed
	return transformed, nil
}

// Challenge challenges scheme, or the default challenge scheme (default forbid scheme
// for ChallengeForbidden) when empty.
func (dm *Doorman) Challenge(ctx context.Context, rc *RequestContext, scheme string, properties *Properties, behavior ChallengeBehavior) error {
	fallback := dm.schemes.DefaultChallengeScheme
	if behavior == ChallengeForbidden {
		fallback = dm.schemes.DefaultForbidScheme
	}
	h, _, err := dm.resolveHandler(ctx, rc, scheme, fallback, "challenge")
	if err != nil {
		return err
	}
	return h.Challenge(ctx, properties, behavior)
}

func (dm *Doorman) Forbid(ctx context.Context, rc *RequestContext, scheme string, properties *Properties) error {
	h, _, err := dm.resolveHandler(ctx, rc, scheme, dm.schemes.DefaultForbidScheme, "forbid")
	if err != nil {
		return err
	}
	return h.Forbid(ctx, properties)
}

func (dm *Doorman) SignIn(ctx context.Context, rc *RequestContext, scheme string, principal *Principal, properties *Properties) error {
	if principal == nil {
		return errors.New("principal cannot be nil")
	}
	h, name, err := dm.resolveHandler(ctx, rc, scheme, dm.schemes.DefaultSignInScheme, "sign in")
	if err != nil {
		return err
	}
	sh, ok := h.(SignInHandler)
	if !ok {
		return fmt.Errorf("%w: sign in on scheme '%s'", ErrUnsupportedOperation, name)
	}
	if err = sh.SignIn(ctx, principal, properties); err != nil {
		return err
	}
	dm.metrics.signedIn(name)
	return nil
}

func (dm *Doorman) SignOut(ctx context.Context, rc *RequestContext, scheme string, properties *Properties) error {
	h, name, err := dm.resolveHandler(ctx, rc, scheme, dm.schemes.DefaultSignOutScheme, "sign out")
	if err != nil {
		return err
	}
	sh, ok := h.(SignOutHandler)
	if !ok {
		return fmt.Errorf("%w: sign out on scheme '%s'", ErrUnsupportedOperation, name)
	}
	if err = sh.SignOut(ctx, properties); err != nil {
		return err
	}
	dm.metrics.signedOut(name)
	return nil
}

func (dm *Doorman) resolveHandler(ctx context.Context, rc *RequestContext, scheme string, fallback func() *Scheme, op string) (Handler, string, error) {
	if scheme == "" {
		s := fallback()
		if s == nil {
			return nil, "", fmt.Errorf("%w: for %s", ErrMissingScheme, op)
		}
		scheme = s.name
	}
	h, err := rc.Handler(ctx, scheme)
	if err != nil {
		return nil, scheme, err
	}
	if h == nil {
		return nil, scheme, fmt.Errorf("%w: '%s'", ErrMissingHandler, scheme)
	}
	return h, scheme, nil
}
