package authz

import (
	"context"
	"errors"
	"net/http"

	"github.com/chriss-de/doorman/v2"
)

// Middleware enforces policy. With a nil policy the provider's fallback policy is
// enforced, and requests pass when there is none.
//
// The user is authenticated with the policy's schemes (their principals merged) or,
// without schemes, is the request user. A failed evaluation challenges an anonymous
// user and forbids an authenticated one, on every policy scheme or the default one.
func Middleware(dm *doorman.Doorman, svc *Service, policy *Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := policy
			if p == nil {
				if p = svc.provider.FallbackPolicy(); p == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
			enforce(dm, svc, p, "", w, r, next)
		})
	}
}

// RequirePolicy enforces the named policy; an empty name is the default policy.
// The name is resolved per request, an unknown name answers 500.
func RequirePolicy(dm *doorman.Doorman, svc *Service, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := svc.provider.GetPolicy(name)
			if err != nil {
				svc.logger.Error("policy unavailable", "policy", name, "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			enforce(dm, svc, p, name, w, r, next)
		})
	}
}

func enforce(dm *doorman.Doorman, svc *Service, policy *Policy, name string, w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	rc, err := doorman.FromContext(ctx)
	if err != nil {
		rc = doorman.NewRequestContext(dm, w, r)
		ctx = doorman.WithRequestContext(ctx, rc)
		r = r.WithContext(ctx)
	}

	user, err := policyUser(ctx, rc, policy)
	if err != nil {
		svc.logger.Error("policy authentication failed", "policy", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var result *Result
	if name != "" {
		result, err = svc.AuthorizePolicy(ctx, user, r, name)
	} else {
		result, err = svc.AuthorizeWith(ctx, user, r, policy)
	}
	if err != nil {
		svc.logger.Error("authorization failed", "policy", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if result.Succeeded() {
		next.ServeHTTP(w, r)
		return
	}

	authenticated := isAuthenticated(user)
	schemes := policy.schemes
	if len(schemes) == 0 {
		schemes = []string{""}
	}
	for _, scheme := range schemes {
		if authenticated {
			err = rc.Forbid(ctx, scheme, nil)
		} else {
			err = rc.Challenge(ctx, scheme, nil)
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		status := http.StatusUnauthorized
		if authenticated {
			status = http.StatusForbidden
		}
		if !errors.Is(err, doorman.ErrMissingScheme) {
			svc.logger.Error("authorization response failed", "policy", name, "error", err)
		}
		http.Error(w, http.StatusText(status), status)
	}
}

// policyUser authenticates the policy's schemes. The request user is updated with the
// merged principal.
func policyUser(ctx context.Context, rc *doorman.RequestContext, policy *Policy) (*doorman.Principal, error) {
	if len(policy.schemes) == 0 {
		return rc.User(), nil
	}
	var merged *doorman.Principal
	for _, scheme := range policy.schemes {
		result, err := rc.Authenticate(ctx, scheme)
		if err != nil {
			return nil, err
		}
		if !result.Succeeded() {
			continue
		}
		if merged == nil {
			merged = doorman.NewPrincipal()
		}
		for _, id := range result.Principal().Identities {
			merged.AddIdentity(id)
		}
	}
	if merged == nil {
		return doorman.NewPrincipal(), nil
	}
	rc.SetUser(merged)
	return merged, nil
}
