package doorman

import (
	"context"
	"fmt"
	"net/http"
	"slices"
)

// HasACL reports whether the request user carries acl as a role.
func HasACL(ctx context.Context, acl string) (bool, error) {
	return HasACLs(ctx, []string{acl})
}

func MustHasACL(ctx context.Context, acl string) bool {
	has, err := HasACL(ctx, acl)
	return err == nil && has
}

// HasACLs reports whether the request user carries every acl as a role.
func HasACLs(ctx context.Context, acls []string) (bool, error) {
	rc, err := FromContext(ctx)
	if err != nil {
		return false, err
	}
	user := rc.User()
	return !slices.ContainsFunc(acls, func(acl string) bool { return !user.IsInRole(acl) }), nil
}

func MustHasACLs(ctx context.Context, acls []string) bool {
	has, err := HasACLs(ctx, acls)
	return err == nil && has
}

// NeedACL passes requests whose user carries acl; others are answered by denied.
// For policies with challenge/forbid semantics use the authz package.
func NeedACL(acl string, denied func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return NeedACLs([]string{acl}, denied)
}

func NeedACLs(acls []string, denied func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !MustHasACLs(r.Context(), acls) {
				denied(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClaimValue returns the first claim of claimType of the request user.
func GetClaimValue(ctx context.Context, claimType string) (string, error) {
	rc, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	if c, found := rc.User().FindFirst(claimType); found {
		return c.Value, nil
	}
	return "", fmt.Errorf("no claim '%s' in request", claimType)
}

// GetClaimValues returns every value of claimType, e.g. the list entries of a token claim.
func GetClaimValues(ctx context.Context, claimType string) ([]string, error) {
	rc, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	claims := rc.User().FindAll(claimType)
	values := make([]string, 0, len(claims))
	for _, c := range claims {
		values = append(values, c.Value)
	}
	return values, nil
}
