package doorman

import (
	"errors"
	"net/http"
)

// Middleware authenticates the default scheme and offers the request to every scheme
// that handles requests (e.g. remote callbacks). The request context is available to
// later handlers through FromRequest.
func (dm *Doorman) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dm.serve(w, r, next)
		})
	}
}

// Middleware uses the doorman registered with AsGlobalDefault.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dm := globalDoorman.Load()
			if dm == nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			dm.serve(w, r, next)
		})
	}
}

func (dm *Doorman) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	rc, err := FromContext(ctx)
	if err != nil || rc.doorman != dm {
		rc = NewRequestContext(dm, w, r)
		ctx = WithRequestContext(ctx, rc)
		r = r.WithContext(ctx)
	}
	rc.Request, rc.Response = r, w

	previous := rc.Feature()
	rc.SetFeature(&AuthenticationFeature{OriginalPath: r.URL.Path, OriginalPathBase: rc.PathBase})
	defer rc.SetFeature(previous)

	if s := dm.schemes.DefaultAuthenticateScheme(); s != nil {
		result, err := dm.Authenticate(ctx, rc, s.name)
		switch {
		case err != nil:
			dm.logger.Error("default authenticate failed", "scheme", s.name, "error", err)
		case result.Succeeded() && result.Principal() != nil:
			rc.SetUser(result.Principal())
		}
	}

	for _, s := range dm.schemes.RequestHandlerSchemes() {
		h, err := rc.Handler(ctx, s.name)
		if err != nil {
			dm.logger.Error("request handler unavailable", "scheme", s.name, "error", err)
			continue
		}
		rh, ok := h.(RequestHandler)
		if !ok {
			continue
		}
		handled, err := rh.HandleRequest(ctx)
		if err != nil {
			var rfe *RemoteFailureError
			if errors.As(err, &rfe) {
				dm.logger.Warn("remote authentication failed", "scheme", rfe.Scheme, "error", rfe.Err)
			} else {
				dm.logger.Error("request handler failed", "scheme", s.name, "error", err)
			}
			rc.SetStatus(http.StatusUnauthorized)
			return
		}
		if handled {
			return
		}
	}

	dm.logDebugUser(rc)
	next.ServeHTTP(w, r)
}

func (dm *Doorman) logDebugUser(rc *RequestContext) {
	var debugLogArgs []any
	for _, id := range rc.User().Identities {
		debugLogArgs = append(debugLogArgs, "type", id.AuthenticationType, "name", id.Name())
	}
	dm.logger.Debug("request user", "identities", debugLogArgs)
}
