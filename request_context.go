package doorman

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type contextKey struct {
	name string
}

var requestContextKey = &contextKey{"doorman"}

// AuthenticationFeature records the path a request had when the authentication
// middleware first saw it.
type AuthenticationFeature struct {
	OriginalPath     string
	OriginalPathBase string
}

// RequestContext is the per-request arena: current user, handler cache and the
// transformed authenticate results. It is not safe for concurrent use.
type RequestContext struct {
	Request  *http.Request
	Response http.ResponseWriter
	PathBase string

	doorman     *Doorman
	user        *Principal
	handlers    map[string]Handler
	transformed map[*AuthenticateResult]*AuthenticateResult
	feature     *AuthenticationFeature
}

func NewRequestContext(dm *Doorman, w http.ResponseWriter, r *http.Request) *RequestContext {
	return &RequestContext{
		Request:     r,
		Response:    w,
		PathBase:    dm.pathBase,
		doorman:     dm,
		user:        NewPrincipal(),
		handlers:    make(map[string]Handler),
		transformed: make(map[*AuthenticateResult]*AuthenticateResult),
	}
}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext restores the request context stored by the middleware.
func FromContext(ctx context.Context) (rc *RequestContext, err error) {
	var ok bool
	if rc, ok = ctx.Value(requestContextKey).(*RequestContext); !ok {
		err = fmt.Errorf("invalid doorman request context in context")
	}
	return rc, err
}

func FromRequest(r *http.Request) (*RequestContext, error) {
	return FromContext(r.Context())
}

func (rc *RequestContext) Doorman() *Doorman { return rc.doorman }

// User is never nil; it is an anonymous principal until authentication succeeds.
func (rc *RequestContext) User() *Principal { return rc.user }

func (rc *RequestContext) SetUser(p *Principal) {
	if p == nil {
		p = NewPrincipal()
	}
	rc.user = p
}

func (rc *RequestContext) Feature() *AuthenticationFeature     { return rc.feature }
func (rc *RequestContext) SetFeature(f *AuthenticationFeature) { rc.feature = f }

// Handler returns the handler of the named scheme for this request, creating and
// initializing it on first use. Unknown schemes return nil, nil.
func (rc *RequestContext) Handler(ctx context.Context, name string) (Handler, error) {
	if h, ok := rc.handlers[name]; ok {
		return h, nil
	}
	s := rc.doorman.schemes.GetScheme(name)
	if s == nil {
		return nil, nil
	}
	h := s.factory()
	if h == nil {
		return nil, fmt.Errorf("%w: factory of scheme '%s' returned nil", ErrConfiguration, name)
	}
	if err := h.Initialize(ctx, s, rc); err != nil {
		return nil, err
	}
	rc.handlers[name] = h
	return h, nil
}

func (rc *RequestContext) Authenticate(ctx context.Context, scheme string) (*AuthenticateResult, error) {
	return rc.doorman.Authenticate(ctx, rc, scheme)
}

func (rc *RequestContext) Challenge(ctx context.Context, scheme string, properties *Properties) error {
	return rc.doorman.Challenge(ctx, rc, scheme, properties, ChallengeAutomatic)
}

func (rc *RequestContext) Forbid(ctx context.Context, scheme string, properties *Properties) error {
	return rc.doorman.Forbid(ctx, rc, scheme, properties)
}

func (rc *RequestContext) SignIn(ctx context.Context, scheme string, principal *Principal, properties *Properties) error {
	return rc.doorman.SignIn(ctx, rc, scheme, principal, properties)
}

func (rc *RequestContext) SignOut(ctx context.Context, scheme string, properties *Properties) error {
	return rc.doorman.SignOut(ctx, rc, scheme, properties)
}

// CookieAttributes are the attributes of a cookie written by a handler.
type CookieAttributes struct {
	Path     string
	Domain   string
	HttpOnly bool
	Secure   bool
	SameSite http.SameSite
	// Expires is omitted when zero, making a session cookie.
	Expires time.Time
}

func (rc *RequestContext) SetCookie(name, value string, attrs CookieAttributes) {
	if attrs.Path == "" {
		attrs.Path = "/"
	}
	http.SetCookie(rc.Response, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     attrs.Path,
		Domain:   attrs.Domain,
		HttpOnly: attrs.HttpOnly,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
		Expires:  attrs.Expires,
	})
}

// DeleteCookie expires a cookie; path and domain must match the ones it was set with.
func (rc *RequestContext) DeleteCookie(name string, attrs CookieAttributes) {
	if attrs.Path == "" {
		attrs.Path = "/"
	}
	http.SetCookie(rc.Response, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     attrs.Path,
		Domain:   attrs.Domain,
		HttpOnly: attrs.HttpOnly,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
		Expires:  time.Unix(1, 0),
		MaxAge:   -1,
	})
}

func (rc *RequestContext) Cookie(name string) (string, bool) {
	c, err := rc.Request.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (rc *RequestContext) SetStatus(code int) {
	rc.Response.WriteHeader(code)
}

// Redirect answers 302 with location.
func (rc *RequestContext) Redirect(location string) {
	rc.Response.Header().Set("Location", location)
	rc.Response.WriteHeader(http.StatusFound)
}

func (rc *RequestContext) IsHTTPS() bool {
	return rc.Request.TLS != nil
}

// CurrentURI is the path base, path and query of the request.
func (rc *RequestContext) CurrentURI() string {
	uri := rc.PathBase + rc.Request.URL.Path
	if rc.Request.URL.RawQuery != "" {
		uri += "?" + rc.Request.URL.RawQuery
	}
	return uri
}

// BuildURI returns the absolute URI of path below the path base.
func (rc *RequestContext) BuildURI(path string) string {
	scheme := "http"
	if rc.IsHTTPS() {
		scheme = "https"
	}
	return scheme + "://" + rc.Request.Host + rc.PathBase + path
}

// IsLocalURL reports whether uri is a path on this host, excluding protocol-relative URLs.
func IsLocalURL(uri string) bool {
	if uri == "" || uri[0] != '/' {
		return false
	}
	return len(uri) == 1 || (uri[1] != '/' && uri[1] != '\\')
}
