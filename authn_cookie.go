package doorman

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultCookiePrefix       = ".Doorman."
	defaultExpireTimeSpan     = 14 * 24 * time.Hour
	cookieSecureAlways        = "always"
	cookieSecureNone          = "none"
	cookieSecureSameAsRequest = "same_as_request"
)

// CookieOptions configure the cookie scheme. Use NewCookieOptions for defaults.
type CookieOptions struct {
	SchemeOptions `mapstructure:",squash"`

	CookieName         string        `mapstructure:"cookie_name"`
	CookiePath         string        `mapstructure:"cookie_path"`
	CookieDomain       string        `mapstructure:"cookie_domain"`
	SecurePolicy       string        `mapstructure:"secure_policy" validate:"omitempty,oneof=same_as_request always none"`
	SameSite           string        `mapstructure:"same_site" validate:"omitempty,oneof=lax strict none"`
	ExpireTimeSpan     time.Duration `mapstructure:"expire_time_span" validate:"gte=0"`
	SlidingExpiration  bool          `mapstructure:"sliding_expiration"`
	LoginPath          string        `mapstructure:"login_path" validate:"omitempty,startswith=/"`
	LogoutPath         string        `mapstructure:"logout_path" validate:"omitempty,startswith=/"`
	AccessDeniedPath   string        `mapstructure:"access_denied_path" validate:"omitempty,startswith=/"`
	ReturnURLParameter string        `mapstructure:"return_url_parameter"`

	Events *CookieEvents `mapstructure:"-"`

	ticketFormat *TicketFormat
}

func NewCookieOptions() *CookieOptions {
	return &CookieOptions{
		SecurePolicy:       cookieSecureSameAsRequest,
		SameSite:           "lax",
		ExpireTimeSpan:     defaultExpireTimeSpan,
		SlidingExpiration:  true,
		ReturnURLParameter: defaultReturnURLParameter,
	}
}

// CookieEvents are optional callbacks of the cookie scheme.
type CookieEvents struct {
	OnValidatePrincipal func(ctx context.Context, vc *ValidatePrincipalContext) error
	OnSigningIn         func(ctx context.Context, sc *CookieSigningContext) error
	OnSignedIn          func(ctx context.Context, sc *CookieSigningContext) error
	OnSigningOut        func(ctx context.Context, sc *CookieSigningContext) error
}

type ValidatePrincipalContext struct {
	RequestContext *RequestContext
	Principal      *Principal
	Properties     *Properties
	// ShouldRenew reissues the cookie with a fresh expiry.
	ShouldRenew bool
	rejected    bool
}

// RejectPrincipal discards the cookie; the request is not authenticated.
func (c *ValidatePrincipalContext) RejectPrincipal() { c.rejected = true }

// ReplacePrincipal swaps the principal, e.g. after refreshing claims.
func (c *ValidatePrincipalContext) ReplacePrincipal(p *Principal) { c.Principal = p }

type CookieSigningContext struct {
	RequestContext *RequestContext
	Principal      *Principal
	Properties     *Properties
	Cookie         CookieAttributes
}

var cookieSchemeType = SchemeType{
	NewOptions: func() any { return NewCookieOptions() },
	Build:      buildCookieScheme,
}

func buildCookieScheme(dm *Doorman, name string, options any) (*Scheme, error) {
	opts, ok := options.(*CookieOptions)
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' expects *CookieOptions, got %T", ErrInvalidOptions, name, options)
	}
	if err := dm.validateOptions(name, opts); err != nil {
		return nil, err
	}
	if opts.CookieName == "" {
		opts.CookieName = defaultCookiePrefix + name
	}
	if opts.ExpireTimeSpan == 0 {
		opts.ExpireTimeSpan = defaultExpireTimeSpan
	}
	if opts.ReturnURLParameter == "" {
		opts.ReturnURLParameter = defaultReturnURLParameter
	}
	opts.ticketFormat = NewTicketFormat(protectorFor(dm.protector, "cookie."+name))
	return NewScheme(name, "cookie", func() Handler { return &CookieHandler{} }, opts)
}

// CookieHandler keeps the signed-in principal in a sealed cookie.
type CookieHandler struct {
	HandlerBase
	options *CookieOptions
}

func (h *CookieHandler) Initialize(_ context.Context, scheme *Scheme, rc *RequestContext) error {
	opts, ok := scheme.Options().(*CookieOptions)
	if !ok || opts.ticketFormat == nil {
		return fmt.Errorf("%w: scheme '%s' has no cookie options", ErrInvalidOptions, scheme.Name())
	}
	h.options = opts
	return h.InitializeBase(scheme, rc, h)
}

func (h *CookieHandler) HandleAuthenticate(ctx context.Context) (*AuthenticateResult, error) {
	value, ok := h.rc.Cookie(h.options.CookieName)
	if !ok || value == "" {
		return NoResult(), nil
	}

	ticket, err := h.options.ticketFormat.Unprotect(value)
	if err != nil {
		return Fail(err), nil
	}

	now := time.Now()
	props := ticket.Properties()
	if expires, ok := props.ExpiresUTC(); ok && !now.Before(expires) {
		h.rc.DeleteCookie(h.options.CookieName, h.cookieAttributes())
		return Fail(ErrTicketExpired), nil
	}

	principal := ticket.Principal()
	renew := h.shouldRenew(now, props)
	if ev := h.options.Events; ev != nil && ev.OnValidatePrincipal != nil {
		vc := &ValidatePrincipalContext{RequestContext: h.rc, Principal: principal, Properties: props, ShouldRenew: renew}
		if err = ev.OnValidatePrincipal(ctx, vc); err != nil {
			return nil, err
		}
		if vc.rejected || vc.Principal == nil {
			h.rc.DeleteCookie(h.options.CookieName, h.cookieAttributes())
			return Fail(fmt.Errorf("%w: principal rejected", ErrInvalidTicket)), nil
		}
		principal, renew = vc.Principal, vc.ShouldRenew
	}

	if renew {
		props = props.Clone()
		props.SetIssuedUTC(now)
		props.SetExpiresUTC(now.Add(h.options.ExpireTimeSpan))
		if err = h.writeTicket(principal, props, h.cookieAttributes()); err != nil {
			return nil, err
		}
	}
	return Success(NewTicket(principal, props, h.scheme.name)), nil
}

// shouldRenew is true once less than half of the ticket lifetime remains.
func (h *CookieHandler) shouldRenew(now time.Time, props *Properties) bool {
	if !h.options.SlidingExpiration {
		return false
	}
	issued, ok := props.IssuedUTC()
	if !ok {
		return false
	}
	expires, ok := props.ExpiresUTC()
	if !ok {
		return false
	}
	return expires.Sub(now) < now.Sub(issued)
}

func (h *CookieHandler) SignIn(ctx context.Context, principal *Principal, properties *Properties) error {
	if forwarded, err := h.ForwardSignIn(ctx, principal, properties); forwarded {
		return err
	}

	props := properties.Clone()
	sc := &CookieSigningContext{RequestContext: h.rc, Principal: principal, Properties: props, Cookie: h.cookieAttributes()}
	if ev := h.options.Events; ev != nil && ev.OnSigningIn != nil {
		if err := ev.OnSigningIn(ctx, sc); err != nil {
			return err
		}
	}

	redirectURI := props.RedirectURI()
	props.SetRedirectURI("")
	now := time.Now()
	props.SetIssuedUTC(now)
	if _, ok := props.ExpiresUTC(); !ok {
		props.SetExpiresUTC(now.Add(h.options.ExpireTimeSpan))
	}
	if err := h.writeTicket(sc.Principal, props, sc.Cookie); err != nil {
		return err
	}
	h.logger.Info("signed in", "scheme", h.scheme.name, "name", sc.Principal.Name())

	if ev := h.options.Events; ev != nil && ev.OnSignedIn != nil {
		if err := ev.OnSignedIn(ctx, sc); err != nil {
			return err
		}
	}

	h.redirectAfter(h.options.LoginPath, redirectURI)
	return nil
}

func (h *CookieHandler) SignOut(ctx context.Context, properties *Properties) error {
	if forwarded, err := h.ForwardSignOut(ctx, properties); forwarded {
		return err
	}

	props := properties.Clone()
	sc := &CookieSigningContext{RequestContext: h.rc, Properties: props, Cookie: h.cookieAttributes()}
	if ev := h.options.Events; ev != nil && ev.OnSigningOut != nil {
		if err := ev.OnSigningOut(ctx, sc); err != nil {
			return err
		}
	}
	h.rc.DeleteCookie(h.options.CookieName, sc.Cookie)
	h.logger.Info("signed out", "scheme", h.scheme.name)

	h.redirectAfter(h.options.LogoutPath, props.RedirectURI())
	return nil
}

// writeTicket issues the cookie. Persistent tickets outlive the browser session.
func (h *CookieHandler) writeTicket(principal *Principal, props *Properties, attrs CookieAttributes) error {
	value, err := h.options.ticketFormat.Protect(NewTicket(principal, props, h.scheme.name))
	if err != nil {
		return err
	}
	if props.IsPersistent() {
		attrs.Expires, _ = props.ExpiresUTC()
	}
	h.rc.SetCookie(h.options.CookieName, value, attrs)
	return nil
}

// redirectAfter follows uri, or the return url parameter when the request hit path.
func (h *CookieHandler) redirectAfter(path, uri string) {
	if uri == "" && path != "" && h.rc.Request.URL.Path == h.rc.PathBase+path {
		uri = h.rc.Request.URL.Query().Get(h.options.ReturnURLParameter)
	}
	if uri != "" && IsLocalURL(uri) {
		h.rc.Redirect(uri)
	}
}

// HandleUnauthorized redirects to the login path when one is configured.
func (h *CookieHandler) HandleUnauthorized(_ context.Context, props *Properties) error {
	if h.options.LoginPath == "" {
		h.rc.SetStatus(http.StatusUnauthorized)
		return nil
	}
	h.redirectOrStatus(h.options.LoginPath, props, http.StatusUnauthorized)
	return nil
}

func (h *CookieHandler) HandleForbidden(_ context.Context, props *Properties) error {
	if h.options.AccessDeniedPath == "" {
		h.rc.SetStatus(http.StatusForbidden)
		return nil
	}
	h.redirectOrStatus(h.options.AccessDeniedPath, props, http.StatusForbidden)
	return nil
}

// redirectOrStatus redirects browsers; AJAX requests get status with a Location header.
func (h *CookieHandler) redirectOrStatus(path string, props *Properties, status int) {
	returnURI := props.RedirectURI()
	if returnURI == "" {
		returnURI = h.rc.CurrentURI()
	}
	location := h.rc.PathBase + path + "?" + url.Values{h.options.ReturnURLParameter: {returnURI}}.Encode()

	if strings.EqualFold(h.rc.Request.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		h.rc.Response.Header().Set("Location", location)
		h.rc.SetStatus(status)
		return
	}
	h.rc.Redirect(location)
}

func (h *CookieHandler) cookieAttributes() CookieAttributes {
	attrs := CookieAttributes{
		Path:     h.options.CookiePath,
		Domain:   h.options.CookieDomain,
		HttpOnly: true,
	}
	if attrs.Path == "" {
		attrs.Path = h.rc.PathBase
	}
	switch h.options.SecurePolicy {
	case cookieSecureAlways:
		attrs.Secure = true
	case cookieSecureNone:
	default:
		attrs.Secure = h.rc.IsHTTPS()
	}
	switch h.options.SameSite {
	case "strict":
		attrs.SameSite = http.SameSiteStrictMode
	case "none":
		attrs.SameSite = http.SameSiteNoneMode
		attrs.Secure = true
	default:
		attrs.SameSite = http.SameSiteLaxMode
	}
	return attrs
}
