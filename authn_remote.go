package doorman

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultRemoteAuthenticationTimeout = 15 * time.Minute
	defaultBackchannelTimeout          = 60 * time.Second
	defaultReturnURLParameter          = "ReturnUrl"
)

// RemoteProtocol is the protocol specific part of a remote scheme.
type RemoteProtocol interface {
	// BuildChallengeURL returns the URL the browser is sent to. redirectURI is the
	// absolute callback URI; props must be carried through the round trip.
	BuildChallengeURL(ctx context.Context, h *RemoteHandler, props *Properties, redirectURI string) (string, error)
	// HandleRemoteAuthenticate reads the callback request and returns the outcome
	// together with the round-tripped properties.
	HandleRemoteAuthenticate(ctx context.Context, h *RemoteHandler) (*AuthenticateResult, error)
}

// RemoteOptions are embedded by options of remote schemes.
type RemoteOptions struct {
	SchemeOptions `mapstructure:",squash"`

	CallbackPath                string        `mapstructure:"callback_path" validate:"required,startswith=/"`
	SignInScheme                string        `mapstructure:"sign_in_scheme"`
	AccessDeniedPath            string        `mapstructure:"access_denied_path" validate:"omitempty,startswith=/"`
	ReturnURLParameter          string        `mapstructure:"return_url_parameter"`
	RemoteAuthenticationTimeout time.Duration `mapstructure:"remote_authentication_timeout"`
	BackchannelTimeout          time.Duration `mapstructure:"backchannel_timeout"`
	CorrelationCookiePrefix     string        `mapstructure:"correlation_cookie_prefix"`
	SaveTokens                  bool          `mapstructure:"save_tokens"`

	Events      *RemoteEvents `mapstructure:"-"`
	Backchannel *http.Client  `mapstructure:"-" validate:"-"`
}

func (o *RemoteOptions) remoteOptions() *RemoteOptions { return o }
func (o *RemoteOptions) callbackPath() string           { return o.CallbackPath }

func (o *RemoteOptions) applyDefaults() {
	if o.RemoteAuthenticationTimeout <= 0 {
		o.RemoteAuthenticationTimeout = defaultRemoteAuthenticationTimeout
	}
	if o.BackchannelTimeout <= 0 {
		o.BackchannelTimeout = defaultBackchannelTimeout
	}
	if o.CorrelationCookiePrefix == "" {
		o.CorrelationCookiePrefix = defaultCorrelationCookiePrefix
	}
	if o.ReturnURLParameter == "" {
		o.ReturnURLParameter = defaultReturnURLParameter
	}
	if o.Backchannel == nil {
		o.Backchannel = &http.Client{Timeout: o.BackchannelTimeout}
	}
}

// RemoteEvents are the callbacks of the remote callback leg.
type RemoteEvents struct {
	OnTicketReceived func(ctx context.Context, tc *TicketReceivedContext) error
	OnRemoteFailure  func(ctx context.Context, fc *RemoteFailureContext) error
}

type resultControl struct {
	handled bool
	skipped bool
}

// HandleResponse marks the response as written by the callback; the pipeline stops.
func (c *resultControl) HandleResponse() { c.handled = true }

// SkipHandler lets the request continue to the next handler in the pipeline.
func (c *resultControl) SkipHandler() { c.skipped = true }

type TicketReceivedContext struct {
	resultControl
	RequestContext *RequestContext
	Scheme         *Scheme
	Principal      *Principal
	Properties     *Properties
	ReturnURI      string
	failure        error
}

// Fail turns the received ticket into a remote failure.
func (c *TicketReceivedContext) Fail(err error) { c.failure = err }

type RemoteFailureContext struct {
	resultControl
	RequestContext *RequestContext
	Scheme         *Scheme
	Failure        error
	Properties     *Properties
}

// RemoteHandler runs the redirect/callback flow of a remote scheme and delegates the
// protocol specifics to a RemoteProtocol.
type RemoteHandler struct {
	HandlerBase
	protocol     RemoteProtocol
	options      *RemoteOptions
	stateFormat  *PropertiesFormat
	signInScheme string
}

func NewRemoteHandler(protocol RemoteProtocol) *RemoteHandler {
	return &RemoteHandler{protocol: protocol}
}

// NewRemoteScheme builds a scheme whose handlers run a fresh protocol per request.
// options must embed RemoteOptions; unset timeouts and names get their defaults.
func NewRemoteScheme(name, handlerType string, newProtocol func() RemoteProtocol, options any) (*Scheme, error) {
	ro, ok := options.(interface{ remoteOptions() *RemoteOptions })
	if !ok {
		return nil, fmt.Errorf("%w: scheme '%s' has no remote options", ErrInvalidOptions, name)
	}
	if newProtocol == nil {
		return nil, fmt.Errorf("%w: scheme '%s' has no remote protocol", ErrConfiguration, name)
	}
	ro.remoteOptions().applyDefaults()
	return NewScheme(name, handlerType, func() Handler { return NewRemoteHandler(newProtocol()) }, options)
}

func (h *RemoteHandler) Initialize(ctx context.Context, scheme *Scheme, rc *RequestContext) error {
	ro, ok := scheme.Options().(interface{ remoteOptions() *RemoteOptions })
	if !ok {
		return fmt.Errorf("%w: scheme '%s' has no remote options", ErrInvalidOptions, scheme.Name())
	}
	h.options = ro.remoteOptions()
	if err := h.InitializeBase(scheme, rc, h); err != nil {
		return err
	}

	h.signInScheme = h.options.SignInScheme
	if h.signInScheme == "" {
		if s := rc.doorman.schemes.DefaultSignInScheme(); s != nil {
			h.signInScheme = s.name
		}
	}
	switch h.signInScheme {
	case "":
		return fmt.Errorf("%w: remote scheme '%s' has no sign in scheme", ErrConfiguration, scheme.Name())
	case scheme.Name():
		return fmt.Errorf("%w: remote scheme '%s' cannot sign in to itself", ErrConfiguration, scheme.Name())
	}

	h.stateFormat = NewPropertiesFormat(protectorFor(rc.doorman.protector, "remote."+scheme.Name()))
	if init, ok := h.protocol.(interface {
		Initialize(ctx context.Context, h *RemoteHandler) error
	}); ok {
		return init.Initialize(ctx, h)
	}
	return nil
}

func (h *RemoteHandler) Options() *RemoteOptions { return h.options }
func (h *RemoteHandler) SignInScheme() string    { return h.signInScheme }
func (h *RemoteHandler) Backchannel() *http.Client {
	return h.options.Backchannel
}

// ProtectState seals props for the round trip through the remote party.
func (h *RemoteHandler) ProtectState(props *Properties) (string, error) {
	return h.stateFormat.Protect(props)
}

func (h *RemoteHandler) UnprotectState(state string) (*Properties, error) {
	return h.stateFormat.Unprotect(state)
}

func (h *RemoteHandler) isCallbackRequest() bool {
	return h.rc.Request.URL.Path == h.rc.PathBase+h.options.CallbackPath
}

// HandleRequest completes the remote flow on the callback path.
func (h *RemoteHandler) HandleRequest(ctx context.Context) (bool, error) {
	if !h.isCallbackRequest() {
		return false, nil
	}

	var (
		props   *Properties
		failure error
	)
	result, err := h.protocol.HandleRemoteAuthenticate(ctx, h)
	switch {
	case err != nil:
		failure = err
	case result == nil:
		failure = errors.New("invalid return state, unable to redirect")
	case result.Handled():
		return true, nil
	case result.Skipped():
		return false, nil
	case result.Failure() != nil:
		failure, props = result.Failure(), result.Properties()
	case !result.Succeeded():
		failure, props = errors.New("no result"), result.Properties()
	}
	if failure != nil {
		return h.handleRemoteFailure(ctx, failure, props)
	}

	ticket := result.Ticket()
	props = ticket.Properties().Clone()
	if !h.ValidateCorrelationID(props) {
		return h.handleRemoteFailure(ctx, ErrCorrelationFailed, props)
	}
	return h.completeSignIn(ctx, ticket.Principal(), props)
}

func (h *RemoteHandler) completeSignIn(ctx context.Context, principal *Principal, props *Properties) (bool, error) {
	props.Set(propertyAuthScheme, h.scheme.name)
	tc := &TicketReceivedContext{
		RequestContext: h.rc,
		Scheme:         h.scheme,
		Principal:      principal,
		Properties:     props,
		ReturnURI:      props.RedirectURI(),
	}
	props.SetRedirectURI("")

	if ev := h.events(); ev != nil && ev.OnTicketReceived != nil {
		if err := ev.OnTicketReceived(ctx, tc); err != nil {
			return h.handleRemoteFailure(ctx, err, props)
		}
		switch {
		case tc.failure != nil:
			return h.handleRemoteFailure(ctx, tc.failure, props)
		case tc.handled:
			return true, nil
		case tc.skipped:
			return false, nil
		}
	}

	if tc.Principal == nil {
		return h.handleRemoteFailure(ctx, errors.New("no principal after ticket received"), props)
	}
	if err := h.rc.doorman.SignIn(ctx, h.rc, h.signInScheme, tc.Principal, tc.Properties); err != nil {
		return false, err
	}

	returnURI := tc.ReturnURI
	if returnURI == "" {
		returnURI = "/"
	}
	h.logger.Info("remote authentication completed", "scheme", h.scheme.name, "sign_in_scheme", h.signInScheme)
	h.rc.Redirect(returnURI)
	return true, nil
}

func (h *RemoteHandler) handleRemoteFailure(ctx context.Context, failure error, props *Properties) (bool, error) {
	h.logger.Warn("remote authentication failed", "scheme", h.scheme.name, "error", failure)
	h.rc.doorman.metrics.remoteFailed(h.scheme.name, failure)

	if errors.Is(failure, ErrAccessDenied) && h.options.AccessDeniedPath != "" {
		uri := h.rc.PathBase + h.options.AccessDeniedPath
		if returnURI := props.RedirectURI(); returnURI != "" {
			uri += "?" + url.Values{h.options.ReturnURLParameter: {returnURI}}.Encode()
		}
		h.rc.Redirect(uri)
		return true, nil
	}

	fc := &RemoteFailureContext{
		RequestContext: h.rc,
		Scheme:         h.scheme,
		Failure:        failure,
		Properties:     props,
	}
	if ev := h.events(); ev != nil && ev.OnRemoteFailure != nil {
		if err := ev.OnRemoteFailure(ctx, fc); err != nil {
			return false, &RemoteFailureError{Scheme: h.scheme.name, Properties: props, Err: errors.Join(failure, err)}
		}
		switch {
		case fc.handled:
			return true, nil
		case fc.skipped:
			return false, nil
		}
	}
	return false, &RemoteFailureError{Scheme: h.scheme.name, Properties: props, Err: fc.Failure}
}

func (h *RemoteHandler) events() *RemoteEvents { return h.options.Events }

// HandleAuthenticate accepts the sign-in scheme's ticket only when this scheme issued it.
func (h *RemoteHandler) HandleAuthenticate(ctx context.Context) (*AuthenticateResult, error) {
	target, err := h.targetHandler(ctx, h.signInScheme)
	if err != nil {
		return nil, err
	}
	result, err := target.Authenticate(ctx)
	if err != nil || !result.Succeeded() {
		return result, err
	}
	if issuer, _ := result.Properties().Get(propertyAuthScheme); issuer != h.scheme.name {
		return NoResult(), nil
	}
	return Success(NewTicket(result.Principal(), result.Properties(), h.scheme.name)), nil
}

// HandleUnauthorized sends the browser to the remote party.
func (h *RemoteHandler) HandleUnauthorized(ctx context.Context, props *Properties) error {
	props = props.Clone()
	if props.RedirectURI() == "" {
		props.SetRedirectURI(h.rc.CurrentURI())
	}
	if err := h.GenerateCorrelationID(props); err != nil {
		return err
	}
	uri, err := h.protocol.BuildChallengeURL(ctx, h, props, h.rc.BuildURI(h.options.CallbackPath))
	if err != nil {
		return err
	}
	h.rc.Redirect(uri)
	return nil
}

// HandleForbidden forwards to the sign-in scheme.
func (h *RemoteHandler) HandleForbidden(ctx context.Context, props *Properties) error {
	target, err := h.targetHandler(ctx, h.signInScheme)
	if err != nil {
		return err
	}
	return target.Forbid(ctx, props)
}
