package doorman

import (
	"context"
	"fmt"
	"net/http"
)

type ChallengeBehavior int

const (
	// ChallengeAutomatic picks Forbidden when the scheme already authenticates a principal, Unauthorized otherwise.
	ChallengeAutomatic ChallengeBehavior = iota
	ChallengeUnauthorized
	ChallengeForbidden
)

func (b ChallengeBehavior) String() string {
	switch b {
	case ChallengeUnauthorized:
		return "unauthorized"
	case ChallengeForbidden:
		return "forbidden"
	default:
		return "automatic"
	}
}

// Handler is the per-request worker of one scheme.
// Initialize is called exactly once, before any other method.
type Handler interface {
	Initialize(ctx context.Context, scheme *Scheme, rc *RequestContext) error
	Authenticate(ctx context.Context) (*AuthenticateResult, error)
	Challenge(ctx context.Context, properties *Properties, behavior ChallengeBehavior) error
	Forbid(ctx context.Context, properties *Properties) error
}

type SignInHandler interface {
	Handler
	SignIn(ctx context.Context, principal *Principal, properties *Properties) error
}

type SignOutHandler interface {
	Handler
	SignOut(ctx context.Context, properties *Properties) error
}

// RequestHandler is implemented by handlers that may answer a request on their
// own (e.g. a remote callback path). A true result stops the pipeline.
type RequestHandler interface {
	Handler
	HandleRequest(ctx context.Context) (bool, error)
}

// AuthenticateHook produces the authenticate result of a concrete handler. HandlerBase
// calls it at most once per request.
type AuthenticateHook interface {
	HandleAuthenticate(ctx context.Context) (*AuthenticateResult, error)
}

// UnauthorizedHook replaces the default 401 response.
type UnauthorizedHook interface {
	HandleUnauthorized(ctx context.Context, properties *Properties) error
}

// ForbiddenHook replaces the default 403 response.
type ForbiddenHook interface {
	HandleForbidden(ctx context.Context, properties *Properties) error
}

// SchemeOptions are shared by every scheme type. Concrete options embed it.
type SchemeOptions struct {
	DisplayName         string `mapstructure:"display_name"`
	ClaimsIssuer        string `mapstructure:"claims_issuer"`
	ForwardDefault      string `mapstructure:"forward_default"`
	ForwardAuthenticate string `mapstructure:"forward_authenticate"`
	ForwardChallenge    string `mapstructure:"forward_challenge"`
	ForwardForbid       string `mapstructure:"forward_forbid"`
	ForwardSignIn       string `mapstructure:"forward_sign_in"`
	ForwardSignOut      string `mapstructure:"forward_sign_out"`
	// ForwardDefaultSelector is consulted before ForwardDefault; an empty result falls through.
	ForwardDefaultSelector func(r *http.Request) string `mapstructure:"-"`
	// ACLs are added as role claims to every principal the scheme produces.
	ACLs []string `mapstructure:"-"`
}

func (o *SchemeOptions) schemeOptions() *SchemeOptions { return o }
func (o *SchemeOptions) displayName() string           { return o.DisplayName }

type operation int

const (
	opAuthenticate operation = iota
	opChallenge
	opSignIn
	opSignOut
)

// HandlerBase carries the request-scoped state every handler shares: the memoized
// authenticate outcome, challenge dispatch and scheme forwarding. Concrete handlers
// embed it and call InitializeBase from their Initialize.
type HandlerBase struct {
	scheme  *Scheme
	rc      *RequestContext
	options *SchemeOptions
	logger  Logger
	hooks   any

	authDone   bool
	authResult *AuthenticateResult
	authErr    error

	inProgress map[operation]bool
}

// InitializeBase binds the handler to its scheme and request. outer is the concrete
// handler, inspected for the hook interfaces.
func (b *HandlerBase) InitializeBase(scheme *Scheme, rc *RequestContext, outer any) error {
	if b.scheme != nil {
		return fmt.Errorf("handler for scheme '%s' is already initialized", b.scheme.name)
	}
	if scheme == nil || rc == nil {
		return fmt.Errorf("%w: handler needs a scheme and a request", ErrConfiguration)
	}
	b.scheme = scheme
	b.rc = rc
	b.hooks = outer
	b.logger = rc.doorman.logger
	b.inProgress = make(map[operation]bool)
	if so, ok := scheme.options.(interface{ schemeOptions() *SchemeOptions }); ok {
		b.options = so.schemeOptions()
	} else {
		b.options = &SchemeOptions{}
	}
	return nil
}

func (b *HandlerBase) Scheme() *Scheme                 { return b.scheme }
func (b *HandlerBase) RequestContext() *RequestContext { return b.rc }
func (b *HandlerBase) Logger() Logger                  { return b.logger }
func (b *HandlerBase) SchemeOptions() *SchemeOptions   { return b.options }

// ClaimsIssuer defaults to the scheme name.
func (b *HandlerBase) ClaimsIssuer() string {
	if b.options.ClaimsIssuer != "" {
		return b.options.ClaimsIssuer
	}
	return b.scheme.name
}

// NewIdentity returns an authenticated identity for this scheme. Claims get the
// scheme's issuer and the configured ACLs are appended as roles.
func (b *HandlerBase) NewIdentity(claims ...Claim) *Identity {
	id := NewIdentity(b.scheme.name)
	for _, c := range claims {
		b.AddClaim(id, c)
	}
	for _, acl := range b.options.ACLs {
		b.AddClaim(id, Claim{Type: ClaimTypeRole, Value: acl})
	}
	return id
}

func (b *HandlerBase) AddClaim(id *Identity, c Claim) {
	if c.Issuer == "" {
		c.Issuer = b.ClaimsIssuer()
	}
	id.AddClaim(c)
}

// Authenticate runs the authenticate hook once per request. Later calls return the
// identical result, including a cached error.
func (b *HandlerBase) Authenticate(ctx context.Context) (*AuthenticateResult, error) {
	if b.authDone {
		return b.authResult, b.authErr
	}
	if b.inProgress[opAuthenticate] {
		return nil, fmt.Errorf("%w: authenticate on scheme '%s'", ErrRecursiveForwarding, b.scheme.name)
	}
	b.inProgress[opAuthenticate] = true
	defer delete(b.inProgress, opAuthenticate)

	var (
		result *AuthenticateResult
		err    error
	)
	if target := b.forwardTarget(b.options.ForwardAuthenticate); target != "" {
		result, err = b.forwardAuthenticate(ctx, target)
	} else if hook, ok := b.hooks.(AuthenticateHook); ok {
		result, err = hook.HandleAuthenticate(ctx)
	}
	if err == nil && result == nil {
		result = NoResult()
	}
	b.authResult, b.authErr, b.authDone = result, err, true

	if err == nil {
		switch {
		case result.Succeeded():
			b.logger.Debug("scheme authenticated", "scheme", b.scheme.name, "name", result.Principal().Name())
		case result.None():
			b.logger.Debug("scheme was not authenticated", "scheme", b.scheme.name)
		default:
			b.logger.Info("scheme authentication failed", "scheme", b.scheme.name, "error", result.Failure())
		}
	}
	return result, err
}

// AuthenticateSafe is Authenticate with errors folded into a Fail result.
func (b *HandlerBase) AuthenticateSafe(ctx context.Context) *AuthenticateResult {
	result, err := b.Authenticate(ctx)
	if err != nil {
		return Fail(err)
	}
	return result
}

func (b *HandlerBase) Challenge(ctx context.Context, properties *Properties, behavior ChallengeBehavior) error {
	forward := b.options.ForwardChallenge
	if behavior == ChallengeForbidden {
		forward = b.options.ForwardForbid
	}
	if target := b.forwardTarget(forward); target != "" {
		return b.guard(opChallenge, func() error {
			h, err := b.targetHandler(ctx, target)
			if err != nil {
				return err
			}
			return h.Challenge(ctx, properties, behavior)
		})
	}

	if properties == nil {
		properties = NewProperties()
	}
	if behavior == ChallengeAutomatic {
		behavior = ChallengeUnauthorized
		if result := b.AuthenticateSafe(ctx); result.Succeeded() && result.Principal() != nil {
			behavior = ChallengeForbidden
		}
	}
	b.rc.doorman.metrics.challenged(b.scheme.name, behavior)

	switch behavior {
	case ChallengeForbidden:
		b.logger.Info("scheme forbidden", "scheme", b.scheme.name)
		if hook, ok := b.hooks.(ForbiddenHook); ok {
			return hook.HandleForbidden(ctx, properties)
		}
		b.rc.SetStatus(http.StatusForbidden)
	default:
		b.logger.Info("scheme challenged", "scheme", b.scheme.name)
		if hook, ok := b.hooks.(UnauthorizedHook); ok {
			return hook.HandleUnauthorized(ctx, properties)
		}
		b.rc.SetStatus(http.StatusUnauthorized)
	}
	return nil
}

// Forbid is Challenge with ChallengeForbidden.
func (b *HandlerBase) Forbid(ctx context.Context, properties *Properties) error {
	return b.Challenge(ctx, properties, ChallengeForbidden)
}

// ForwardSignIn forwards to the configured sign-in target, if any. Concrete SignIn
// implementations call it first and return when forwarded is true.
func (b *HandlerBase) ForwardSignIn(ctx context.Context, principal *Principal, properties *Properties) (forwarded bool, err error) {
	target := b.forwardTarget(b.options.ForwardSignIn)
	if target == "" {
		return false, nil
	}
	return true, b.guard(opSignIn, func() error {
		h, err := b.targetHandler(ctx, target)
		if err != nil {
			return err
		}
		sh, ok := h.(SignInHandler)
		if !ok {
			return fmt.Errorf("%w: sign in on scheme '%s'", ErrUnsupportedOperation, target)
		}
		return sh.SignIn(ctx, principal, properties)
	})
}

// ForwardSignOut is the sign-out counterpart of ForwardSignIn.
func (b *HandlerBase) ForwardSignOut(ctx context.Context, properties *Properties) (forwarded bool, err error) {
	target := b.forwardTarget(b.options.ForwardSignOut)
	if target == "" {
		return false, nil
	}
	return true, b.guard(opSignOut, func() error {
		h, err := b.targetHandler(ctx, target)
		if err != nil {
			return err
		}
		sh, ok := h.(SignOutHandler)
		if !ok {
			return fmt.Errorf("%w: sign out on scheme '%s'", ErrUnsupportedOperation, target)
		}
		return sh.SignOut(ctx, properties)
	})
}

func (b *HandlerBase) forwardAuthenticate(ctx context.Context, target string) (*AuthenticateResult, error) {
	h, err := b.targetHandler(ctx, target)
	if err != nil {
		return nil, err
	}
	return h.Authenticate(ctx)
}

// guard fails when op re-enters this handler while it is still forwarding op.
func (b *HandlerBase) guard(op operation, f func() error) error {
	if b.inProgress[op] {
		return fmt.Errorf("%w: scheme '%s'", ErrRecursiveForwarding, b.scheme.name)
	}
	b.inProgress[op] = true
	defer delete(b.inProgress, op)
	return f()
}

// forwardTarget resolves specific, then the selector, then ForwardDefault.
// Forwarding to the own scheme is ignored.
func (b *HandlerBase) forwardTarget(specific string) string {
	target := specific
	if target == "" && b.options.ForwardDefaultSelector != nil {
		target = b.options.ForwardDefaultSelector(b.rc.Request)
	}
	if target == "" {
		target = b.options.ForwardDefault
	}
	if target == b.scheme.name {
		return ""
	}
	return target
}

func (b *HandlerBase) targetHandler(ctx context.Context, name string) (Handler, error) {
	h, err := b.rc.Handler(ctx, name)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: '%s' (forwarded from '%s')", ErrMissingHandler, name, b.scheme.name)
	}
	return h, nil
}
