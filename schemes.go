package doorman

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// HandlerFactory creates a fresh, uninitialized handler for one request.
type HandlerFactory func() Handler

// Scheme is an immutable, named authentication mechanism.
type Scheme struct {
	name          string
	displayName   string
	handlerType   string
	factory       HandlerFactory
	options       any
	callbackPaths []string
	requestHook   bool
}

// NewScheme builds a scheme record. options is handed unchanged to every handler
// created for the scheme.
func NewScheme(name, handlerType string, factory HandlerFactory, options any) (*Scheme, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: scheme name must not be empty", ErrConfiguration)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: scheme '%s' has no handler factory", ErrConfiguration, name)
	}
	s := &Scheme{
		name:        name,
		displayName: name,
		handlerType: handlerType,
		factory:     factory,
		options:     options,
	}
	// probe the capability once, the probe instance is discarded
	_, s.requestHook = factory().(RequestHandler)
	if cp, ok := options.(interface{ callbackPath() string }); ok && cp.callbackPath() != "" {
		s.callbackPaths = []string{cp.callbackPath()}
	}
	if dn, ok := options.(interface{ displayName() string }); ok && dn.displayName() != "" {
		s.displayName = dn.displayName()
	}
	return s, nil
}

func (s *Scheme) Name() string            { return s.name }
func (s *Scheme) DisplayName() string     { return s.displayName }
func (s *Scheme) HandlerType() string     { return s.handlerType }
func (s *Scheme) Options() any            { return s.options }
func (s *Scheme) CallbackPaths() []string { return slices.Clone(s.callbackPaths) }

// HandlesRequests reports whether handlers of this scheme may intercept raw requests.
func (s *Scheme) HandlesRequests() bool { return s.requestHook }

// Defaults names the schemes used when an operation is called without a scheme.
// Empty names fall back as documented on the resolver methods.
type Defaults struct {
	Scheme             string `mapstructure:"default_scheme"`
	AuthenticateScheme string `mapstructure:"default_authenticate_scheme"`
	ChallengeScheme    string `mapstructure:"default_challenge_scheme"`
	ForbidScheme       string `mapstructure:"default_forbid_scheme"`
	SignInScheme       string `mapstructure:"default_sign_in_scheme"`
	SignOutScheme      string `mapstructure:"default_sign_out_scheme"`
}

// SchemeRegistry holds the process wide set of schemes. It is read mostly;
// registration is expected at startup.
type SchemeRegistry struct {
	mu              sync.RWMutex
	schemes         map[string]*Scheme
	ordered         []*Scheme
	requestHandlers []*Scheme
	defaults        Defaults
}

func NewSchemeRegistry() *SchemeRegistry {
	return &SchemeRegistry{schemes: make(map[string]*Scheme)}
}

func (sr *SchemeRegistry) AddScheme(s *Scheme) error {
	if s == nil {
		return errors.New("scheme must not be nil")
	}
	sr.mu.RLock()
	_, exists := sr.schemes[s.name]
	sr.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: '%s'", ErrDuplicateScheme, s.name)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if _, exists = sr.schemes[s.name]; exists {
		return fmt.Errorf("%w: '%s'", ErrDuplicateScheme, s.name)
	}
	sr.schemes[s.name] = s
	sr.ordered = append(sr.ordered, s)
	if s.requestHook {
		sr.requestHandlers = append(sr.requestHandlers, s)
	}
	return nil
}

// RemoveScheme is a no-op for unknown names.
func (sr *SchemeRegistry) RemoveScheme(name string) {
	sr.mu.RLock()
	_, exists := sr.schemes[name]
	sr.mu.RUnlock()
	if !exists {
		return
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if _, exists = sr.schemes[name]; !exists {
		return
	}
	delete(sr.schemes, name)
	byName := func(s *Scheme) bool { return s.name == name }
	sr.ordered = slices.DeleteFunc(sr.ordered, byName)
	sr.requestHandlers = slices.DeleteFunc(sr.requestHandlers, byName)
}

func (sr *SchemeRegistry) GetScheme(name string) *Scheme {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.schemes[name]
}

// Schemes returns all schemes in registration order.
func (sr *SchemeRegistry) Schemes() []*Scheme {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return slices.Clone(sr.ordered)
}

// RequestHandlerSchemes returns, in registration order, the schemes whose handlers
// implement RequestHandler.
func (sr *SchemeRegistry) RequestHandlerSchemes() []*Scheme {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return slices.Clone(sr.requestHandlers)
}

func (sr *SchemeRegistry) SetDefaults(d Defaults) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.defaults = d
}

func (sr *SchemeRegistry) Defaults() Defaults {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.defaults
}

// DefaultAuthenticateScheme returns the configured scheme, else the only registered
// scheme, else nil.
func (sr *SchemeRegistry) DefaultAuthenticateScheme() *Scheme {
	d := sr.Defaults()
	return sr.resolveDefault(d.AuthenticateScheme, d.Scheme)
}

// DefaultChallengeScheme falls back to the default authenticate scheme.
func (sr *SchemeRegistry) DefaultChallengeScheme() *Scheme {
	d := sr.Defaults()
	if d.ChallengeScheme != "" {
		return sr.GetScheme(d.ChallengeScheme)
	}
	return sr.DefaultAuthenticateScheme()
}

// DefaultForbidScheme falls back to the default challenge scheme.
func (sr *SchemeRegistry) DefaultForbidScheme() *Scheme {
	d := sr.Defaults()
	if d.ForbidScheme != "" {
		return sr.GetScheme(d.ForbidScheme)
	}
	return sr.DefaultChallengeScheme()
}

func (sr *SchemeRegistry) DefaultSignInScheme() *Scheme {
	d := sr.Defaults()
	return sr.resolveDefault(d.SignInScheme, d.Scheme)
}

// DefaultSignOutScheme falls back to the default sign-in scheme.
func (sr *SchemeRegistry) DefaultSignOutScheme() *Scheme {
	d := sr.Defaults()
	if d.SignOutScheme != "" {
		return sr.GetScheme(d.SignOutScheme)
	}
	return sr.DefaultSignInScheme()
}

func (sr *SchemeRegistry) resolveDefault(names ...string) *Scheme {
	for _, name := range names {
		if name != "" {
			return sr.GetScheme(name)
		}
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if len(sr.ordered) == 1 {
		return sr.ordered[0]
	}
	return nil
}
