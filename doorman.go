package doorman

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

var globalDoorman atomic.Pointer[Doorman]

// Option configures a Doorman in NewDoorman.
type Option func(dm *Doorman) error

// SchemeType knows how to build schemes of one handler type.
// NewOptions returns a pointer to options pre-filled with defaults; config maps are
// decoded on top of it. Build validates the options and returns the scheme.
type SchemeType struct {
	NewOptions func() any
	Build      func(dm *Doorman, name string, options any) (*Scheme, error)
}

// SchemeConfig is one scheme entry of a configuration file.
type SchemeConfig struct {
	Name   string         `mapstructure:"name"`
	Type   string         `mapstructure:"type"`
	ACLs   []string       `mapstructure:"acls"`
	Config map[string]any `mapstructure:",remain"`
}

// Config is the complete configuration document: defaults and schemes.
type Config struct {
	Defaults `mapstructure:",squash"`
	Schemes  []*SchemeConfig `mapstructure:"schemes"`
}

type pendingScheme struct {
	name    string
	typ     string
	options any
	config  *SchemeConfig
	scheme  *Scheme
}

type Doorman struct {
	schemes     *SchemeRegistry
	schemeTypes map[string]SchemeType
	pending     []pendingScheme
	defaults    Defaults

	transformer   ClaimsTransformer
	protector     Protector
	logger        Logger
	metrics       *Metrics
	pathBase      string
	hashers       map[string]HasherFunc
	validationOps map[string]ValidationOperationFunc
	validate      *validator.Validate

	closersMu sync.Mutex
	closers   map[string]io.Closer
}

// NewDoorman builds the scheme registry from the given options.
func NewDoorman(opts ...Option) (dm *Doorman, err error) {
	dm = &Doorman{
		schemes:       NewSchemeRegistry(),
		schemeTypes:   make(map[string]SchemeType),
		transformer:   identityTransformer{},
		logger:        NullLogger{},
		hashers:       maps.Clone(defaultHashers),
		validationOps: maps.Clone(defaultValidationOperations),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		closers:       make(map[string]io.Closer),
	}

	// register scheme types
	dm.schemeTypes["cookie"] = cookieSchemeType
	dm.schemeTypes["basic"] = basicSchemeType
	dm.schemeTypes["http_header"] = httpHeaderSchemeType
	dm.schemeTypes["ipaddress"] = ipAddressSchemeType
	dm.schemeTypes["bearer"] = bearerSchemeType
	dm.schemeTypes["oauth"] = oauthSchemeType
	dm.schemeTypes["policy"] = policySchemeType

	for _, opt := range opts {
		if err = opt(dm); err != nil {
			return nil, err
		}
	}

	if dm.protector == nil {
		key := make([]byte, 32)
		if _, err = rand.Read(key); err != nil {
			return nil, err
		}
		if dm.protector, err = NewJWTProtector(key, "doorman"); err != nil {
			return nil, err
		}
	}

	if err = dm.loadSchemes(); err != nil {
		return nil, errors.Join(err, dm.Close())
	}
	if err = dm.applyDefaults(); err != nil {
		return nil, errors.Join(err, dm.Close())
	}

	return dm, nil
}

func (dm *Doorman) loadSchemes() (err error) {
	for _, ps := range dm.pending {
		s := ps.scheme
		if s == nil {
			if s, err = dm.buildScheme(ps); err != nil {
				return err
			}
		}
		if err = dm.register(s); err != nil {
			return err
		}
		dm.logger.Info("scheme registered", "name", s.name, "type", s.handlerType)
	}
	dm.pending = nil
	return nil
}

func (dm *Doorman) buildScheme(ps pendingScheme) (*Scheme, error) {
	st, found := dm.schemeTypes[ps.typ]
	if !found {
		return nil, fmt.Errorf("%w: '%s' for scheme '%s'", ErrUnknownSchemeType, ps.typ, ps.name)
	}

	options := ps.options
	if ps.config != nil {
		options = st.NewOptions()
		if err := decodeOptions(ps.config.Config, options); err != nil {
			return nil, fmt.Errorf("%w: scheme '%s': %w", ErrInvalidOptions, ps.name, err)
		}
		if so, ok := options.(interface{ schemeOptions() *SchemeOptions }); ok {
			so.schemeOptions().ACLs = append(so.schemeOptions().ACLs, ps.config.ACLs...)
		}
	}
	if options == nil {
		options = st.NewOptions()
	}
	return st.Build(dm, ps.name, options)
}

func (dm *Doorman) applyDefaults() error {
	d := dm.defaults
	for _, name := range []string{d.Scheme, d.AuthenticateScheme, d.ChallengeScheme, d.ForbidScheme, d.SignInScheme, d.SignOutScheme} {
		if name != "" && dm.schemes.GetScheme(name) == nil {
			return fmt.Errorf("%w: default '%s'", ErrMissingHandler, name)
		}
	}
	dm.schemes.SetDefaults(d)
	return nil
}

// decodeOptions decodes a scheme config map into typed options. Unknown keys are errors.
func decodeOptions(input map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused: true,
		Result:      result,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// validateOptions runs the struct tags of a scheme's options.
func (dm *Doorman) validateOptions(name string, options any) error {
	if err := dm.validate.Struct(options); err != nil {
		return fmt.Errorf("%w: scheme '%s': %w", ErrInvalidOptions, name, err)
	}
	return nil
}

// Schemes returns the registry. Schemes may be added or removed at runtime.
func (dm *Doorman) Schemes() *SchemeRegistry { return dm.schemes }
func (dm *Doorman) Logger() Logger           { return dm.logger }
func (dm *Doorman) Protector() Protector     { return dm.protector }

// AddScheme builds a scheme of a registered type and adds it to the registry.
func (dm *Doorman) AddScheme(name, schemeType string, options any) error {
	s, err := dm.buildScheme(pendingScheme{name: name, typ: schemeType, options: options})
	if err != nil {
		return err
	}
	return dm.register(s)
}

// register adds s to the registry and tracks its closer. A scheme that cannot be
// added is closed right away.
func (dm *Doorman) register(s *Scheme) error {
	c, closes := s.options.(io.Closer)
	if err := dm.schemes.AddScheme(s); err != nil {
		if closes {
			err = errors.Join(err, c.Close())
		}
		return err
	}
	if closes {
		dm.closersMu.Lock()
		dm.closers[s.name] = c
		dm.closersMu.Unlock()
	}
	return nil
}

// RemoveScheme removes a scheme from the registry and releases its resources.
func (dm *Doorman) RemoveScheme(name string) error {
	dm.schemes.RemoveScheme(name)

	dm.closersMu.Lock()
	c, found := dm.closers[name]
	delete(dm.closers, name)
	dm.closersMu.Unlock()
	if !found {
		return nil
	}
	return c.Close()
}

// Close releases background resources held by scheme options (e.g. key refreshers).
func (dm *Doorman) Close() error {
	dm.closersMu.Lock()
	closers := dm.closers
	dm.closers = make(map[string]io.Closer)
	dm.closersMu.Unlock()

	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Global returns the doorman registered with AsGlobalDefault, or nil.
func Global() *Doorman { return globalDoorman.Load() }

func WithConfig(cfg *Config) Option {
	return func(dm *Doorman) error {
		if cfg == nil {
			return errors.New("config cannot be nil")
		}
		dm.defaults = cfg.Defaults
		return WithSchemeConfigs(cfg.Schemes)(dm)
	}
}

func WithSchemeConfigs(configs []*SchemeConfig) Option {
	return func(dm *Doorman) error {
		for _, cfg := range configs {
			if cfg == nil {
				continue
			}
			dm.pending = append(dm.pending, pendingScheme{name: cfg.Name, typ: cfg.Type, config: cfg})
		}
		return nil
	}
}

// WithScheme adds a scheme of a registered type with typed options, e.g. *CookieOptions.
func WithScheme(name, schemeType string, options any) Option {
	return func(dm *Doorman) error {
		dm.pending = append(dm.pending, pendingScheme{name: name, typ: schemeType, options: options})
		return nil
	}
}

// WithSchemes adds prebuilt schemes, typically with custom handler factories.
func WithSchemes(schemes ...*Scheme) Option {
	return func(dm *Doorman) error {
		for _, s := range schemes {
			if s == nil {
				return errors.New("scheme cannot be nil")
			}
			dm.pending = append(dm.pending, pendingScheme{name: s.name, typ: s.handlerType, scheme: s})
		}
		return nil
	}
}

func RegisterSchemeType(name string, t SchemeType) Option {
	return func(dm *Doorman) error {
		if name == "" || t.Build == nil || t.NewOptions == nil {
			return fmt.Errorf("%w: scheme type '%s' is incomplete", ErrConfiguration, name)
		}
		dm.schemeTypes[name] = t
		return nil
	}
}

func WithDefaults(d Defaults) Option {
	return func(dm *Doorman) error {
		dm.defaults = d
		return nil
	}
}

func WithDefaultScheme(name string) Option {
	return func(dm *Doorman) error {
		dm.defaults.Scheme = name
		return nil
	}
}

func WithDefaultAuthenticateScheme(name string) Option {
	return func(dm *Doorman) error {
		dm.defaults.AuthenticateScheme = name
		return nil
	}
}

func WithDefaultChallengeScheme(name string) Option {
	return func(dm *Doorman) error {
		dm.defaults.ChallengeScheme = name
		return nil
	}
}

func WithDefaultForbidScheme(name string) Option {
	return func(dm *Doorman) error {
		dm.defaults.ForbidScheme = name
		return nil
	}
}

func WithDefaultSignInScheme(name string) Option {
	return func(dm *Doorman) error {
		dm.defaults.SignInScheme = name
		return nil
	}
}

func WithDefaultSignOutScheme(name string) Option {
	return func(dm *Doorman) error {
		dm.defaults.SignOutScheme = name
		return nil
	}
}

func WithClaimsTransformer(t ClaimsTransformer) Option {
	return func(dm *Doorman) error {
		if t == nil {
			return errors.New("claims transformer cannot be nil")
		}
		dm.transformer = t
		return nil
	}
}

func WithProtector(p Protector) Option {
	return func(dm *Doorman) error {
		if p == nil {
			return errors.New("protector cannot be nil")
		}
		dm.protector = p
		return nil
	}
}

// WithPathBase sets the prefix the application is mounted under.
func WithPathBase(pathBase string) Option {
	return func(dm *Doorman) error {
		dm.pathBase = pathBase
		return nil
	}
}

func AsGlobalDefault() Option {
	return func(dm *Doorman) error {
		globalDoorman.Store(dm)
		return nil
	}
}

//go:generate mockgen -destination=internal/mocks/mock_doorman.go -package=mocks github.com/chriss-de/doorman/v2 ClaimsTransformer,Protector

// ClaimsTransformer may enrich a principal after every successful authenticate.
type ClaimsTransformer interface {
	Transform(ctx context.Context, principal *Principal) (*Principal, error)
}

type ClaimsTransformerFunc func(ctx context.Context, principal *Principal) (*Principal, error)

func (f ClaimsTransformerFunc) Transform(ctx context.Context, principal *Principal) (*Principal, error) {
	return f(ctx, principal)
}

type identityTransformer struct{}

func (identityTransformer) Transform(_ context.Context, principal *Principal) (*Principal, error) {
	return principal, nil
}
