package authz

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// RequirementFactory builds a requirement from the keys of a policy file entry.
type RequirementFactory func(config map[string]any) (Requirement, error)

var validate = validator.New(validator.WithRequiredStructEnabled())

var defaultRequirementFactories = map[string]RequirementFactory{
	"authenticated": func(config map[string]any) (Requirement, error) {
		var c struct{}
		if err := decodeRequirement(config, &c); err != nil {
			return nil, err
		}
		return &DenyAnonymousRequirement{}, nil
	},
	"claim": func(config map[string]any) (Requirement, error) {
		var c struct {
			ClaimType string   `mapstructure:"claim_type" validate:"required"`
			Values    []string `mapstructure:"values"`
		}
		if err := decodeRequirement(config, &c); err != nil {
			return nil, err
		}
		return NewClaimsRequirement(c.ClaimType, c.Values...), nil
	},
	"role": func(config map[string]any) (Requirement, error) {
		var c struct {
			Roles []string `mapstructure:"roles" validate:"required,min=1,dive,required"`
		}
		if err := decodeRequirement(config, &c); err != nil {
			return nil, err
		}
		return NewRolesRequirement(c.Roles...), nil
	},
	"name": func(config map[string]any) (Requirement, error) {
		var c struct {
			Name string `mapstructure:"name" validate:"required"`
		}
		if err := decodeRequirement(config, &c); err != nil {
			return nil, err
		}
		return &NameRequirement{RequiredName: c.Name}, nil
	},
}

func decodeRequirement(input map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToSliceHookFunc(","),
		ErrorUnused: true,
		Result:      result,
	})
	if err != nil {
		return err
	}
	if err = decoder.Decode(input); err != nil {
		return err
	}
	return validate.Struct(result)
}

// PolicyProvider holds named policies, the default policy used when a policy name is
// empty and the optional fallback policy for endpoints without a policy.
type PolicyProvider struct {
	mu                   sync.RWMutex
	policies             map[string]*Policy
	defaultPolicy        *Policy
	fallbackPolicy       *Policy
	requirementFactories map[string]RequirementFactory
}

func NewPolicyProvider() *PolicyProvider {
	defaultPolicy, _ := NewPolicyBuilder().RequireAuthenticatedUser().Build()
	return &PolicyProvider{
		policies:             make(map[string]*Policy),
		defaultPolicy:        defaultPolicy,
		requirementFactories: maps.Clone(defaultRequirementFactories),
	}
}

// AddPolicy registers policy under name, replacing an existing one.
func (pp *PolicyProvider) AddPolicy(name string, policy *Policy) error {
	if name == "" || policy == nil {
		return errors.New("policy name and policy are required")
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.policies[name] = policy
	return nil
}

// GetPolicy returns the named policy; an empty name is the default policy.
func (pp *PolicyProvider) GetPolicy(name string) (*Policy, error) {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	if name == "" {
		return pp.defaultPolicy, nil
	}
	p, found := pp.policies[name]
	if !found {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownPolicy, name)
	}
	return p, nil
}

func (pp *PolicyProvider) PolicyNames() []string {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return slices.Sorted(maps.Keys(pp.policies))
}

func (pp *PolicyProvider) DefaultPolicy() *Policy {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return pp.defaultPolicy
}

func (pp *PolicyProvider) SetDefaultPolicy(policy *Policy) error {
	if policy == nil {
		return ErrEmptyPolicy
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.defaultPolicy = policy
	return nil
}

// FallbackPolicy is nil unless set.
func (pp *PolicyProvider) FallbackPolicy() *Policy {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return pp.fallbackPolicy
}

// SetFallbackPolicy sets the policy of endpoints that name none; nil removes it.
func (pp *PolicyProvider) SetFallbackPolicy(policy *Policy) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.fallbackPolicy = policy
}

// RegisterRequirementType makes typ usable in policy files.
func (pp *PolicyProvider) RegisterRequirementType(typ string, factory RequirementFactory) error {
	if typ == "" || factory == nil {
		return errors.New("requirement type and factory are required")
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.requirementFactories[typ] = factory
	return nil
}

type policyDocument struct {
	DefaultPolicy  string                  `yaml:"default_policy"`
	FallbackPolicy string                  `yaml:"fallback_policy"`
	Policies       map[string]policyConfig `yaml:"policies"`
}

type policyConfig struct {
	Schemes      []string         `yaml:"schemes"`
	Requirements []map[string]any `yaml:"requirements"`
}

// LoadPolicies adds the policies of a YAML document. Nothing is added when any
// policy of the document is invalid.
func (pp *PolicyProvider) LoadPolicies(data []byte) error {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal policies: %w", err)
	}

	pp.mu.RLock()
	factories := maps.Clone(pp.requirementFactories)
	pp.mu.RUnlock()

	policies := make(map[string]*Policy, len(doc.Policies))
	for _, name := range slices.Sorted(maps.Keys(doc.Policies)) {
		p, err := buildPolicy(doc.Policies[name], factories)
		if err != nil {
			return fmt.Errorf("policy '%s': %w", name, err)
		}
		policies[name] = p
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()
	lookup := func(name string) (*Policy, error) {
		if p, found := policies[name]; found {
			return p, nil
		}
		if p, found := pp.policies[name]; found {
			return p, nil
		}
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownPolicy, name)
	}

	var defaultPolicy, fallbackPolicy *Policy
	var err error
	if doc.DefaultPolicy != "" {
		if defaultPolicy, err = lookup(doc.DefaultPolicy); err != nil {
			return err
		}
	}
	if doc.FallbackPolicy != "" {
		if fallbackPolicy, err = lookup(doc.FallbackPolicy); err != nil {
			return err
		}
	}

	maps.Copy(pp.policies, policies)
	if defaultPolicy != nil {
		pp.defaultPolicy = defaultPolicy
	}
	if fallbackPolicy != nil {
		pp.fallbackPolicy = fallbackPolicy
	}
	return nil
}

func (pp *PolicyProvider) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policies: %w", err)
	}
	return pp.LoadPolicies(data)
}

func buildPolicy(cfg policyConfig, factories map[string]RequirementFactory) (*Policy, error) {
	b := NewPolicyBuilder(cfg.Schemes...)
	for idx, entry := range cfg.Requirements {
		typ, _ := entry["type"].(string)
		factory, found := factories[typ]
		if !found {
			return nil, fmt.Errorf("requirement %d: unknown type '%s'", idx, typ)
		}
		config := maps.Clone(entry)
		delete(config, "type")
		r, err := factory(config)
		if err != nil {
			return nil, fmt.Errorf("requirement %d (%s): %w", idx, typ, err)
		}
		b.AddRequirements(r)
	}
	return b.Build()
}
