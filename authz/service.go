package authz

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chriss-de/doorman/v2"
)

// Result is the outcome of one evaluation.
type Result struct {
	succeeded bool
	Failure   *Failure
}

func (r *Result) Succeeded() bool { return r.succeeded }

// Failure explains a failed evaluation.
type Failure struct {
	FailCalled         bool
	FailedRequirements []Requirement
}

type ServiceOption func(s *Service) error

// Service evaluates requirements with the registered handlers.
type Service struct {
	handlers                   []Handler
	provider                   *PolicyProvider
	logger                     doorman.Logger
	metrics                    *Metrics
	invokeHandlersAfterFailure bool
}

// NewService returns a service with a PassThroughHandler and a fresh PolicyProvider
// unless options replace them.
func NewService(opts ...ServiceOption) (*Service, error) {
	s := &Service{
		handlers:                   []Handler{PassThroughHandler{}},
		logger:                     doorman.NullLogger{},
		invokeHandlersAfterFailure: true,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.provider == nil {
		s.provider = NewPolicyProvider()
	}
	return s, nil
}

// WithHandlers adds handlers; they run after the already registered ones.
func WithHandlers(handlers ...Handler) ServiceOption {
	return func(s *Service) error {
		for _, h := range handlers {
			if h == nil {
				return errors.New("handler cannot be nil")
			}
		}
		s.handlers = append(s.handlers, handlers...)
		return nil
	}
}

func WithPolicyProvider(provider *PolicyProvider) ServiceOption {
	return func(s *Service) error {
		if provider == nil {
			return errors.New("policy provider cannot be nil")
		}
		s.provider = provider
		return nil
	}
}

func WithLogger(l doorman.Logger) ServiceOption {
	return func(s *Service) error {
		if l == nil {
			return errors.New("logger cannot be nil")
		}
		s.logger = l
		return nil
	}
}

func WithMetrics(registerer prometheus.Registerer) ServiceOption {
	return func(s *Service) (err error) {
		s.metrics, err = NewMetrics(registerer)
		return err
	}
}

// WithInvokeHandlersAfterFailure controls whether the remaining handlers run after
// one called Fail. Defaults to true.
func WithInvokeHandlersAfterFailure(invoke bool) ServiceOption {
	return func(s *Service) error {
		s.invokeHandlersAfterFailure = invoke
		return nil
	}
}

func (s *Service) Policies() *PolicyProvider { return s.provider }

// Authorize evaluates requirements for user. Every call uses a new Context.
func (s *Service) Authorize(ctx context.Context, user *doorman.Principal, resource any, requirements ...Requirement) (*Result, error) {
	if len(requirements) == 0 {
		return nil, ErrEmptyPolicy
	}
	return s.evaluate(ctx, "", user, resource, requirements)
}

// AuthorizePolicy evaluates the named policy; an empty name is the default policy.
func (s *Service) AuthorizePolicy(ctx context.Context, user *doorman.Principal, resource any, name string) (*Result, error) {
	policy, err := s.provider.GetPolicy(name)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "default"
	}
	return s.evaluate(ctx, name, user, resource, policy.requirements)
}

// AuthorizeWith evaluates an unnamed policy.
func (s *Service) AuthorizeWith(ctx context.Context, user *doorman.Principal, resource any, policy *Policy) (*Result, error) {
	if policy == nil {
		return nil, ErrEmptyPolicy
	}
	return s.evaluate(ctx, "", user, resource, policy.requirements)
}

func (s *Service) evaluate(ctx context.Context, name string, user *doorman.Principal, resource any, requirements []Requirement) (*Result, error) {
	ac := NewContext(requirements, user, resource)
	for _, h := range s.handlers {
		if err := h.Handle(ctx, ac); err != nil {
			s.metrics.decided(name, "error")
			return nil, err
		}
		if ac.HasFailed() && !s.invokeHandlersAfterFailure {
			break
		}
	}

	if ac.HasSucceeded() {
		s.metrics.decided(name, "success")
		s.logger.Debug("authorization succeeded", "policy", name, "user", user.Name())
		return &Result{succeeded: true}, nil
	}

	s.metrics.decided(name, "failure")
	failure := &Failure{FailCalled: ac.HasFailed(), FailedRequirements: ac.PendingRequirements()}
	var pending []string
	for _, r := range failure.FailedRequirements {
		pending = append(pending, r.String())
	}
	s.logger.Info("authorization failed", "policy", name, "user", user.Name(), "fail_called", failure.FailCalled, "pending", pending)
	return &Result{Failure: failure}, nil
}
