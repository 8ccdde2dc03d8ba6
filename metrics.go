package doorman

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks authentication outcomes. A nil *Metrics is a no-op.
//
// All metrics use the "doorman_" prefix.
type Metrics struct {
	// Authentications counts authenticate outcomes.
	// Labels: scheme, result=[success, failure, none, error]
	Authentications *prometheus.CounterVec

	// Challenges counts challenge responses.
	// Labels: scheme, behavior=[unauthorized, forbidden]
	Challenges *prometheus.CounterVec

	// SignIns counts sign-ins per scheme.
	SignIns *prometheus.CounterVec

	// SignOuts counts sign-outs per scheme.
	SignOuts *prometheus.CounterVec

	// RemoteFailures counts failed remote callbacks.
	// Labels: scheme, reason=[correlation, access_denied, protocol]
	RemoteFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer (nil =
// DefaultRegisterer). Collectors that are already registered are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Authentications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_authentications_total",
				Help: "Total authenticate calls by scheme and result",
			},
			[]string{"scheme", "result"},
		),
		Challenges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_challenges_total",
				Help: "Total challenge responses by scheme and behavior",
			},
			[]string{"scheme", "behavior"},
		),
		SignIns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_sign_ins_total",
				Help: "Total sign-ins by scheme",
			},
			[]string{"scheme"},
		),
		SignOuts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_sign_outs_total",
				Help: "Total sign-outs by scheme",
			},
			[]string{"scheme"},
		),
		RemoteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_remote_failures_total",
				Help: "Total failed remote authentication callbacks by scheme and reason",
			},
			[]string{"scheme", "reason"},
		),
	}

	var err error
	if m.Authentications, err = registerCounterVec(registerer, m.Authentications); err != nil {
		return nil, err
	}
	if m.Challenges, err = registerCounterVec(registerer, m.Challenges); err != nil {
		return nil, err
	}
	if m.SignIns, err = registerCounterVec(registerer, m.SignIns); err != nil {
		return nil, err
	}
	if m.SignOuts, err = registerCounterVec(registerer, m.SignOuts); err != nil {
		return nil, err
	}
	if m.RemoteFailures, err = registerCounterVec(registerer, m.RemoteFailures); err != nil {
		return nil, err
	}
	return m, nil
}

func registerCounterVec(registerer prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

// WithMetrics enables prometheus metrics on registerer (nil = DefaultRegisterer).
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(dm *Doorman) (err error) {
		dm.metrics, err = NewMetrics(registerer)
		return err
	}
}

func (m *Metrics) authenticated(scheme string, result *AuthenticateResult, err error) {
	if m == nil {
		return
	}
	label := "none"
	switch {
	case err != nil:
		label = "error"
	case result.Succeeded():
		label = "success"
	case result.Failure() != nil:
		label = "failure"
	}
	m.Authentications.WithLabelValues(scheme, label).Inc()
}

func (m *Metrics) challenged(scheme string, behavior ChallengeBehavior) {
	if m == nil {
		return
	}
	m.Challenges.WithLabelValues(scheme, behavior.String()).Inc()
}

func (m *Metrics) signedIn(scheme string) {
	if m == nil {
		return
	}
	m.SignIns.WithLabelValues(scheme).Inc()
}

func (m *Metrics) signedOut(scheme string) {
	if m == nil {
		return
	}
	m.SignOuts.WithLabelValues(scheme).Inc()
}

func (m *Metrics) remoteFailed(scheme string, failure error) {
	if m == nil {
		return
	}
	reason := "protocol"
	switch {
	case errors.Is(failure, ErrCorrelationFailed):
		reason = "correlation"
	case errors.Is(failure, ErrAccessDenied):
		reason = "access_denied"
	}
	m.RemoteFailures.WithLabelValues(scheme, reason).Inc()
}
