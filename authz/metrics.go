package authz

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts authorization decisions. A nil *Metrics is a no-op.
type Metrics struct {
	// Decisions counts evaluations.
	// Labels: policy (empty for unnamed requirements), result=[success, failure, error]
	Decisions *prometheus.CounterVec
}

// NewMetrics registers the collectors with registerer (nil = DefaultRegisterer).
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	decisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorman_authorization_decisions_total",
			Help: "Total authorization decisions by policy and result",
		},
		[]string{"policy", "result"},
	)
	if err := registerer.Register(decisions); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		decisions = existing
	}
	return &Metrics{Decisions: decisions}, nil
}

func (m *Metrics) decided(policy, result string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(policy, result).Inc()
}
