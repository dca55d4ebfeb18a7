// Package metrics holds the prometheus collectors for the account layer.
// A nil *Set is valid and drops every observation, so wiring metrics stays
// optional for embedders and tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Set struct {
	resolveAttempts  *prometheus.CounterVec
	resolveHits      *prometheus.CounterVec
	resolveExhausted prometheus.Counter
	authOutcomes     *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Set {
	s := &Set{
		resolveAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_resolve_strategy_attempts_total",
			Help: "Lookup strategy executions by strategy name.",
		}, []string{"strategy"}),
		resolveHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_resolve_strategy_hits_total",
			Help: "Lookup strategy executions that produced a binding.",
		}, []string{"strategy"}),
		resolveExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trellis_resolve_exhausted_total",
			Help: "Resolves that ran out of strategies without a binding.",
		}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_auth_outcomes_total",
			Help: "Signup and login results by operation and outcome.",
		}, []string{"operation", "outcome"}),
		rateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_rate_limit_denials_total",
			Help: "Attempts denied by the per-username limiter.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(s.resolveAttempts, s.resolveHits, s.resolveExhausted, s.authOutcomes, s.rateLimitDenials)
	}
	return s
}

func (s *Set) ResolveAttempt(strategy string) {
	if s == nil {
		return
	}
	s.resolveAttempts.WithLabelValues(strategy).Inc()
}

func (s *Set) ResolveHit(strategy string) {
	if s == nil {
		return
	}
	s.resolveHits.WithLabelValues(strategy).Inc()
}

func (s *Set) ResolveExhausted() {
	if s == nil {
		return
	}
	s.resolveExhausted.Inc()
}

func (s *Set) AuthOutcome(operation, outcome string) {
	if s == nil {
		return
	}
	s.authOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (s *Set) RateLimitDenial(operation string) {
	if s == nil {
		return
	}
	s.rateLimitDenials.WithLabelValues(operation).Inc()
}
