package resilience

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/callflow/pkg/metrics"
)

// Registry holds one breaker per dependency name. A process shares a single
// registry so every call to the same dependency sees the same breaker.
type Registry struct {
	config  BreakerConfig
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

type RegistryOption func(*Registry)

func WithRegistryClock(clock clockwork.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clock
	}
}

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(config BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:   config,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		breakers: map[string]*Breaker{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Breaker returns the breaker for a dependency, creating it on first use.
func (r *Registry) Breaker(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := NewBreaker(name, r.config, r.clock)
	b.onChange = r.stateChanged
	r.breakers[name] = b

	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(name).Set(stateValue(StateClosed))
	}

	return b
}

func (r *Registry) Stats() []BreakerStats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))

	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })

	return stats
}

func (r *Registry) stateChanged(name string, from, to BreakerState) {
	logger := r.logger.With("dependency", name, "from", from, "to", to)

	if to == StateOpen {
		logger.Warn("Circuit breaker opened")
	} else {
		logger.Info("Circuit breaker state changed")
	}

	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		r.metrics.BreakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()
	}
}

func stateValue(s BreakerState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
