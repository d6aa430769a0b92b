// Package routing picks where a call goes from prioritized, time windowed
// routing rules.
package routing

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/callflow/pkg/condition"
	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/metrics"
	"github.com/dukex/callflow/pkg/models"
)

// Decision is the outcome of resolving a set of rules.
type Decision struct {
	Target   models.RoutingTarget `json:"target"`
	Priority int                  `json:"priority"`
	Fallback bool                 `json:"fallback"`
}

type Resolver struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewResolver(clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{clock: clock, logger: logger, metrics: m}
}

// ResolveNow resolves against the resolver's clock.
func (r *Resolver) ResolveNow(fields condition.Fields, rules []models.RoutingRule) (Decision, error) {
	return r.Resolve(fields, rules, r.clock.Now())
}

// Resolve scans rules by ascending priority. The first rule whose conditions
// all hold decides: its target when its schedule covers now, otherwise its
// fallback. A matching rule outside its hours without a fallback is skipped.
func (r *Resolver) Resolve(fields condition.Fields, rules []models.RoutingRule, now time.Time) (Decision, error) {
	ordered := make([]models.RoutingRule, len(rules))
	copy(ordered, rules)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for _, rule := range ordered {
		if !condition.MatchAll(rule.Conditions, fields) {
			continue
		}

		open, err := Covers(rule.Schedule, now)
		if err != nil {
			return Decision{}, err
		}

		if open {
			return r.decide(Decision{Target: rule.Target, Priority: rule.Priority}), nil
		}

		if rule.Fallback != nil {
			return r.decide(Decision{Target: *rule.Fallback, Priority: rule.Priority, Fallback: true}), nil
		}

		r.logger.Debug("Routing rule matched outside business hours", "priority", rule.Priority)
	}

	return Decision{}, faults.New(faults.KindNoRouteFound, "routing.resolve", "no routing rule matched").
		With("rules", len(rules))
}

func (r *Resolver) decide(d Decision) Decision {
	r.logger.Debug("Routing decision",
		"target_type", d.Target.Type,
		"priority", d.Priority,
		"fallback", d.Fallback)

	if r.metrics != nil {
		r.metrics.RoutingDecisions.WithLabelValues(string(d.Target.Type), strconv.FormatBool(d.Fallback)).Inc()
	}

	return d
}
