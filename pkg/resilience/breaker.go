package resilience

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/callflow/pkg/faults"
)

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	FailureThreshold int           `validate:"min=1"`
	Cooldown         time.Duration `validate:"min=0"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

type BreakerStats struct {
	Name        string       `json:"name"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure *time.Time   `json:"lastFailure,omitempty"`
	OpenedAt    *time.Time   `json:"openedAt,omitempty"`
}

// Breaker tracks consecutive failures of one dependency. Closed lets calls
// through, open rejects them until the cooldown has elapsed, half open lets a
// single trial call decide whether to close again.
type Breaker struct {
	name     string
	config   BreakerConfig
	clock    clockwork.Clock
	onChange func(name string, from, to BreakerState)

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trial       bool
}

func NewBreaker(name string, config BreakerConfig, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Breaker{
		name:   name,
		config: config,
		clock:  clock,
		state:  StateClosed,
	}
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow reserves the right to make a call, or fails with a CircuitOpen fault.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.config.Cooldown {
			return b.openError()
		}

		b.transition(StateHalfOpen)
		b.trial = true

		return nil
	case StateHalfOpen:
		if b.trial {
			return b.openError()
		}

		b.trial = true

		return nil
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trial = false

	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.failures++
	b.lastFailure = now
	b.trial = false

	switch b.state {
	case StateHalfOpen:
		b.openedAt = now
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = now
			b.transition(StateOpen)
		}
	}
}

// Release gives back a reserved call whose outcome says nothing about the
// dependency's health, such as a cancelled context.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		Name:     b.name,
		State:    b.state,
		Failures: b.failures,
	}

	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		stats.LastFailure = &last
	}

	if b.state != StateClosed {
		opened := b.openedAt
		stats.OpenedAt = &opened
	}

	return stats
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to

	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) openError() error {
	retryIn := b.config.Cooldown - b.clock.Since(b.openedAt)
	if retryIn < 0 {
		retryIn = 0
	}

	return faults.Newf(faults.KindCircuitOpen, "breaker."+b.name, "circuit open for %s", b.name).
		With("dependency", b.name).
		With("failures", b.failures).
		With("retryIn", retryIn.String())
}
