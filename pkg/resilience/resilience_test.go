package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/callflow/pkg/faults"
)

var errFlaky = errors.New("flaky upstream")

func newTestClient(clock clockwork.Clock, breaker BreakerConfig, policy RetryPolicy, opts ...Option) *Client {
	registry := NewRegistry(breaker, WithRegistryClock(clock))

	return NewClient(registry, append([]Option{WithClock(clock), WithPolicy(policy)}, opts...)...)
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))
	assert.Equal(t, 5*time.Second, policy.Delay(10))
}

func TestDo_RetriesWithBackoffThenSucceeds(t *testing.T) {
	ctx := t.Context()
	clock := clockwork.NewFakeClock()
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 150 * time.Millisecond, BackoffFactor: 2}
	client := newTestClient(clock, DefaultBreakerConfig(), policy)

	var calls atomic.Int32

	type result struct {
		value string
		err   error
	}

	done := make(chan result, 1)

	go func() {
		value, err := Do(ctx, client, "ai-intent", func(context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", errFlaky
			}

			return "schedule_appointment", nil
		})
		done <- result{value, err}
	}()

	for _, delay := range []time.Duration{100 * time.Millisecond, 150 * time.Millisecond} {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))

		clock.Advance(delay - time.Millisecond)

		select {
		case <-done:
			t.Fatal("retry fired before its backoff delay elapsed")
		default:
		}

		clock.Advance(time.Millisecond)
	}

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "schedule_appointment", res.value)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete")
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StateClosed, client.Registry().Breaker("ai-intent").State())
	assert.Equal(t, 0, client.Registry().Breaker("ai-intent").Stats().Failures)
}

func TestDo_RetriesExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := newTestClient(clock, DefaultBreakerConfig(), RetryPolicy{MaxAttempts: 2, BackoffFactor: 2})

	var calls int

	err := client.Execute(t.Context(), "voice", func(context.Context) error {
		calls++

		return errFlaky
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, faults.KindRetriesExhausted, faults.KindOf(err))
	assert.ErrorIs(t, err, errFlaky)
}

func TestDo_NonRetryableFailureIsNotRetried(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := newTestClient(clock, DefaultBreakerConfig(), DefaultRetryPolicy(), WithClassifier(faults.IsRetryable))

	var calls int

	err := client.Execute(t.Context(), "voice", func(context.Context) error {
		calls++

		return faults.FromStatus("voice.transfer", 422, "bad target")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, 0, client.Registry().Breaker("voice").Stats().Failures)
}

func TestDo_AttemptTimeoutIsRetryable(t *testing.T) {
	client := newTestClient(clockwork.NewRealClock(), DefaultBreakerConfig(), RetryPolicy{
		MaxAttempts:    2,
		BackoffFactor:  1,
		AttemptTimeout: 10 * time.Millisecond,
	}, WithClassifier(faults.IsRetryable))

	var calls int

	err := client.Execute(t.Context(), "webhook", func(ctx context.Context) error {
		calls++
		<-ctx.Done()

		return ctx.Err()
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, faults.KindRetriesExhausted, faults.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_CancelledContext(t *testing.T) {
	client := newTestClient(clockwork.NewFakeClock(), DefaultBreakerConfig(), DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	called := false
	err := client.Execute(ctx, "voice", func(context.Context) error {
		called = true

		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestDo_OpenCircuitStopsRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := newTestClient(clock, BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, RetryPolicy{MaxAttempts: 5, BackoffFactor: 1})

	var calls int

	err := client.Execute(t.Context(), "voice", func(context.Context) error {
		calls++

		return errFlaky
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, faults.KindCircuitOpen, faults.KindOf(err))
	assert.ErrorIs(t, err, errFlaky)

	err = client.Execute(t.Context(), "voice", func(context.Context) error {
		calls++

		return nil
	})

	assert.Equal(t, 2, calls, "action must not run while the circuit is open")
	assert.Equal(t, faults.KindCircuitOpen, faults.KindOf(err))
}

func TestBreaker_Lifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	breaker := NewBreaker("intent", BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second}, clock)

	for range 2 {
		require.NoError(t, breaker.Allow())
		breaker.RecordFailure()
	}

	assert.Equal(t, StateClosed, breaker.State())

	require.NoError(t, breaker.Allow())
	breaker.RecordFailure()
	assert.Equal(t, StateOpen, breaker.State())

	err := breaker.Allow()
	assert.True(t, faults.Is(err, faults.KindCircuitOpen))

	clock.Advance(29 * time.Second)
	assert.Error(t, breaker.Allow())

	clock.Advance(time.Second)
	require.NoError(t, breaker.Allow())
	assert.Equal(t, StateHalfOpen, breaker.State())
	assert.Error(t, breaker.Allow(), "only one trial call in half open")

	breaker.RecordSuccess()
	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, 0, breaker.Stats().Failures)
	assert.Nil(t, breaker.Stats().OpenedAt)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	breaker := NewBreaker("voice", BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second}, clock)

	breaker.RecordFailure()
	require.Equal(t, StateOpen, breaker.State())

	clock.Advance(10 * time.Second)
	require.NoError(t, breaker.Allow())

	breaker.RecordFailure()
	assert.Equal(t, StateOpen, breaker.State())
	assert.Error(t, breaker.Allow(), "cooldown restarts after a failed trial")
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	clock := clockwork.NewFakeClock()
	breaker := NewBreaker("voice", BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, clock)

	breaker.RecordFailure()
	clock.Advance(time.Second)

	require.NoError(t, breaker.Allow())
	breaker.Release()
	assert.NoError(t, breaker.Allow())
}

func TestRegistry_SharesBreakersByName(t *testing.T) {
	registry := NewRegistry(DefaultBreakerConfig(), WithRegistryClock(clockwork.NewFakeClock()))

	assert.Same(t, registry.Breaker("voice"), registry.Breaker("voice"))
	assert.NotSame(t, registry.Breaker("voice"), registry.Breaker("ai-intent"))

	stats := registry.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "ai-intent", stats[0].Name)
	assert.Equal(t, StateClosed, stats[1].State)
}
