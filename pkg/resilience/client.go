package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/callflow/pkg/faults"
	"github.com/dukex/callflow/pkg/metrics"
	"github.com/dukex/callflow/pkg/otelhelper"
)

// Client runs calls to named dependencies through that dependency's breaker
// and the retry policy. Waiting between attempts blocks only the calling
// goroutine.
type Client struct {
	registry *Registry
	policy   RetryPolicy
	classify Classifier
	clock    clockwork.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
}

type Option func(*Client)

func WithPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithClassifier decides which failures are retried. Without one every
// failure is.
func WithClassifier(classify Classifier) Option {
	return func(c *Client) {
		c.classify = classify
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(registry *Registry, opts ...Option) *Client {
	c := &Client{
		registry: registry,
		policy:   DefaultRetryPolicy(),
		classify: RetryAll,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		tracer:   otelhelper.DefaultTracer("callflow/resilience"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// With returns a copy of the client sharing its registry.
func (c *Client) With(opts ...Option) *Client {
	clone := *c
	for _, opt := range opts {
		opt(&clone)
	}

	return &clone
}

func (c *Client) Registry() *Registry {
	return c.registry
}

func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// Execute is Do for calls without a result.
func (c *Client) Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, c, dependency, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// dependency's circuit is open or the attempts run out. Each attempt gets its
// own timeout; an attempt that times out is retryable.
func Do[T any](ctx context.Context, c *Client, dependency string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	op := "resilience." + dependency
	breaker := c.registry.Breaker(dependency)
	logger := c.logger.With("dependency", dependency)

	ctx, span := otelhelper.StartSpan(ctx, c.tracer, op, attribute.String(otelhelper.DependencyKey, dependency))
	defer span.End()

	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if err := breaker.Allow(); err != nil {
			c.count(dependency, "rejected")
			otelhelper.SetError(span, err, attribute.Int(otelhelper.AttemptKey, attempt))

			if lastErr != nil {
				var fe *faults.Error
				if errors.As(err, &fe) {
					fe.Err = lastErr
				}
			}

			return zero, err
		}

		start := c.clock.Now()
		attemptCtx, cancel := c.attemptContext(ctx)
		value, err := fn(attemptCtx)
		cancel()

		if c.metrics != nil {
			c.metrics.DependencyLatency.WithLabelValues(dependency).Observe(c.clock.Since(start).Seconds())
		}

		if err == nil {
			breaker.RecordSuccess()
			c.count(dependency, "success")

			return value, nil
		}

		if ctx.Err() != nil {
			breaker.Release()
			c.count(dependency, "cancelled")

			return zero, ctx.Err()
		}

		lastErr = err

		if !c.retryable(err) {
			breaker.Release()
			c.count(dependency, "rejected_permanent")
			otelhelper.SetError(span, err, attribute.Int(otelhelper.AttemptKey, attempt))

			return zero, err
		}

		breaker.RecordFailure()
		c.count(dependency, "failure")

		if attempt >= c.policy.MaxAttempts {
			exhausted := faults.Wrap(faults.KindRetriesExhausted, op, err, fmt.Sprintf("gave up after %d attempts", attempt)).
				With("dependency", dependency).
				With("attempts", attempt)
			otelhelper.SetError(span, exhausted, attribute.Int(otelhelper.AttemptKey, attempt))

			return zero, exhausted
		}

		delay := c.policy.Delay(attempt)
		logger.WarnContext(ctx, "Dependency call failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)

		if err := c.wait(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func (c *Client) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.policy.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.policy.AttemptTimeout)
}

func (c *Client) retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return c.classify(err)
}

func (c *Client) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(delay):
		return nil
	}
}

func (c *Client) count(dependency, outcome string) {
	if c.metrics != nil {
		c.metrics.DependencyAttempts.WithLabelValues(dependency, outcome).Inc()
	}
}
