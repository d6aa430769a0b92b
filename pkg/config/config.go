// Package config assembles the callflow service configuration from command
// line flags and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/callflow/pkg/callflow"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/resilience"
)

const (
	DefaultPort           = 9091
	DefaultRequestTimeout = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Port      int    `validate:"min=1,max=65535"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	// DatabaseURL selects workflow and routing rule storage:
	// file://<dir>, postgres://..., or memory://.
	DatabaseURL string `validate:"required"`
	// CallLogURL selects the call log store: memory://, redis://... or
	// postgres://.... Empty means the database when it is PostgreSQL and
	// memory otherwise.
	CallLogURL string
	CallLogTTL time.Duration `validate:"min=0"`

	EventBus     string   `validate:"oneof=gochannel kafka"`
	KafkaBrokers []string `validate:"dive,required"`

	VoiceURL          string `validate:"required,url"`
	DetectionURL      string `validate:"omitempty,url"`
	HandoffWebhookURL string `validate:"omitempty,url"`

	SweepSchedule string        `validate:"required"`
	MaxIdle       time.Duration `validate:"min=0"`

	Retry   resilience.RetryPolicy
	Breaker resilience.BreakerConfig

	EmergencyThreshold float64 `validate:"gte=0,lte=1"`
	// DefaultTransfer is the phone number used when a caller asks for a
	// human and no route applies.
	DefaultTransfer string

	TracingEnabled     bool
	TracingSampleRatio float64 `validate:"gte=0,lte=1"`
}

// Flags returns the flags shared by the callflow binaries.
func Flags() []cli.Flag {
	retry := resilience.DefaultRetryPolicy()
	breaker := resilience.DefaultBreakerConfig()

	return []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   DefaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Storage for workflows and routing rules (file://, postgres://, memory://)",
			Value:   "file://./data",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "call-log-url",
			Usage:   "Storage for call event logs (memory://, redis://, postgres://)",
			Sources: cli.EnvVars("CALL_LOG_URL"),
		},
		&cli.DurationFlag{
			Name:    "call-log-ttl",
			Usage:   "Expire call logs after this long (redis only, 0 keeps them)",
			Sources: cli.EnvVars("CALL_LOG_TTL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus provider (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "voice-url",
			Usage:   "Base URL of the voice platform API",
			Sources: cli.EnvVars("VOICE_URL"),
		},
		&cli.StringFlag{
			Name:    "detection-url",
			Usage:   "Base URL of the emergency and intent detection service",
			Sources: cli.EnvVars("DETECTION_URL"),
		},
		&cli.StringFlag{
			Name:    "handoff-webhook-url",
			Usage:   "URL every handoff payload is posted to",
			Sources: cli.EnvVars("HANDOFF_WEBHOOK_URL"),
		},
		&cli.StringFlag{
			Name:    "sweep-schedule",
			Usage:   "Cron schedule of the stale call sweep",
			Value:   callflow.DefaultSweepSchedule,
			Sources: cli.EnvVars("SWEEP_SCHEDULE"),
		},
		&cli.DurationFlag{
			Name:    "max-idle",
			Usage:   "Terminate calls idle for longer than this",
			Value:   callflow.DefaultMaxIdle,
			Sources: cli.EnvVars("MAX_IDLE"),
		},
		&cli.IntFlag{
			Name:    "retry-max-attempts",
			Value:   retry.MaxAttempts,
			Sources: cli.EnvVars("RETRY_MAX_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "retry-initial-delay",
			Value:   retry.InitialDelay,
			Sources: cli.EnvVars("RETRY_INITIAL_DELAY"),
		},
		&cli.DurationFlag{
			Name:    "retry-max-delay",
			Value:   retry.MaxDelay,
			Sources: cli.EnvVars("RETRY_MAX_DELAY"),
		},
		&cli.FloatFlag{
			Name:    "retry-backoff-factor",
			Value:   retry.BackoffFactor,
			Sources: cli.EnvVars("RETRY_BACKOFF_FACTOR"),
		},
		&cli.DurationFlag{
			Name:    "request-timeout",
			Usage:   "Timeout of each outbound request attempt",
			Value:   DefaultRequestTimeout,
			Sources: cli.EnvVars("REQUEST_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "breaker-failure-threshold",
			Value:   breaker.FailureThreshold,
			Sources: cli.EnvVars("BREAKER_FAILURE_THRESHOLD"),
		},
		&cli.DurationFlag{
			Name:    "breaker-cooldown",
			Value:   breaker.Cooldown,
			Sources: cli.EnvVars("BREAKER_COOLDOWN"),
		},
		&cli.FloatFlag{
			Name:    "emergency-threshold",
			Usage:   "Minimum confidence for an emergency handoff",
			Value:   callflow.DefaultOptions().EmergencyThreshold,
			Sources: cli.EnvVars("EMERGENCY_THRESHOLD"),
		},
		&cli.StringFlag{
			Name:    "default-transfer",
			Usage:   "Phone number used when a caller asks for a human and no route applies",
			Sources: cli.EnvVars("DEFAULT_TRANSFER"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.FloatFlag{
			Name:    "tracing-sample-ratio",
			Usage:   "Fraction of calls whose traces are sampled",
			Value:   1,
			Sources: cli.EnvVars("TRACING_SAMPLE_RATIO"),
		},
	}
}

// FromCommand reads the flags returned by Flags and validates the result.
func FromCommand(command *cli.Command) (*Config, error) {
	cfg := &Config{
		Port:              command.Int("port"),
		LogLevel:          strings.ToLower(command.String("log-level")),
		LogFormat:         command.String("log-format"),
		DatabaseURL:       command.String("database-url"),
		CallLogURL:        command.String("call-log-url"),
		CallLogTTL:        command.Duration("call-log-ttl"),
		EventBus:          command.String("event-bus"),
		KafkaBrokers:      command.StringSlice("kafka-brokers"),
		VoiceURL:          command.String("voice-url"),
		DetectionURL:      command.String("detection-url"),
		HandoffWebhookURL: command.String("handoff-webhook-url"),
		SweepSchedule:     command.String("sweep-schedule"),
		MaxIdle:           command.Duration("max-idle"),
		Retry: resilience.RetryPolicy{
			MaxAttempts:    command.Int("retry-max-attempts"),
			InitialDelay:   command.Duration("retry-initial-delay"),
			MaxDelay:       command.Duration("retry-max-delay"),
			BackoffFactor:  command.Float("retry-backoff-factor"),
			AttemptTimeout: command.Duration("request-timeout"),
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: command.Int("breaker-failure-threshold"),
			Cooldown:         command.Duration("breaker-cooldown"),
		},
		EmergencyThreshold: command.Float("emergency-threshold"),
		DefaultTransfer:    command.String("default-transfer"),
		TracingEnabled:     command.Bool("tracing"),
		TracingSampleRatio: command.Float("tracing-sample-ratio"),
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// required_if accepts an empty non-nil slice, which is what an unset
	// slice flag yields.
	if c.EventBus == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("%w: kafka event bus needs at least one broker", ErrInvalidConfig)
	}

	return nil
}

// CallLog returns the call log URL, falling back as documented on CallLogURL.
func (c *Config) CallLog() string {
	if c.CallLogURL != "" {
		return c.CallLogURL
	}

	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return c.DatabaseURL
	}

	return "memory://"
}

// SessionOptions returns the session options with the configured overrides.
func (c *Config) SessionOptions() callflow.Options {
	opts := callflow.DefaultOptions()
	opts.EmergencyThreshold = c.EmergencyThreshold

	if c.DefaultTransfer != "" {
		opts.DefaultTarget = &models.RoutingTarget{Type: models.TargetTypePhone, Value: c.DefaultTransfer}
	}

	return opts
}
