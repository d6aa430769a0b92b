// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/callflow/pkg/channels/gochannel"
	"github.com/dukex/callflow/pkg/channels/kafka"
	"github.com/dukex/callflow/pkg/eventbus"
	"github.com/dukex/callflow/pkg/metrics"
)

const serviceName = "callflow"

// NewEventBus creates the event bus for the given provider.
func NewEventBus(provider string, brokers []string, logger *slog.Logger, m *metrics.Metrics) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, brokers, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger, m), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger, m), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
