package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/flowtree/pkg/channels/gochannel"
	"github.com/dukex/flowtree/pkg/channels/kafka"
	"github.com/dukex/flowtree/pkg/eventbus"
)

const serviceName = "flowtree"

// NewEventBus creates the flow event bus. gochannel keeps events in process;
// kafka needs a comma separated broker list.
func NewEventBus(provider, brokers string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		pub, sub := gochannel.CreateChannel(wmLogger)

		return eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(logger)), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}
