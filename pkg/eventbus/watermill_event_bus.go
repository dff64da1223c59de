package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dukex/flowtree/pkg/events"
)

// WatermillEventBus carries flow events over any watermill publisher and
// subscriber pair. Every event shares events.Topic and is routed to its
// handler by the event type metadata.
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[events.EventType]EventHandler
}

type Option func(*WatermillEventBus)

// WithLogger sets the logger used for dropped and failed deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(eb *WatermillEventBus) {
		eb.logger = logger
	}
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, opts ...Option) *WatermillEventBus {
	eb := &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		logger:     slog.Default(),
		handlers:   make(map[events.EventType]EventHandler),
	}

	for _, opt := range opts {
		opt(eb)
	}

	eb.logger = eb.logger.With("module", "eventbus")

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// Publish sends event on the shared topic. key is used as the partition key by
// brokers that support one; callers pass the root flow id so a tree's events
// stay ordered.
func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage(eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// Subscribe starts delivering events to the registered handlers until ctx is
// done. Messages without a handler are acknowledged and dropped.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			if eb.dispatch(msg) {
				msg.Ack()
			} else {
				msg.Nack()
			}
		}
	}()

	return nil
}

// dispatch decodes msg and runs its handler. It reports whether the message
// should be acknowledged.
func (eb *WatermillEventBus) dispatch(msg *message.Message) bool {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	eb.mu.RLock()
	handler, exists := eb.handlers[eventType]
	eb.mu.RUnlock()

	if !exists {
		return true
	}

	event, ok := events.New(eventType)
	if !ok {
		eb.logger.Warn("unknown event type", "event_type", eventType, "message_id", msg.UUID)

		return true
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		eb.logger.Error("failed to decode event", "event_type", eventType, "message_id", msg.UUID, "error", err)

		return true
	}

	ctx := msg.Context()
	if err := handler(ctx, event); err != nil {
		eb.logger.ErrorContext(ctx, "event handler failed",
			"event_type", eventType,
			"key", msg.Metadata.Get(events.EventMetadataKey),
			"error", err,
		)

		return false
	}

	return true
}

// Handle registers handler for eventType, replacing any previous one.
func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}
