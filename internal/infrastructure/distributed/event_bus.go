package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callsession/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is a session event as seen by the other instances.
type Event struct {
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Session    domain.SessionEvent `json:"session"`
}

// EventBus mirrors session events over Redis pub/sub so dashboards attached
// to one instance can follow calls held by another.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

func NewEventBus(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
		now:        time.Now,
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, ev domain.SessionEvent) error {
	data, err := json.Marshal(Event{
		InstanceID: eb.instanceID,
		Timestamp:  eb.now(),
		Session:    ev,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", ev.Type,
		"state", ev.State,
	)
	return nil
}

// Forward publishes everything received on events until ctx ends or events
// is closed. Publish failures are logged and the event is dropped.
func (eb *EventBus) Forward(ctx context.Context, events <-chan domain.SessionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := eb.Publish(ctx, ev); err != nil {
				eb.logger.Warnw("dropping session event", "type", ev.Type, "error", err)
			}
		}
	}
}

// Subscribe delivers events from other instances to handler until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, remote, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if !remote {
				continue
			}
			if err := handler(ev); err != nil {
				eb.logger.Warnw("error handling event", "type", ev.Session.Type, "error", err)
			}
		}
	}
}

// decode reports remote=false for this instance's own events.
func (eb *EventBus) decode(payload string) (Event, bool, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, false, err
	}
	return ev, ev.InstanceID != eb.instanceID, nil
}
