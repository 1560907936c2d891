package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event is a lifecycle event of a command, provider request or callback.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source is the component that published the event.
	Source string `json:"source"`

	CommandID  string `json:"command_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`

	Message string         `json:"message"`
	Level   string         `json:"level"`
	Data    map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCommandSubmitted   = "command.submitted"
	EventTypeCommandCompleted   = "command.completed"
	EventTypeCommandFailed      = "command.failed"
	EventTypeProviderDispatched = "provider.dispatched"
	EventTypeCallbackReceived   = "callback.received"
)

// Event levels.
const (
	EventLevelInfo  = "info"
	EventLevelError = "error"
)

// EventSubscriber receives published events. Subscribers run on the
// publisher's delivery goroutine and must not block.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. A nil or disabled
// publisher drops every event.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewEventPublisher creates a publisher. With EnableAsync set, events are
// queued and delivered by a background goroutine until Shutdown.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Dropped returns how many events were discarded because the queue was full.
func (ep *EventPublisher) Dropped() int64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

// Publish stamps and delivers an event. In async mode it fails instead of
// blocking when the queue is full or the publisher is stopped.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.stop:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		ep.dropped.Add(1)
		return fmt.Errorf("event queue full, %s event dropped", event.Type)
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown delivers the queued events and stops the delivery goroutine.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// PublishCommandSubmitted records that a command was accepted.
func (ep *EventPublisher) PublishCommandSubmitted(commandID, action, projectID, user string) error {
	return ep.Publish(Event{
		Type:      EventTypeCommandSubmitted,
		Source:    "orchestrator",
		CommandID: commandID,
		ProjectID: projectID,
		Message:   fmt.Sprintf("Command %s (%s) submitted by %s", commandID, action, user),
		Level:     EventLevelInfo,
		Data:      map[string]any{"action": action, "user": user},
	})
}

// PublishCommandCompleted records the end of a command. Commands that
// collected errors are published as command.failed.
func (ep *EventPublisher) PublishCommandCompleted(commandID, projectID, status string, errorCount int) error {
	event := Event{
		Type:      EventTypeCommandCompleted,
		Source:    "orchestrator",
		CommandID: commandID,
		ProjectID: projectID,
		Message:   fmt.Sprintf("Command %s finished with status: %s", commandID, status),
		Level:     EventLevelInfo,
		Data:      map[string]any{"status": status, "errors": errorCount},
	}
	if errorCount > 0 {
		event.Type = EventTypeCommandFailed
		event.Level = EventLevelError
	}
	return ep.Publish(event)
}

// PublishProviderDispatched records a command sent to a provider.
func (ep *EventPublisher) PublishProviderDispatched(commandID, instanceID, providerID string, async bool) error {
	return ep.Publish(Event{
		Type:       EventTypeProviderDispatched,
		Source:     "dispatch",
		CommandID:  commandID,
		InstanceID: instanceID,
		ProviderID: providerID,
		Message:    fmt.Sprintf("Command %s sent to provider %s", commandID, providerID),
		Level:      EventLevelInfo,
		Data:       map[string]any{"async": async},
	})
}

// PublishCallbackReceived records an accepted provider callback.
func (ep *EventPublisher) PublishCallbackReceived(instanceID, eventName string) error {
	return ep.Publish(Event{
		Type:       EventTypeCallbackReceived,
		Source:     "api",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Callback %s received for instance %s", eventName, instanceID),
		Level:      EventLevelInfo,
		Data:       map[string]any{"event": eventName},
	})
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByCommandID accepts events of one command.
func FilterByCommandID(commandID string) EventFilter {
	return func(event Event) bool {
		return event.CommandID == commandID
	}
}

// RedisSubscriber returns a subscriber that publishes every event as JSON
// to channel, so that other services can follow command lifecycles.
// Publish failures are logged and otherwise ignored.
func RedisSubscriber(rdb *redis.Client, channel string, timeout time.Duration, logger zerolog.Logger) EventSubscriber {
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(event Event) {
		payload, err := json.Marshal(event)
		if err != nil {
			logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to encode event")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := rdb.Publish(ctx, channel, payload).Err(); err != nil {
			logger.Warn().Err(err).Str("event_type", event.Type).Str("channel", channel).Msg("Failed to publish event")
		}
	}
}
