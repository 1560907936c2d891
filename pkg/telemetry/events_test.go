package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.CommandID)
		mu.Unlock()
	}, FilterByType(EventTypeCommandSubmitted))

	require.NoError(t, ep.PublishCommandSubmitted("c1", "create", "p1", "alice"))
	require.NoError(t, ep.PublishCommandCompleted("c1", "p1", "completed", 0))
	require.NoError(t, ep.PublishCommandSubmitted("c2", "delete", "p1", "alice"))

	require.NoError(t, ep.Shutdown(context.Background()))
	assert.Equal(t, []string{"c1", "c2"}, got)

	assert.Error(t, ep.PublishCommandSubmitted("c3", "create", "p1", "alice"))
	require.NoError(t, ep.Shutdown(context.Background()))
}

func TestEventPublisherDropsWhenFull(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ep.Subscribe(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}, nil)

	require.NoError(t, ep.Publish(Event{Type: "a"}))
	<-started
	require.NoError(t, ep.Publish(Event{Type: "b"}))
	assert.Error(t, ep.Publish(Event{Type: "c"}))
	assert.EqualValues(t, 1, ep.Dropped())

	close(release)
	require.NoError(t, ep.Shutdown(context.Background()))
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	require.NoError(t, err)

	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	require.NoError(t, ep.PublishCallbackReceived("i1", "done"))
	assert.False(t, called)

	var nilPublisher *EventPublisher
	assert.NoError(t, nilPublisher.PublishCallbackReceived("i1", "done"))
	assert.NoError(t, nilPublisher.Shutdown(context.Background()))
}

func TestRedisSubscriberMirrorsEvents(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "teamcloud:lifecycle")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)
	ep.Subscribe(RedisSubscriber(rdb, "teamcloud:lifecycle", time.Second, zerolog.Nop()), nil)

	require.NoError(t, ep.PublishProviderDispatched("c1", "i1", "github", true))

	select {
	case msg := <-sub.Channel():
		var event Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, EventTypeProviderDispatched, event.Type)
		assert.Equal(t, "github", event.ProviderID)
		assert.NotEmpty(t, event.ID)
		assert.Equal(t, true, event.Data["async"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not published to redis")
	}
}
