// Package notify wakes workflow instances that are waiting for an external
// event. Signals carry no payload: the event itself is always persisted in
// the journal inbox first, and a woken waiter re-reads the inbox.
package notify

import (
	"context"
	"sync"
)

// Notifier delivers wake-up signals for a topic.
type Notifier interface {
	// Notify wakes every current subscriber of topic.
	Notify(ctx context.Context, topic string) error

	// Subscribe returns a channel that receives a value whenever topic is
	// notified, and a func that ends the subscription.
	Subscribe(topic string) (<-chan struct{}, func())
}

// Topic renders the topic for an event raised on a workflow instance.
func Topic(instanceID, event string) string {
	return instanceID + "/" + event
}

// Local is an in-process Notifier.
type Local struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

// NewLocal creates an in-process notifier.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]chan struct{})}
}

// Notify implements Notifier.
func (l *Local) Notify(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe implements Notifier.
func (l *Local) Subscribe(topic string) (<-chan struct{}, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	ch := make(chan struct{}, 1)
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[int]chan struct{})
	}
	l.subs[topic][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[topic], id)
			if len(l.subs[topic]) == 0 {
				delete(l.subs, topic)
			}
		})
	}
}
