package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/socialstore/storage"
)

const (
	EventSocialAuthDisconnected = "social-auth-disconnected"
	EventExtraDataPatched       = "extra-data-patched"
	EventPartialDestroyed       = "partial-destroyed"
	EventStoragePruned          = "storage-pruned"
	eventReady                  = "ready"
	eventHeartbeat              = "heartbeat"
	eventSource                 = "social-storage"
)

// Event describes one change made through the admin API.
type Event struct {
	Type         string               `json:"type"`
	Actor        string               `json:"actor,omitempty"`
	UserID       uint                 `json:"userId,omitempty"`
	SocialAuthID uint                 `json:"socialAuthId,omitempty"`
	PartialToken string               `json:"partialToken,omitempty"`
	Pruned       *storage.PruneResult `json:"pruned,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	Source       string               `json:"source"`
}

// EventDispatcher fans admin events out to every open stream. Slow subscribers drop events
// rather than block the request that produced them.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that stays open until ctx is done or cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &eventSubscriber{
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Source = eventSource

	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *EventDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *EventDispatcher) registerSubscriber(subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
