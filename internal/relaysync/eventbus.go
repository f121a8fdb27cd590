package relaysync

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type BusEventType string

const (
	EventChangeCaptured   BusEventType = "change_captured"
	EventSyncCompleted    BusEventType = "sync_completed"
	EventSyncError        BusEventType = "sync_error"
	EventConflictResolved BusEventType = "conflict_resolved"
	EventSyncSkipped      BusEventType = "sync_skipped"
	EventRetryScheduled   BusEventType = "retry_scheduled"
	EventSweepStarted     BusEventType = "sweep_started"
	EventSweepCompleted   BusEventType = "sweep_completed"
	EventSweepFailed      BusEventType = "sweep_failed"
)

var AllBusEventTypes = []BusEventType{
	EventChangeCaptured, EventSyncCompleted, EventSyncError, EventConflictResolved,
	EventSyncSkipped, EventRetryScheduled, EventSweepStarted, EventSweepCompleted, EventSweepFailed,
}

func (t BusEventType) Valid() bool {
	for _, known := range AllBusEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

type BusEvent struct {
	ID            string         `json:"id"`
	Type          BusEventType   `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	ChangeEventID string         `json:"changeEventId,omitempty"`
	EntityType    string         `json:"entityType,omitempty"`
	CanonicalID   string         `json:"canonicalId,omitempty"`
	Store         StoreKind      `json:"store,omitempty"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

type BusListener func(BusEvent)

type HistoryQuery struct {
	Limit int
	Type  BusEventType
	Since time.Time
}

const DefaultHistorySize = 1000

type EventBusOptions struct {
	HistorySize int
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

type busSubscription struct {
	id       uint64
	listener BusListener
}

// EventBus delivers lifecycle events synchronously to subscribers and keeps a bounded
// history for the status and events endpoints.
type EventBus struct {
	mu          sync.RWMutex
	byType      map[BusEventType][]busSubscription
	all         []busSubscription
	nextID      uint64
	history     []BusEvent
	historyNext int
	historyFull bool

	logger logrus.FieldLogger
	now    func() time.Time
}

func NewEventBus(opts EventBusOptions) *EventBus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &EventBus{
		byType:  map[BusEventType][]busSubscription{},
		history: make([]BusEvent, opts.HistorySize),
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Subscribe registers listener for one event type. The returned func removes it.
func (b *EventBus) Subscribe(eventType BusEventType, listener BusListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], busSubscription{id: id, listener: listener})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[eventType] = removeSubscription(b.byType[eventType], id)
	}
}

func (b *EventBus) SubscribeAll(listener BusListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, busSubscription{id: id, listener: listener})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeSubscription(b.all, id)
	}
}

func removeSubscription(subs []busSubscription, id uint64) []busSubscription {
	out := subs[:0:0]
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}

// Publish records the event and calls every matching listener before returning. A
// panicking listener is logged and does not affect the others.
func (b *EventBus) Publish(event BusEvent) BusEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	b.history[b.historyNext] = event
	b.historyNext = (b.historyNext + 1) % len(b.history)
	if b.historyNext == 0 {
		b.historyFull = true
	}
	listeners := make([]busSubscription, 0, len(b.byType[event.Type])+len(b.all))
	listeners = append(listeners, b.byType[event.Type]...)
	listeners = append(listeners, b.all...)
	b.mu.Unlock()

	for _, sub := range listeners {
		b.deliver(sub, event)
	}
	return event
}

func (b *EventBus) deliver(sub busSubscription, event BusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event_type": event.Type,
				"event_id":   event.ID,
				"panic":      r,
			}).Error("event bus listener panicked")
		}
	}()
	sub.listener(event)
}

// History returns matching events, newest first.
func (b *EventBus) History(query HistoryQuery) []BusEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	size := b.historyNext
	if b.historyFull {
		size = len(b.history)
	}
	limit := query.Limit
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]BusEvent, 0, limit)
	for i := 0; i < size && len(out) < limit; i++ {
		idx := (b.historyNext - 1 - i + len(b.history)) % len(b.history)
		event := b.history[idx]
		if query.Type != "" && event.Type != query.Type {
			continue
		}
		if !query.Since.IsZero() && event.Timestamp.Before(query.Since) {
			continue
		}
		out = append(out, event)
	}
	return out
}

func (b *EventBus) HistoryCapacity() int {
	return len(b.history)
}
