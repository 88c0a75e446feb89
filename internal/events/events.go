// Package events provides the typed in-process event bus.
//
// Every event carries a concrete EventData payload instead of a loose
// map, so subscribers and the ledger share one set of payload types.
// Delivery is per-subscriber FIFO through a bounded queue; a slow
// subscriber drops events rather than stalling publishers. Components
// that cannot tolerate drops (the ledger) do not sit behind this bus.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies the kind of an event.
type EventType string

const (
	// Market data
	QuoteReceived        EventType = "quote_received"
	CandleClosed         EventType = "candle_closed"
	IndicatorsUpdated    EventType = "indicators_updated"
	RegimeChanged        EventType = "regime_changed"
	ProviderStateChanged EventType = "provider_state_changed"

	// Trading flow. These types are also the ledger entry kinds.
	SignalEmitted    EventType = "signal_emitted"
	OrderPlaced      EventType = "order_placed"
	OrderRejected    EventType = "order_rejected"
	OrderFilled      EventType = "order_filled"
	OrderCancelled   EventType = "order_cancelled"
	PositionOpened   EventType = "position_opened"
	PositionClosed   EventType = "position_closed"
	DistributionPaid EventType = "distribution_paid"
	FeeCharged       EventType = "fee_charged"
	BotStateChanged  EventType = "bot_state_changed"

	// Platform state
	BrakeEngaged     EventType = "brake_engaged"
	BrakeReleased    EventType = "brake_released"
	DailyLossTripped EventType = "daily_loss_tripped"
	SettingsChanged  EventType = "settings_changed"

	// Scheduler jobs
	JobStarted   EventType = "job_started"
	JobCompleted EventType = "job_completed"
	JobFailed    EventType = "job_failed"
)

// Event is one published occurrence with its typed payload.
type Event struct {
	Type      EventType `json:"type"`
	Module    string    `json:"module"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Handler processes one event. Handlers for a given subscription run
// sequentially in publish order; handlers across subscriptions run
// concurrently.
type Handler func(*Event)

// SubscriberID identifies a subscription for later removal.
type SubscriberID uint64

// DefaultQueueSize is the per-subscriber buffer used by New.
const DefaultQueueSize = 256

// subscriber is one registered handler with its delivery queue.
type subscriber struct {
	id      SubscriberID
	ch      chan *Event
	done    chan struct{}
	dropped atomic.Uint64
}

// Bus fans events out to subscribers by type.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	byType    map[EventType][]*subscriber
	all       []*subscriber
	queueSize int
	published atomic.Uint64
	dropped   atomic.Uint64
	closed    bool
	log       zerolog.Logger
}

// New creates an event bus with the default per-subscriber queue size.
func New(log zerolog.Logger) *Bus {
	return NewWithQueueSize(log, DefaultQueueSize)
}

// NewWithQueueSize creates an event bus with a custom per-subscriber
// queue size. Small sizes are useful in tests to force drops.
func NewWithQueueSize(log zerolog.Logger, queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Bus{
		byType:    make(map[EventType][]*subscriber),
		queueSize: queueSize,
		log:       log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for the given event types and returns
// an id for Unsubscribe. With no types the handler receives every event.
// The handler runs on a dedicated goroutine, one event at a time, in
// publish order.
func (b *Bus) Subscribe(handler Handler, types ...EventType) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:   SubscriberID(b.nextID),
		ch:   make(chan *Event, b.queueSize),
		done: make(chan struct{}),
	}

	if len(types) == 0 {
		b.all = append(b.all, sub)
	} else {
		for _, t := range types {
			b.byType[t] = append(b.byType[t], sub)
		}
	}

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case e := <-sub.ch:
				handler(e)
			}
		}
	}()

	return sub.id
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
// Events already queued for it are discarded.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remove := func(subs []*subscriber) ([]*subscriber, *subscriber) {
		for i, s := range subs {
			if s.id == id {
				return append(subs[:i], subs[i+1:]...), s
			}
		}
		return subs, nil
	}

	var found *subscriber
	for t, subs := range b.byType {
		var s *subscriber
		b.byType[t], s = remove(subs)
		if s != nil {
			found = s
		}
	}
	var s *subscriber
	b.all, s = remove(b.all)
	if s != nil {
		found = s
	}

	if found != nil {
		close(found.done)
	}
}

// Publish delivers data to every subscriber of its type. Publish never
// blocks: if a subscriber's queue is full the event is dropped for that
// subscriber and counted.
func (b *Bus) Publish(module string, data EventData) {
	if data == nil {
		return
	}
	b.PublishEvent(&Event{
		Type:      data.EventType(),
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// PublishEvent delivers a pre-built event. Used by replay paths that
// must preserve the original timestamp.
func (b *Bus) PublishEvent(e *Event) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)

	deliver := func(sub *subscriber) {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.log.Warn().
				Str("event_type", string(e.Type)).
				Uint64("subscriber", uint64(sub.id)).
				Msg("Subscriber queue full, dropping event")
		}
	}

	for _, sub := range b.byType[e.Type] {
		deliver(sub)
	}
	for _, sub := range b.all {
		deliver(sub)
	}
}

// Stats reports publish and drop totals since the bus was created.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[SubscriberID]bool)
	for _, subs := range b.byType {
		for _, s := range subs {
			seen[s.id] = true
		}
	}
	for _, s := range b.all {
		seen[s.id] = true
	}

	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: len(seen),
	}
}

// Close stops delivery to all subscribers. Publishing after Close is a
// no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	closed := make(map[SubscriberID]bool)
	for _, subs := range b.byType {
		for _, s := range subs {
			if !closed[s.id] {
				close(s.done)
				closed[s.id] = true
			}
		}
	}
	for _, s := range b.all {
		if !closed[s.id] {
			close(s.done)
			closed[s.id] = true
		}
	}
	b.byType = make(map[EventType][]*subscriber)
	b.all = nil
}
