// Package events carries the asynchronous notifications the lease runtime
// reacts to: configuration changes scoped to an owner identity and removal of
// the physical slot a coordinator is bound to.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/netlease/telemetry"
)

// ConfigChanged signals that the configuration for an owner was updated and
// derived values (such as the release delay) must be re-read.
type ConfigChanged struct {
	Owner string
}

// SlotRemoved signals that the physical medium behind a slot identity is gone.
type SlotRemoved struct {
	Slot string
}

const (
	topicConfigChanged = "config_changed"
	topicSlotRemoved   = "slot_removed"

	defaultBuffer = 4
)

// Bus is a small broadcast hub for runtime notifications. Publishing never
// blocks; events for slow subscribers are dropped and counted. Handlers are
// expected to be idempotent, so at-least-once delivery per external
// occurrence is sufficient.
type Bus struct {
	mu         sync.Mutex
	closed     bool
	configSubs map[int]chan ConfigChanged
	slotSubs   map[int]chan SlotRemoved
	nextID     int

	logger    zerolog.Logger
	telemetry telemetry.Collector
}

// NewBus creates an empty notification bus.
func NewBus(logger zerolog.Logger, collector telemetry.Collector) *Bus {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Bus{
		configSubs: make(map[int]chan ConfigChanged),
		slotSubs:   make(map[int]chan SlotRemoved),
		logger:     logger.With().Str("component", "events").Logger(),
		telemetry:  collector,
	}
}

// SubscribeConfigChanged registers a subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) SubscribeConfigChanged() (<-chan ConfigChanged, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ConfigChanged, defaultBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.configSubs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.configSubs[id]; ok {
			delete(b.configSubs, id)
			close(sub)
		}
	}
}

// SubscribeSlotRemoved registers a subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) SubscribeSlotRemoved() (<-chan SlotRemoved, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan SlotRemoved, defaultBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.slotSubs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.slotSubs[id]; ok {
			delete(b.slotSubs, id)
			close(sub)
		}
	}
}

// PublishConfigChanged fans the event out to all subscribers without blocking.
func (b *Bus) PublishConfigChanged(ev ConfigChanged) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.configSubs {
		select {
		case sub <- ev:
		default:
			b.telemetry.IncEventDropped(topicConfigChanged)
			b.logger.Warn().Str("owner", ev.Owner).Msg("dropping config change event for slow subscriber")
		}
	}
}

// PublishSlotRemoved fans the event out to all subscribers without blocking.
func (b *Bus) PublishSlotRemoved(ev SlotRemoved) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.slotSubs {
		select {
		case sub <- ev:
		default:
			b.telemetry.IncEventDropped(topicSlotRemoved)
			b.logger.Warn().Str("slot", ev.Slot).Msg("dropping slot removal event for slow subscriber")
		}
	}
}

// Close terminates all subscriptions. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.configSubs {
		delete(b.configSubs, id)
		close(sub)
	}
	for id, sub := range b.slotSubs {
		delete(b.slotSubs, id)
		close(sub)
	}
}
