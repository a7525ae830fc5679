// Package events fans out exchange events (accepted orders, trades, alerts)
// to per-channel subscribers, generalized from the teacher's WebSocket
// broadcast hub (pkg/api/websocket.go) from a client-connection registry into
// a transport-agnostic pub/sub core any transport (WS, SSE) can sit on top
// of. Channels are named strings ("orders", "trades", "market:<id>",
// "user:<address>"); a slow subscriber's buffer filling up drops messages
// for that subscriber rather than blocking the publisher (spec DESIGN NOTES
// "Event broadcast": "SSE clients may disconnect asynchronously; broadcaster
// must tolerate dropped writes").
package events

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 256

// Event is one published message: a channel name plus its JSON-encodable
// payload, already marshalled so a slow subscriber can't block the
// publisher on encoding.
type Event struct {
	Channel string
	Data    json.RawMessage
}

// Subscription is a single subscriber's inbound event channel. Callers drain
// C until Close is called, then stop.
type Subscription struct {
	C       <-chan Event
	hub     *Hub
	id      uint64
	channel string
}

// Close unregisters the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the fan-out core: Publish(channel, payload) delivers to every
// subscriber currently subscribed to that channel.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
	log    *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{subs: make(map[string]map[uint64]chan Event), log: log}
}

// Subscribe registers for a channel and returns a Subscription whose C
// delivers every future Publish on that channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[channel] == nil {
		h.subs[channel] = make(map[uint64]chan Event)
	}
	h.nextID++
	id := h.nextID
	ch := make(chan Event, defaultSubscriberBuffer)
	h.subs[channel][id] = ch

	return &Subscription{C: ch, hub: h, id: id, channel: channel}
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[s.channel]; ok {
		if ch, ok := subs[s.id]; ok {
			delete(subs, s.id)
			close(ch)
		}
	}
}

// Publish marshals payload and delivers it to every subscriber of channel.
// Implements the orders.Publisher / settlement-adjacent Publisher interfaces
// used throughout the exchange so those packages don't import this one
// directly.
func (h *Hub) Publish(channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("events: marshal failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	ev := Event{Channel: channel, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[channel] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
}

// SubscriberCount reports how many subscriptions are active on channel, for
// monitoring/diagnostics.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
