// Package broadcast fans events out to subscribed connections. It is
// grounded on the teacher's Gateway.broadcastToUser/Broadcast: a
// mutex-guarded connection map with buffered per-subscriber channels and
// select+default drop-on-full semantics, generalized from "all
// connections" / "one user" to "all subscribers of one game channel".
//
// Events here are JSON, not the teacher's protobuf envelope: no gen
// package was available to adapt, and the orchestrator's own wire format
// is specified as JSON.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"
)

// Event is the envelope every subscriber receives. Type names the event
// (e.g. "chapter_created", "continue_update", "finished") and Data
// is marshaled from whatever payload the caller passed to Publish.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscriber receives published events on Send. Hub never blocks on a
// slow subscriber: if Send is full, the event is dropped for that
// subscriber only.
type Subscriber struct {
	ID   string
	Send chan Event
}

const sendBuffer = 64

// NewSubscriber allocates a Subscriber with the hub's standard buffer
// size.
func NewSubscriber(id string) *Subscriber {
	return &Subscriber{ID: id, Send: make(chan Event, sendBuffer)}
}

// Hub fans events out to subscribers grouped by channel — one channel
// per game or room. A subscriber may belong to at most one channel at a time;
// resubscribing to a different channel removes it from the old one.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Subscriber // channelID -> subscriberID -> sub
	memberOf map[string]string                 // subscriberID -> channelID
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[string]*Subscriber),
		memberOf: make(map[string]string),
	}
}

// Subscribe adds sub to channelID, removing it from any prior channel.
func (h *Hub) Subscribe(channelID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.memberOf[sub.ID]; ok && prev != channelID {
		if bucket := h.channels[prev]; bucket != nil {
			delete(bucket, sub.ID)
			if len(bucket) == 0 {
				delete(h.channels, prev)
			}
		}
	}

	bucket, ok := h.channels[channelID]
	if !ok {
		bucket = make(map[string]*Subscriber)
		h.channels[channelID] = bucket
	}
	bucket[sub.ID] = sub
	h.memberOf[sub.ID] = channelID
}

// Unsubscribe removes a subscriber from whatever channel it belongs to.
func (h *Hub) Unsubscribe(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channelID, ok := h.memberOf[subscriberID]
	if !ok {
		return
	}
	delete(h.memberOf, subscriberID)
	if bucket := h.channels[channelID]; bucket != nil {
		delete(bucket, subscriberID)
		if len(bucket) == 0 {
			delete(h.channels, channelID)
		}
	}
}

// Publish JSON-encodes payload and fans it out to every subscriber of
// channelID. A marshal failure is logged and swallowed: a broadcast
// defect must never abort the state transition that triggered it.
func (h *Hub) Publish(channelID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[broadcast] marshal %s for channel %s: %v", eventType, channelID, err)
		return
	}
	ev := Event{Type: eventType, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.channels[channelID] {
		select {
		case sub.Send <- ev:
		default:
			log.Printf("[broadcast] dropped %s for subscriber %s: send buffer full", eventType, sub.ID)
		}
	}
}

// SendTo delivers one event to a single subscriber without touching the
// rest of its channel, used for replay-on-subscribe bursts (a late
// joiner's action_phase_started/chapter_created catch-up) that must not
// be re-broadcast to everyone else already caught up.
func (h *Hub) SendTo(sub *Subscriber, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[broadcast] marshal %s for replay to %s: %v", eventType, sub.ID, err)
		return
	}
	select {
	case sub.Send <- Event{Type: eventType, Data: data}:
	default:
		log.Printf("[broadcast] dropped replay %s for subscriber %s: send buffer full", eventType, sub.ID)
	}
}

// SubscriberCount reports how many subscribers a channel currently has.
// Only tests call it; idle-room reaping does not consult it.
func (h *Hub) SubscriberCount(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}
