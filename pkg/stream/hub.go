// Package stream fans debate events out to in-process subscribers, keyed by
// push channel. The relay uses one hub to bridge the broker to any number of
// websocket viewers.
package stream

import (
	"sync"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
)

type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[chan events.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{channels: map[string]map[chan events.Event]struct{}{}}
}

// Subscribe registers a buffered subscriber on a channel. A slow subscriber
// drops events rather than blocking the publisher.
func (h *Hub) Subscribe(channel string, buffer int) chan events.Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan events.Event, buffer)
	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = map[chan events.Event]struct{}{}
		h.channels[channel] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber. Safe to call twice.
func (h *Hub) Unsubscribe(channel string, ch chan events.Event) {
	h.mu.Lock()
	subs, ok := h.channels[channel]
	exists := false
	if ok {
		if _, exists = subs[ch]; exists {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(channel string, evt events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.channels[channel] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers reports the live subscriber count for a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
