package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// TopicCalls carries every call update. Only admins may subscribe.
	TopicCalls = "calls"
	// callTopicPrefix + call id carries updates for a single call.
	callTopicPrefix = "call:"
	// userTopicPrefix + user id carries updates for calls that user owns.
	userTopicPrefix = "user:"

	defaultObserverBuffer = 64
)

func CallTopic(callID string) string { return callTopicPrefix + callID }

func UserTopic(userID string) string { return userTopicPrefix + userID }

// Observer is one subscriber (usually a websocket) with its own bounded queue.
type Observer struct {
	ID     string
	topics []string
	send   chan []byte

	dropped atomic.Int64
}

// C is the observer's message stream. It is closed on Unsubscribe.
func (o *Observer) C() <-chan []byte { return o.send }

// Dropped counts messages skipped because the observer's queue was full.
func (o *Observer) Dropped() int64 { return o.dropped.Load() }

// Hub maintains topic -> set of observers and delivers locally. Delivery never blocks:
// a slow observer loses messages instead of stalling the others.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Observer

	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[string]*Observer)}
}

// Subscribe registers a new observer on topics. buffer <= 0 uses the default queue size.
func (h *Hub) Subscribe(topics []string, buffer int) *Observer {
	if buffer <= 0 {
		buffer = defaultObserverBuffer
	}
	o := &Observer{ID: uuid.NewString(), topics: topics, send: make(chan []byte, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if h.topics[t] == nil {
			h.topics[t] = make(map[string]*Observer)
		}
		h.topics[t][o.ID] = o
	}
	return o
}

func (h *Hub) Unsubscribe(o *Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := false
	for _, t := range o.topics {
		if m, ok := h.topics[t]; ok {
			if _, ok := m[o.ID]; ok {
				delete(m, o.ID)
				removed = true
			}
			if len(m) == 0 {
				delete(h.topics, t)
			}
		}
	}
	if removed {
		close(o.send)
	}
}

// Deliver sends msg to every local observer of topic.
func (h *Hub) Deliver(topic string, msg []byte) {
	// Holding the read lock keeps Unsubscribe from closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range h.topics[topic] {
		select {
		case o.send <- msg:
		default:
			o.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Observers returns the number of observers on topic.
func (h *Hub) Observers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped is the total of messages skipped across all observers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
