package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcmartin/tbflow/pkg/message"
)

// EventType identifies what happened in a flow
type EventType string

const (
	EventStatus EventType = "status"
	EventDebug  EventType = "debug"
	EventError  EventType = "error"
	EventSend   EventType = "send"
)

// Event is published on the flow's event bus
type Event struct {
	Type      EventType `json:"type"`
	FlowID    string    `json:"flow_id"`
	NodeID    string    `json:"node_id"`
	MessageID string    `json:"message_id,omitempty"`
	Time      time.Time `json:"time"`
	Status    *Status   `json:"status,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func messageID(msg message.Message) string {
	if msg == nil {
		return ""
	}
	return msg.ID()
}

// Events fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Events struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

// NewEvents creates an empty event bus
func NewEvents() *Events {
	return &Events{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (e *Events) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers an event to every subscriber
func (e *Events) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers
func (e *Events) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Dropped returns the number of events lost to full subscriber buffers
func (e *Events) Dropped() uint64 {
	return e.dropped.Load()
}
