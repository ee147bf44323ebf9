package notify

import (
	"sync"
	"sync/atomic"
)

// defaultEventBufferSize is the buffer size for image event channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultEventBufferSize = 16

// EventKind says whether an image joined or left a subscription
type EventKind uint8

const (
	ImageAvailable EventKind = iota
	ImageUnavailable
)

func (k EventKind) String() string {
	if k == ImageAvailable {
		return "available"
	}
	return "unavailable"
}

// ImageEvent describes an image joining or leaving a subscription
type ImageEvent struct {
	Kind           EventKind
	RegistrationID int64
	CorrelationID  int64
	SessionID      int32
	StreamID       int32
	Channel        string
	SourceIdentity string
}

// Filter selects which events a listener receives. Empty fields match everything.
type Filter struct {
	StreamIDs       []int32
	RegistrationIDs []int64
}

type listener struct {
	id     uint64
	filter Filter
	ch     chan ImageEvent
	closed atomic.Bool
}

func (l *listener) matches(ev ImageEvent) bool {
	if len(l.filter.StreamIDs) > 0 {
		found := false
		for _, id := range l.filter.StreamIDs {
			if id == ev.StreamID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(l.filter.RegistrationIDs) > 0 {
		for _, id := range l.filter.RegistrationIDs {
			if id == ev.RegistrationID {
				return true
			}
		}
		return false
	}
	return true
}

func (l *listener) close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.ch)
	}
}

// Hub fans image events out to listeners without ever blocking the publisher.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new image event hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[uint64]*listener),
	}
}

// Publish sends an event to all matching listeners (non-blocking).
func (h *Hub) Publish(ev ImageEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, l := range h.listeners {
		if !l.matches(ev) {
			continue
		}

		select {
		case l.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were discarded because a listener was full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribe registers a listener and returns its event channel and an
// idempotent cancel function.
func (h *Hub) Subscribe(filter Filter) (<-chan ImageEvent, func()) {
	l := &listener{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan ImageEvent, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.listeners[l.id] = l
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(l.id)
	}

	return l.ch, cancel
}

// Close cancels every listener
func (h *Hub) Close() {
	h.mu.Lock()
	listeners := h.listeners
	h.listeners = make(map[uint64]*listener)
	h.mu.Unlock()

	for _, l := range listeners {
		l.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	l, ok := h.listeners[id]
	if ok {
		delete(h.listeners, id)
	}
	h.mu.Unlock()

	if ok {
		l.close()
	}
}
