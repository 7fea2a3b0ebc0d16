// Package hub fans triage run events out to streaming subscribers.
//
// Each run owns one channel. Publishing appends to the channel's history
// and forwards to every live subscriber; subscribing returns a snapshot
// of the history plus a live feed that picks up exactly where the
// snapshot ends. Publishers never block on slow subscribers.
package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is a single entry in a run's event stream.
type Event struct {
	Kind string          `json:"type"`
	TS   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hub holds the event channels for all active runs.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	history []Event
	subs    map[*subscriber]struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{channels: make(map[string]*channel)}
}

// Create registers a channel for runID. Creating a channel that already
// exists is a no-op.
func (h *Hub) Create(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureLocked(runID)
}

func (h *Hub) ensureLocked(runID string) *channel {
	ch, ok := h.channels[runID]
	if !ok {
		ch = &channel{subs: make(map[*subscriber]struct{})}
		h.channels[runID] = ch
	}
	return ch
}

// Publish appends ev to the run's history and delivers it to every
// current subscriber. Publishing to a run without a channel is a no-op.
func (h *Hub) Publish(runID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[runID]
	if !ok {
		return
	}
	ch.history = append(ch.history, ev)
	for sub := range ch.subs {
		sub.push(ev)
	}
}

// History returns a copy of the events published to runID so far.
func (h *Hub) History(runID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[runID]
	if !ok {
		return nil
	}
	out := make([]Event, len(ch.history))
	copy(out, ch.history)
	return out
}

// Subscribe attaches a subscriber to runID, creating the channel if it
// does not exist yet. It returns the history published so far, a live
// feed carrying every event published after that snapshot, and a cancel
// function that detaches the subscriber and closes the feed. The
// snapshot and the feed together contain every event exactly once.
func (h *Hub) Subscribe(runID string) (history []Event, live <-chan Event, cancel func()) {
	h.mu.Lock()
	ch := h.ensureLocked(runID)

	history = make([]Event, len(ch.history))
	copy(history, ch.history)

	sub := newSubscriber()
	ch.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if cur, ok := h.channels[runID]; ok {
			delete(cur.subs, sub)
		}
		h.mu.Unlock()
		sub.close()
	}
	return history, sub.out, cancel
}

// Remove drops the run's channel and closes all of its subscribers'
// feeds.
func (h *Hub) Remove(runID string) {
	h.mu.Lock()
	ch, ok := h.channels[runID]
	if ok {
		delete(h.channels, runID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	for sub := range ch.subs {
		sub.close()
	}
}

// Len reports the number of active channels.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// subscriber buffers events in an unbounded queue drained by its own
// goroutine, so a stalled reader never backs up the publisher.
type subscriber struct {
	mu        sync.Mutex
	wake      *sync.Cond
	queue     []Event
	closed    bool
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	s.wake = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.wake.Signal()
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wake.Signal()
	})
}

func (s *subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.wake.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
