package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/venueos/mailflow/pkg/schema"
)

const (
	defaultChannelBuffer = 64

	// replayBufferSize bounds the per-execution catch-up buffer. A run's
	// events beyond this keep only the most recent window.
	replayBufferSize = 64
)

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub implementation using channels. It keeps
// a bounded replay buffer per live execution so subscribers attaching mid-run
// (the WebSocket bridge's reconnect path) can catch up on recent events.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	replay map[string][]StreamEvent
	seq    atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		replay: make(map[string][]StreamEvent),
	}
}

// Publish sends an event to all matching subscribers and records it in the
// execution's replay buffer. Non-blocking: if a subscriber's channel is full
// the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if event.ExecutionID != "" {
		buf := append(h.replay[event.ExecutionID], event)
		if len(buf) > replayBufferSize {
			buf = buf[len(buf)-replayBufferSize:]
		}
		h.replay[event.ExecutionID] = buf
	}

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}

	// A finished run's buffer is released; late subscribers read finished
	// runs from the store, not the hub.
	if terminalEvent(event.EventType) {
		delete(h.replay, event.ExecutionID)
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// With filter.Replay set and an execution scoped, the execution's buffered
// events are delivered on the channel ahead of live ones.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	if filter.Replay && filter.ExecutionID != "" {
		for _, event := range h.replay[filter.ExecutionID] {
			if !matchFilter(filter, event) {
				continue
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// terminalEvent reports whether the event type ends its execution.
func terminalEvent(t string) bool {
	switch t {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}
