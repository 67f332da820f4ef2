package jobs

import (
	"context"
	"sync"
	"time"
)

// Sink is one live observer connection. Send must not block; returning
// false means the sink is gone or cannot keep up and will be dropped.
type Sink interface {
	Send(Event) bool
	Close()
}

// Handle identifies a subscription within a hub.
type Handle uint64

// Hub fans each job's events out to the sinks currently subscribed to it.
// Events are not buffered for late subscribers.
type Hub struct {
	mu         sync.Mutex
	nextHandle Handle
	topics     map[string]*topic
}

type topic struct {
	sinks map[Handle]Sink
	ready chan struct{}
	armed bool
}

func newTopic() *topic {
	return &topic{
		sinks: make(map[Handle]Sink),
		ready: make(chan struct{}),
	}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func (h *Hub) topicLocked(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = newTopic()
		h.topics[jobID] = t
	}
	return t
}

func (h *Hub) Subscribe(jobID string, sink Sink) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextHandle++
	handle := h.nextHandle
	t := h.topicLocked(jobID)
	t.sinks[handle] = sink
	if !t.armed {
		t.armed = true
		close(t.ready)
	}
	return handle
}

// Unsubscribe removes the sink without closing it; the transport owns it.
func (h *Hub) Unsubscribe(jobID string, handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	delete(t.sinks, handle)
	if len(t.sinks) == 0 && t.armed {
		delete(h.topics, jobID)
	}
}

// Publish delivers event to every sink of jobID. Sinks refusing the event
// are closed and removed.
func (h *Hub) Publish(jobID string, event Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return 0
	}
	delivered := 0
	for handle, sink := range t.sinks {
		if sink.Send(event) {
			delivered++
			continue
		}
		delete(t.sinks, handle)
		sink.Close()
	}
	return delivered
}

// CloseAll ends the stream for every sink of jobID and forgets the job.
func (h *Hub) CloseAll(jobID string) {
	h.mu.Lock()
	t, ok := h.topics[jobID]
	delete(h.topics, jobID)
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, sink := range t.sinks {
		sink.Close()
	}
}

func (h *Hub) Count(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[jobID]; ok {
		return len(t.sinks)
	}
	return 0
}

// WaitForSubscriber blocks until jobID has had at least one subscriber,
// timeout elapses or ctx is done. It reports whether a subscriber arrived.
func (h *Hub) WaitForSubscriber(ctx context.Context, jobID string, timeout time.Duration) bool {
	h.mu.Lock()
	ready := h.topicLocked(jobID).ready
	h.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-ready:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ChannelSink is a Sink backed by a buffered channel that a transport drains.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

func (s *ChannelSink) Send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
