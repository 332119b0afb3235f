// Package events implements the bounded, append-only event memory each
// agent loop iteration writes task/action/observation/recovery entries to,
// used to reconstruct context for the next LLM call.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an Event.
type Type string

const (
	Task        Type = "task"
	Action      Type = "action"
	Observation Type = "observation"
	Recovery    Type = "recovery"
)

// Event is one immutable entry in a task's event stream. ID is assigned on
// Append so each event has a stable identity independent of its position in
// the ring buffer (positions shift as older events are evicted).
type Event struct {
	ID        string
	Type      Type
	Content   string
	Timestamp time.Time
}

// Stream is a bounded, append-only ring buffer of Events. Capacity N
// (default 1000); once full, the oldest event is discarded on append. A
// Stream is accessed only from the single goroutine driving one task's
// agent loop, so no synchronization across tasks is required; the internal
// mutex guards only against the API surface being read concurrently with a
// final append (e.g. a webhook dispatch reading recent() while the loop
// goroutine is still running).
type Stream struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

// NewStream constructs an empty stream with the given capacity. A
// non-positive capacity defaults to 1000.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Stream{capacity: capacity}
}

// Append adds an event to the stream, stamping the current time if the
// event's Timestamp is zero. When the stream is at capacity, the oldest
// event is discarded first.
func (s *Stream) Append(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.capacity {
		s.events = append(s.events[1:], e)
		return
	}
	s.events = append(s.events, e)
}

// Recent returns the last k events in insertion order. k <= 0 or k greater
// than the stream's length returns the entire stream.
func (s *Stream) Recent(k int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 || k > len(s.events) {
		k = len(s.events)
	}
	out := make([]Event, k)
	copy(out, s.events[len(s.events)-k:])
	return out
}

// ByType returns every event of the given type, in insertion order.
func (s *Stream) ByType(t Type) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Summary returns the count of events per type currently retained.
func (s *Stream) Summary() map[Type]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Type]int)
	for _, e := range s.events {
		counts[e.Type]++
	}
	return counts
}

// Len returns the number of events currently retained.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
