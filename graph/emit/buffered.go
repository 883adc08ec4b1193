package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed
// by thread ID.
//
// Use cases:
//   - tests asserting on the emitted event stream
//   - debugging a thread's execution history after the fact
//
// All events are kept until cleared; for long-running production threads
// prefer LogEmitter or OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of a thread's events. All set fields
// must match (AND logic); zero values mean "no filter".
type HistoryFilter struct {
	// NodeID filters by node.
	NodeID string

	// Msg filters by event name.
	Msg string

	// MinSeq filters events with Seq >= MinSeq.
	MinSeq *int

	// MaxSeq filters events with Seq <= MaxSeq.
	MaxSeq *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores an event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ThreadID] = append(b.events[event.ThreadID], event)
}

// History returns all events for a thread in emission order.
// Returns a copy; an unknown thread returns an empty slice.
func (b *BufferedEmitter) History(threadID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[threadID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns a thread's events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(threadID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Event{}
	for _, event := range b.events[threadID] {
		if matchesFilter(event, filter) {
			out = append(out, event)
		}
	}
	return out
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq != nil && event.Seq < *filter.MinSeq {
		return false
	}
	if filter.MaxSeq != nil && event.Seq > *filter.MaxSeq {
		return false
	}
	return true
}

// Clear removes stored events for one thread, or every thread when
// threadID is empty.
func (b *BufferedEmitter) Clear(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threadID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, threadID)
	}
}
