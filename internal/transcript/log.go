// Package transcript maintains the ordered log of query/response/error
// entries displayed to the user, together with the transient loading
// placeholder that bridges a submission and its eventual outcome.
//
// Entries are append-only and never mutated. The single exception is the
// placeholder: it is inserted when a submission starts and removed exactly
// once when the submission resolves. Observers subscribe to an event stream
// that replays every mutation in log order, which is how the UI feed (and
// tests) watch the transcript without polling.
//
// All methods are safe for concurrent use.
package transcript

import (
	"sync"
	"time"
)

// Role classifies a transcript entry.
type Role string

const (
	// RoleQuery marks the text the user submitted.
	RoleQuery Role = "query"

	// RoleResponse marks a successful backend answer.
	RoleResponse Role = "response"

	// RoleError marks a validation, server, or transport failure rendered
	// inline. Error entries are terminal; they are never retried or removed.
	RoleError Role = "error"

	// RolePending marks the loading placeholder shown while a submission is
	// in flight. Pending entries are the only removable entries.
	RolePending Role = "pending"
)

// Entry is a single transcript line. Text may contain newline characters;
// renderers display them as line breaks.
type Entry struct {
	// Seq is the monotonically increasing insertion sequence. It doubles as
	// the entry's identity for removal.
	Seq int64

	Role Role
	Text string

	// Timestamp records when the entry was appended.
	Timestamp time.Time
}

// EventKind discriminates log mutations delivered to subscribers.
type EventKind string

const (
	// EventAdded is emitted when an entry is appended.
	EventAdded EventKind = "added"

	// EventRemoved is emitted when a pending entry is removed.
	EventRemoved EventKind = "removed"
)

// Event is a single log mutation.
type Event struct {
	Kind  EventKind
	Entry Entry
}

// Log is the transcript store. The zero value is not usable; create one with
// [New].
type Log struct {
	mu      sync.Mutex
	nextSeq int64
	entries []Entry

	nextSubID int
	subs      map[int]chan Event
}

// New creates an empty transcript log.
func New() *Log {
	return &Log{subs: make(map[int]chan Event)}
}

// Append adds an entry with the given role and text and returns it.
func (l *Log) Append(role Role, text string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	e := Entry{
		Seq:       l.nextSeq,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
	l.entries = append(l.entries, e)
	l.publish(Event{Kind: EventAdded, Entry: e})
	return e
}

// AppendPending adds a loading placeholder and returns it. The caller must
// eventually pass the returned entry's Seq to [Log.Remove].
func (l *Log) AppendPending(text string) Entry {
	return l.Append(RolePending, text)
}

// Remove deletes the pending entry with the given sequence. It returns true
// on the first successful removal and false when the sequence is unknown,
// already removed, or names a non-pending entry. This makes placeholder
// removal idempotent: exactly one call observes true.
func (l *Log) Remove(seq int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.Seq != seq {
			continue
		}
		if e.Role != RolePending {
			return false
		}
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		l.publish(Event{Kind: EventRemoved, Entry: e})
		return true
	}
	return false
}

// Entries returns a snapshot of the current transcript in insertion order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Subscribe registers an observer and returns its event channel together with
// a cancel function. The channel carries every mutation that happens after
// the call, in log order. buffer sets the channel capacity; when an observer
// falls behind by more than buffer events, further events are dropped for
// that observer rather than blocking the log.
//
// The cancel function closes the channel and must be called exactly once.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	l.mu.Lock()
	l.nextSubID++
	id := l.nextSubID
	ch := make(chan Event, buffer)
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish fans an event out to all subscribers. Must be called with l.mu held.
func (l *Log) publish(ev Event) {
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; dropping beats blocking every
			// other writer on one slow UI connection.
		}
	}
}
