package diagnostics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a diagnostic event.
type Kind string

const (
	KindStateChange        Kind = "state_change"
	KindTransportError     Kind = "transport_error"
	KindTransportClose     Kind = "transport_close"
	KindReconnectScheduled Kind = "reconnect_scheduled"
	KindReconnectAborted   Kind = "reconnect_aborted"
	KindReconnectExhausted Kind = "reconnect_exhausted"
	KindSendDropped        Kind = "send_dropped"
	KindFrameMalformed     Kind = "frame_malformed"
	KindFrameUnknown       Kind = "frame_unknown"
	KindHandlerPanic       Kind = "handler_panic"
)

// Event is a single diagnostic record. Only the fields relevant to Kind are set.
type Event struct {
	Kind        Kind
	At          time.Time
	TransportID uuid.UUID // uuid.Nil when no transport is involved
	State       string    // Connection state after the event
	Attempt     int
	Delay       time.Duration
	Code        int    // Close code
	Reason      string // Close reason or drop detail
	Name        string // Wire type or event name
	Err         error
}

// Stream fans diagnostic events out to subscribers.
// A nil *Stream is valid and discards everything.
type Stream struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{
		subs: make(map[uint64]chan Event),
	}
}

// Subscribe registers a consumer with the given buffer size.
// The returned cancel func removes the subscription and closes the channel.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (s *Stream) Publish(ev Event) {
	if s == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.published.Add(1)

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close closes all subscriber channels. Later publishes are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Stats reports publish and drop counts.
func (s *Stream) Stats() (published, dropped int64) {
	if s == nil {
		return 0, 0
	}
	return s.published.Load(), s.dropped.Load()
}
