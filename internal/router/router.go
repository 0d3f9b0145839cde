package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/chat-realtime/internal/diagnostics"
)

// Errors
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown message type")
)

// Subscription is the handle returned by On. Passing it to Off removes
// exactly this registration; other registrations of the same handler remain.
type Subscription struct {
	id      uint64
	event   EventName
	handler Handler
}

// Event returns the event name this subscription is registered for.
func (s *Subscription) Event() EventName {
	return s.event
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDiagnostics publishes drops and subscriber panics to stream.
func WithDiagnostics(stream *diagnostics.Stream) RouterOption {
	return func(r *Router) {
		r.diag = stream
	}
}

// WithUnknownHandler installs a hook that sees every well-formed envelope
// whose type is outside the known set. The envelope is still dropped.
func WithUnknownHandler(fn func(Envelope)) RouterOption {
	return func(r *Router) {
		r.unknown = fn
	}
}

// Router parses inbound frames into envelopes and fans them out to subscribers.
type Router struct {
	logger  *slog.Logger
	diag    *diagnostics.Stream
	unknown func(Envelope)

	mu     sync.RWMutex
	subs   map[EventName][]*Subscription
	nextID uint64

	received      atomic.Int64
	routed        atomic.Int64
	parseErrors   atomic.Int64
	unknownMsgs   atomic.Int64
	handlerPanics atomic.Int64
}

// NewRouter creates a new Message Router.
func NewRouter(logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		logger: logger,
		subs:   make(map[EventName][]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On appends h to the subscriber list for event.
func (r *Router) On(event EventName, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		id:      r.nextID,
		event:   event,
		handler: h,
	}
	r.subs[event] = append(r.subs[event], sub)
	return sub
}

// Off removes sub. Returns false if it was not registered.
func (r *Router) Off(sub *Subscription) bool {
	if sub == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.event]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		// Copy so snapshots held by in-flight Emit calls are untouched.
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, sub.event)
		} else {
			r.subs[sub.event] = next
		}
		return true
	}
	return false
}

// SubscriberCount returns the number of registrations for event.
func (r *Router) SubscriberCount(event EventName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[event])
}

// Emit delivers ev to a snapshot of the subscribers for event, in
// registration order. A panicking subscriber is recovered and logged;
// the remaining subscribers still run. Returns the number of subscribers
// that completed normally.
func (r *Router) Emit(event EventName, ev Event) int {
	r.mu.RLock()
	snapshot := r.subs[event]
	r.mu.RUnlock()

	ev.Name = event
	delivered := 0
	for _, sub := range snapshot {
		if r.deliver(sub, ev) {
			delivered++
		}
	}
	return delivered
}

// EmitConnectionStatus emits a connectionStatus lifecycle event.
func (r *Router) EmitConnectionStatus(connected bool) {
	data, _ := json.Marshal(ConnectionStatus{Connected: connected})
	now := time.Now().UTC()
	r.Emit(EventConnectionStatus, Event{
		Envelope: Envelope{
			Data:         data,
			Timestamp:    now,
			RawTimestamp: now.Format(TimestampLayout),
		},
	})
}

// deliver invokes one subscriber, recovering from panics.
func (r *Router) deliver(sub *Subscription, ev Event) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.handlerPanics.Add(1)
			r.logger.Error("subscriber panicked",
				"event", sub.event,
				"panic", p,
			)
			r.diag.Publish(diagnostics.Event{
				Kind: diagnostics.KindHandlerPanic,
				Name: string(sub.event),
				Err:  fmt.Errorf("panic: %v", p),
			})
			ok = false
		}
	}()

	sub.handler(ev)
	return true
}

// Dispatch parses a raw inbound frame and emits it to subscribers.
// Malformed frames and unknown types are logged, counted and dropped;
// the returned error is informational only.
func (r *Router) Dispatch(raw []byte) error {
	r.received.Add(1)

	env, err := ParseEnvelope(raw)
	if err != nil {
		r.parseErrors.Add(1)
		r.logger.Warn("dropping malformed frame", "error", err, "size", len(raw))
		r.diag.Publish(diagnostics.Event{
			Kind: diagnostics.KindFrameMalformed,
			Err:  err,
		})
		return err
	}

	event, ok := EventForWireType(env.Type)
	if !ok {
		r.unknownMsgs.Add(1)
		r.logger.Warn("dropping unknown message type", "type", env.Type)
		r.diag.Publish(diagnostics.Event{
			Kind: diagnostics.KindFrameUnknown,
			Name: env.Type,
		})
		if r.unknown != nil {
			r.unknown(env)
		}
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	r.routed.Add(1)
	r.Emit(event, Event{Envelope: env})
	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		ParseErrors:      r.parseErrors.Load(),
		UnknownMessages:  r.unknownMsgs.Load(),
		HandlerPanics:    r.handlerPanics.Load(),
	}
}

// ParseEnvelope decodes and validates a raw frame. type, data and timestamp
// must all be present; data must be a JSON object and timestamp a non-empty
// string. The timestamp is parsed best-effort and always kept verbatim.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if wire.Type == nil || *wire.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	data := bytes.TrimSpace(wire.Data)
	if len(data) == 0 || data[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: data must be an object", ErrMalformedEnvelope)
	}
	if wire.Timestamp == nil || *wire.Timestamp == "" {
		return Envelope{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	}

	ts, _ := parseTimestamp(*wire.Timestamp)
	return Envelope{
		Type:         *wire.Type,
		Data:         json.RawMessage(data),
		Timestamp:    ts,
		RawTimestamp: *wire.Timestamp,
	}, nil
}

// parseTimestamp tries each inbound layout in turn.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range inboundTimestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
