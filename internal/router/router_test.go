package router

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rickgao/chat-realtime/internal/diagnostics"
)

func TestEventForWireType(t *testing.T) {
	tests := []struct {
		wire string
		want EventName
		ok   bool
	}{
		{"message", EventNewMessage, true},
		{"message_read", EventMessageRead, true},
		{"typing", EventTypingIndicator, true},
		{"user_online", EventUserOnlineStatus, true},
		{"user_offline", EventUserOnlineStatus, true},
		{"conversation_updated", EventConversationUpdated, true},
		{"mark_read", "", false},
		{"presence_v2", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			got, ok := EventForWireType(tt.wire)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("EventForWireType(%q) = %q, want %q", tt.wire, got, tt.want)
			}
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	jan1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		raw      string
		wantErr  bool
		wantTime time.Time // zero when the timestamp is kept raw only
		wantRaw  string
	}{
		{"valid", `{"type":"message","data":{"id":5},"timestamp":"2025-01-01T00:00:00Z"}`, false, jan1, "2025-01-01T00:00:00Z"},
		{"valid millis", `{"type":"typing","data":{},"timestamp":"2025-01-01T00:00:00.123Z"}`, false, jan1.Add(123 * time.Millisecond), "2025-01-01T00:00:00.123Z"},
		{"no offset", `{"type":"message","data":{},"timestamp":"2025-01-01T00:00:00"}`, false, jan1, "2025-01-01T00:00:00"},
		{"no offset seven digit fraction", `{"type":"message","data":{},"timestamp":"2025-01-01T00:00:00.1234567"}`, false, jan1.Add(123456700 * time.Nanosecond), "2025-01-01T00:00:00.1234567"},
		{"numeric offset", `{"type":"message","data":{},"timestamp":"2025-01-01T00:00:00+0000"}`, false, jan1, "2025-01-01T00:00:00+0000"},
		{"numeric offset east", `{"type":"message","data":{},"timestamp":"2025-01-01T02:00:00+0200"}`, false, jan1, "2025-01-01T02:00:00+0200"},
		{"unparseable kept raw", `{"type":"message","data":{},"timestamp":"yesterday"}`, false, time.Time{}, "yesterday"},
		{"not json", `not json`, true, time.Time{}, ""},
		{"missing type", `{"data":{},"timestamp":"2025-01-01T00:00:00Z"}`, true, time.Time{}, ""},
		{"empty type", `{"type":"","data":{},"timestamp":"2025-01-01T00:00:00Z"}`, true, time.Time{}, ""},
		{"missing data", `{"type":"message","timestamp":"2025-01-01T00:00:00Z"}`, true, time.Time{}, ""},
		{"null data", `{"type":"message","data":null,"timestamp":"2025-01-01T00:00:00Z"}`, true, time.Time{}, ""},
		{"array data", `{"type":"message","data":[1],"timestamp":"2025-01-01T00:00:00Z"}`, true, time.Time{}, ""},
		{"missing timestamp", `{"type":"message","data":{}}`, true, time.Time{}, ""},
		{"empty timestamp", `{"type":"message","data":{},"timestamp":""}`, true, time.Time{}, ""},
		{"numeric timestamp", `{"type":"message","data":{},"timestamp":1735689600}`, true, time.Time{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEnvelope) {
					t.Errorf("err = %v, want ErrMalformedEnvelope", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEnvelope failed: %v", err)
			}
			if env.Type == "" {
				t.Error("Type should be set")
			}
			if !env.Timestamp.Equal(tt.wantTime) {
				t.Errorf("Timestamp = %v, want %v", env.Timestamp, tt.wantTime)
			}
			if env.RawTimestamp != tt.wantRaw {
				t.Errorf("RawTimestamp = %q, want %q", env.RawTimestamp, tt.wantRaw)
			}
		})
	}
}

func TestRouter_DispatchLenientTimestamps(t *testing.T) {
	stamps := []string{
		"2025-01-01T00:00:00Z",
		"2025-01-01T00:00:00",
		"2025-01-01T00:00:00.1234567",
		"2025-01-01T00:00:00+0000",
	}

	for _, ts := range stamps {
		t.Run(ts, func(t *testing.T) {
			r := NewRouter(slog.Default())
			delivered := 0
			r.OnNewMessage(func(msg Message) {
				if msg.ID == 5 {
					delivered++
				}
			})

			raw := `{"type":"message","data":{"id":5},"timestamp":"` + ts + `"}`
			if err := r.Dispatch([]byte(raw)); err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if delivered != 1 {
				t.Errorf("delivered = %d, want 1", delivered)
			}
			if r.Stats().ParseErrors != 0 {
				t.Errorf("ParseErrors = %d, want 0", r.Stats().ParseErrors)
			}
		})
	}
}

func TestRouter_DispatchNewMessage(t *testing.T) {
	r := NewRouter(slog.Default())

	var got []Event
	r.On(EventNewMessage, func(ev Event) {
		got = append(got, ev)
	})

	raw := `{"type":"message","data":{"id":5},"timestamp":"2025-01-01T00:00:00Z"}`
	if err := r.Dispatch([]byte(raw)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Name != EventNewMessage {
		t.Errorf("Name = %s, want %s", got[0].Name, EventNewMessage)
	}
	if string(got[0].Envelope.Data) != `{"id":5}` {
		t.Errorf("Data = %s, want {\"id\":5}", got[0].Envelope.Data)
	}
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got[0].Envelope.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", got[0].Envelope.Timestamp, want)
	}

	var msg Message
	if err := got[0].Decode(&msg); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.ID != 5 {
		t.Errorf("ID = %d, want 5", msg.ID)
	}
}

func TestRouter_DispatchMalformedAndUnknown(t *testing.T) {
	diag := diagnostics.NewStream()
	events, cancel := diag.Subscribe(10)
	defer cancel()

	var unknown []Envelope
	r := NewRouter(nil,
		WithDiagnostics(diag),
		WithUnknownHandler(func(env Envelope) { unknown = append(unknown, env) }),
	)

	delivered := 0
	r.On(EventNewMessage, func(Event) { delivered++ })

	err := r.Dispatch([]byte(`{"type":`))
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("malformed err = %v, want ErrMalformedEnvelope", err)
	}

	err = r.Dispatch([]byte(`{"type":"reaction_added","data":{},"timestamp":"2025-01-01T00:00:00Z"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown err = %v, want ErrUnknownType", err)
	}

	if delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}
	if len(unknown) != 1 || unknown[0].Type != "reaction_added" {
		t.Errorf("unknown hook got %+v, want one reaction_added envelope", unknown)
	}

	stats := r.Stats()
	if stats.MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2", stats.MessagesReceived)
	}
	if stats.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", stats.ParseErrors)
	}
	if stats.UnknownMessages != 1 {
		t.Errorf("UnknownMessages = %d, want 1", stats.UnknownMessages)
	}
	if stats.MessagesRouted != 0 {
		t.Errorf("MessagesRouted = %d, want 0", stats.MessagesRouted)
	}

	kinds := []diagnostics.Kind{(<-events).Kind, (<-events).Kind}
	if kinds[0] != diagnostics.KindFrameMalformed || kinds[1] != diagnostics.KindFrameUnknown {
		t.Errorf("diagnostic kinds = %v, want [frame_malformed frame_unknown]", kinds)
	}
}

func TestRouter_EmitContinuesAfterPanic(t *testing.T) {
	diag := diagnostics.NewStream()
	events, cancel := diag.Subscribe(10)
	defer cancel()

	r := NewRouter(nil, WithDiagnostics(diag))

	var order []int
	r.On(EventTypingIndicator, func(Event) { order = append(order, 1) })
	r.On(EventTypingIndicator, func(Event) {
		order = append(order, 2)
		panic("subscriber bug")
	})
	r.On(EventTypingIndicator, func(Event) { order = append(order, 3) })

	delivered := r.Emit(EventTypingIndicator, Event{})

	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}

	if r.Stats().HandlerPanics != 1 {
		t.Errorf("HandlerPanics = %d, want 1", r.Stats().HandlerPanics)
	}
	ev := <-events
	if ev.Kind != diagnostics.KindHandlerPanic {
		t.Errorf("diagnostic Kind = %s, want %s", ev.Kind, diagnostics.KindHandlerPanic)
	}
}

func TestRouter_OffRemovesExactRegistration(t *testing.T) {
	r := NewRouter(nil)

	calls := 0
	fn := func(Event) { calls++ }

	first := r.On(EventMessageRead, fn)
	second := r.On(EventMessageRead, fn)

	if got := r.SubscriberCount(EventMessageRead); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	if !r.Off(first) {
		t.Fatal("Off(first) = false, want true")
	}
	if r.Off(first) {
		t.Error("second Off(first) = true, want false")
	}

	r.Emit(EventMessageRead, Event{})
	if calls != 1 {
		t.Errorf("calls after Off = %d, want 1", calls)
	}

	r.Off(second)
	r.Emit(EventMessageRead, Event{})
	if calls != 1 {
		t.Errorf("calls with no subscribers = %d, want 1", calls)
	}

	// Re-registering the same handler re-enables delivery.
	r.On(EventMessageRead, fn)
	r.Emit(EventMessageRead, Event{})
	if calls != 2 {
		t.Errorf("calls after re-register = %d, want 2", calls)
	}
}

func TestRouter_OffDuringEmitUsesSnapshot(t *testing.T) {
	r := NewRouter(nil)

	var order []string
	var selfSub *Subscription
	selfSub = r.On(EventConversationUpdated, func(Event) {
		order = append(order, "a")
		r.Off(selfSub)
	})
	r.On(EventConversationUpdated, func(Event) { order = append(order, "b") })
	r.On(EventConversationUpdated, func(Event) { order = append(order, "c") })

	r.Emit(EventConversationUpdated, Event{})
	if len(order) != 3 {
		t.Fatalf("first emit order = %v, want [a b c]", order)
	}

	order = nil
	r.Emit(EventConversationUpdated, Event{})
	if len(order) != 2 || order[0] != "b" || order[1] != "c" {
		t.Errorf("second emit order = %v, want [b c]", order)
	}
}

func TestRouter_OffNil(t *testing.T) {
	r := NewRouter(nil)
	if r.Off(nil) {
		t.Error("Off(nil) = true, want false")
	}
}
