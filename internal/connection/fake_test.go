package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeTransport records sends and lets tests drive transport events.
type fakeTransport struct {
	id     uuid.UUID
	url    string
	events TransportEvents

	// Fire OnOpen from Start, like a transport whose handshake wins the
	// race against the caller.
	autoOpen bool

	mu        sync.Mutex
	started   bool
	sent      [][]byte
	closed    bool
	closeCode int
	dropped   bool
}

func (f *fakeTransport) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	if f.autoOpen {
		f.events.OnOpen()
	}
}

func (f *fakeTransport) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.dropped {
		return ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) open() {
	f.events.OnOpen()
}

func (f *fakeTransport) receive(frame string) {
	f.events.OnMessage([]byte(frame))
}

// drop simulates the remote end going away with code.
func (f *fakeTransport) drop(code int) {
	f.mu.Lock()
	f.dropped = true
	f.mu.Unlock()
	f.events.OnClose(code, "test")
}

func (f *fakeTransport) live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.dropped
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// fakeFactory hands out fakeTransports.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	autoOpen   bool
}

func (ff *fakeFactory) New(req DialRequest) (Transport, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	tr := &fakeTransport{id: req.ID, url: req.URL, events: req.Events, autoOpen: ff.autoOpen}
	ff.transports = append(ff.transports, tr)
	return tr, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.transports)
}

func (ff *fakeFactory) get(i int) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.transports[i]
}

func (ff *fakeFactory) liveCount() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	n := 0
	for _, tr := range ff.transports {
		if tr.live() {
			n++
		}
	}
	return n
}

// waitFor blocks until the nth transport has been constructed and started.
func (ff *fakeFactory) waitFor(t *testing.T, n int) *fakeTransport {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ff.count() >= n {
			if tr := ff.get(n - 1); tr.isStarted() {
				return tr
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for transport %d (have %d)", n, ff.count())
	return nil
}

// fakeTimer is a reconnect timer fired manually by tests.
type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

// fireLast runs the most recent timer's callback, even if stopped, to
// simulate a timer that fired concurrently with cancellation.
func (s *fakeScheduler) fireLast() {
	s.last().f()
}

// newTestManager builds a manager wired to fakes.
func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *fakeFactory, *fakeScheduler) {
	t.Helper()
	ff := &fakeFactory{}
	sched := &fakeScheduler{}

	cfg := DefaultManagerConfig()
	cfg.URL = "wss://chat.example.com/ws"

	all := append([]ManagerOption{
		WithTransportFactory(ff.New),
		WithScheduler(sched.Schedule),
	}, opts...)
	return NewManager(cfg, nil, nil, all...), ff, sched
}

// connectOpen runs Connect, opens the nth transport and waits for Connect to return.
func connectOpen(t *testing.T, m *Manager, ff *fakeFactory, token string, n int) *fakeTransport {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Connect(context.Background(), token)
	}()

	tr := ff.waitFor(t, n)
	tr.open()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Connect")
	}
	return tr
}
