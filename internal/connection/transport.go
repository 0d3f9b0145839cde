package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/chat-realtime/internal/version"
)

// TransportEvents receives callbacks from a Transport. A transport invokes
// them sequentially from its own goroutine: OnOpen at most once, then any
// number of OnMessage, optionally OnError, and finally exactly one OnClose.
// Nothing is invoked before Start. A transport closed before Start reports
// nothing at all.
type TransportEvents struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// DialRequest describes one transport to construct.
type DialRequest struct {
	ID     uuid.UUID // Assigned by the manager; used in logs and diagnostics
	URL    string    // Endpoint including the token query parameter
	Events TransportEvents
}

// Transport is a persistent full-duplex connection.
type Transport interface {
	// Start begins connecting in the background. Called at most once.
	Start()

	// Send writes one text frame.
	Send(data []byte) error

	// Close sends a close frame with code and releases the connection.
	// The transport reports OnClose with the same code. Safe to call more than once.
	Close(code int, reason string) error
}

// TransportFactory constructs an idle transport. An error means
// construction itself failed; connection failures are reported after
// Start through OnError/OnClose.
type TransportFactory func(req DialRequest) (Transport, error)

// NewWebSocketFactory returns a factory producing gorilla/websocket transports.
func NewWebSocketFactory(cfg TransportConfig, logger *slog.Logger) TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}

	return func(req DialRequest) (Transport, error) {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}

		ctx, cancel := context.WithCancel(context.Background())
		return &wsTransport{
			id:     req.ID,
			url:    req.URL,
			cfg:    cfg,
			events: req.Events,
			logger: logger.With("transport_id", req.ID),
			ctx:    ctx,
			cancel: cancel,
		}, nil
	}
}

// wsTransport implements Transport over a gorilla/websocket connection.
type wsTransport struct {
	id     uuid.UUID
	url    string
	cfg    TransportConfig
	events TransportEvents
	logger *slog.Logger

	// Cancelled on Close or once the transport has reported its close;
	// aborts an in-flight dial and stops the heartbeat.
	ctx    context.Context
	cancel context.CancelFunc

	// Write serialization
	writeMu sync.Mutex

	// State
	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	closeCode   int
	closeReason string

	startOnce sync.Once
	closeOnce sync.Once
}

// Start launches the dial and read goroutine.
func (t *wsTransport) Start() {
	t.startOnce.Do(func() {
		if closed, _, _ := t.localClose(); closed {
			return
		}
		go t.run()
	})
}

// run dials, reports open, then reads until the connection ends.
func (t *wsTransport) run() {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(t.ctx, t.url, header)
	if err != nil {
		if local, code, reason := t.localClose(); local {
			t.emitClose(code, reason)
			return
		}
		t.emitError(fmt.Errorf("dial: %w", err))
		t.emitClose(CloseAbnormal, err.Error())
		return
	}

	t.mu.Lock()
	if t.closed {
		code, reason := t.closeCode, t.closeReason
		t.mu.Unlock()
		conn.Close()
		t.emitClose(code, reason)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	if t.cfg.PingInterval > 0 {
		pongWait := 2 * t.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.heartbeatLoop(conn)
	}

	t.logger.Debug("websocket connected")
	if t.events.OnOpen != nil {
		t.events.OnOpen()
	}

	t.readLoop(conn)
}

// readLoop delivers frames until a read fails, then reports the close.
func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if local, code, reason := t.localClose(); local {
				t.emitClose(code, reason)
				return
			}

			// gorilla reports a connection lost without a close frame as 1006.
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				conn.Close()
				if ce.Code == CloseAbnormal {
					t.emitError(err)
				}
				t.emitClose(ce.Code, ce.Text)
				return
			}

			conn.Close()
			t.emitError(err)
			t.emitClose(CloseAbnormal, err.Error())
			return
		}

		if t.events.OnMessage != nil {
			t.events.OnMessage(data)
		}
	}
}

// heartbeatLoop keeps the connection alive. A missed pong surfaces as a
// read deadline error in readLoop.
func (t *wsTransport) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// Send writes raw bytes to the connection.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil || closed {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the connection.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	conn := t.conn
	t.mu.Unlock()

	t.cancel()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return conn.Close()
}

// localClose reports whether Close was called, and with which code.
func (t *wsTransport) localClose() (bool, int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode, t.closeReason
}

func (t *wsTransport) emitError(err error) {
	t.logger.Debug("websocket error", "error", err)
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
}

func (t *wsTransport) emitClose(code int, reason string) {
	t.closeOnce.Do(func() {
		t.cancel()
		t.logger.Debug("websocket closed", "code", code, "reason", reason)
		if t.events.OnClose != nil {
			t.events.OnClose(code, reason)
		}
	})
}
