package connection

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnecting = errors.New("connection already in progress")
	ErrClosedBeforeOpen  = errors.New("transport closed before open")
	ErrClosed            = errors.New("connection manager closed")
)

// Close codes
const (
	CloseNormal   = websocket.CloseNormalClosure   // 1000, manual disconnect; never retried
	CloseAbnormal = websocket.CloseAbnormalClosure // 1006, reported when no close frame was received
)

// State is the Connection Manager's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportConfig configures the WebSocket transport.
type TransportConfig struct {
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period; read deadline is twice this (0 = disabled)
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL       string // Base realtime endpoint (e.g., wss://chat.example.com/ws); token is added as ?token=
	Policy    Policy
	Transport TransportConfig
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Policy:    DefaultPolicy(),
		Transport: DefaultTransportConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State            State
	Attempt          int
	ReconnectPending bool  // A reconnect timer is armed
	Opens            int64 // Transports that reached open
	Reconnects       int64 // Scheduled reconnects that dialed
	SendsDropped     int64 // Outbound sends dropped while not open
}
