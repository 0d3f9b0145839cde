// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains one WebSocket transport per authenticated session
//   - Moves through Idle → Connecting → Open → Closed
//   - Handles reconnection with capped exponential backoff (1s, 2s, 4s, ... ≤30s, 5 attempts)
//   - Routes incoming frames to the Message Router
//   - Exposes typed outbound sends that are dropped while not Open
//
// A scheduled reconnect captures the session token when armed and aborts if
// the token was cleared or replaced by the time it fires.
package connection
