// Package router implements the Message Router component.
//
// The Message Router:
//   - Parses inbound frames into {type, data, timestamp} envelopes
//   - Maps wire types to subscriber-facing event names
//   - Fans events out to subscribers in registration order
//   - Drops malformed frames and unknown types without touching the connection
package router
