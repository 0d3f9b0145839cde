// Package diagnostics carries a structured stream of connection and routing events.
//
// Producers:
//   - Connection Manager: state changes, transport errors/closes, reconnect scheduling
//   - Message Router: malformed frames, unknown wire types, subscriber panics
//   - Outbound API: sends dropped while not connected
//
// Consumers subscribe with a bounded buffer. Publishing never blocks; a full
// subscriber loses the event and the loss is counted.
package diagnostics
