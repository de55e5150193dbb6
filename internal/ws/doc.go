// Package ws streams bridge events to WebSocket clients.
//
// A client connected to /stream receives challenge.opened and
// challenge.closed events as modules hit anti-bot pages and as they are
// solved, plus session.diagnostic events for dropped module messages. The
// optional "topic" query parameter filters events by topic prefix
// (/stream?topic=challenge.).
//
// Message Types (client -> server):
//   - ping: keepalive, answered with pong
//   - challenges: request the outstanding challenge list
//
// Message Types (server -> client):
//   - system: welcome message with outstanding challenges
//   - event: a hub event
//   - challenges: outstanding challenge list
//   - pong, error
package ws
