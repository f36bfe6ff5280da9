// Package signaling implements the relay message protocol and the client side
// of the relay connection.
//
// Every protocol message is one JSON object carried in one WebSocket text
// frame. The "type" field discriminates the payload; negotiation payloads
// (offer, answer, candidate) travel inside "signal" envelopes.
package signaling
