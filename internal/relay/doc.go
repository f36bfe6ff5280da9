// Package relay implements the signaling relay: a WebSocket hub that assigns
// each connection an ID, keeps the roster of joined users and routes
// addressed envelopes between them.
//
// The relay never inspects negotiation payloads. It only stamps the sender
// ("from", plus "fromName" on peer_request) and forwards the envelope to the
// named recipient, or answers the sender with an error envelope.
package relay
