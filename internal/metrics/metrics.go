package metrics

import "sync"

// Event names shared by the relay and the peer agent.
const (
	RelayConnections      = "relay_connections"
	RelayJoins            = "relay_joins"
	RelayLeaves           = "relay_leaves"
	RelayForwarded        = "relay_forwarded"
	RelayUnknownPeer      = "relay_unknown_peer"
	RelayNotJoined        = "relay_not_joined"
	RelayInvalidMessage   = "relay_invalid_message"
	RelayRateLimited      = "relay_rate_limited"
	RelaySlowConsumer     = "relay_slow_consumer"
	RelayAuthFailed       = "relay_auth_failed"
	RelayOriginRejected   = "relay_origin_rejected"
	RelayRosterError      = "relay_roster_error"
	NegotiationStarted    = "negotiation_started"
	NegotiationConnected  = "negotiation_connected"
	NegotiationFailed     = "negotiation_failed"
	NegotiationIgnored    = "negotiation_ignored_envelope"
	NegotiationCandidates = "negotiation_candidates_sent"
	HandshakeTimeouts     = "handshake_timeouts"
	EchoOffers            = "echo_offers"
	EchoOfferErrors       = "echo_offer_errors"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// every update so components can run without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
