// Package presence tracks the relay roster and the request/accept handshake
// that precedes a session.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

const DefaultHandshakeTimeout = 30 * time.Second

var (
	ErrUnknownPeer      = errors.New("presence: unknown peer")
	ErrSelf             = errors.New("presence: cannot request self")
	ErrRequestPending   = errors.New("presence: a request is already pending")
	ErrNoRequest        = errors.New("presence: no pending request from peer")
	ErrDeclined         = errors.New("presence: request declined")
	ErrHandshakeTimeout = errors.New("presence: request timed out")
)

type Entry struct {
	signaling.User
}

// Pending is an outgoing or incoming peer_request.
type Pending struct {
	Peer signaling.User
	At   time.Time
}

// Directory holds the latest roster and the handshake state for one local
// endpoint. At most one outgoing request is pending at a time.
type Directory struct {
	timeout time.Duration

	mu       sync.Mutex
	self     string
	entries  []Entry
	outgoing *Pending
	incoming map[string]Pending
}

func New(handshakeTimeout time.Duration) *Directory {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Directory{
		timeout:  handshakeTimeout,
		incoming: make(map[string]Pending),
	}
}

func (d *Directory) SetSelf(id string) {
	d.mu.Lock()
	d.self = id
	d.mu.Unlock()
}

func (d *Directory) Self() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.self
}

// Replace swaps in a new roster. Nothing from the previous roster survives.
func (d *Directory) Replace(users []signaling.User) {
	entries := make([]Entry, 0, len(users))
	for _, u := range users {
		entries = append(entries, Entry{User: u})
	}
	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()
}

// List returns the roster without the local endpoint, in relay order.
func (d *Directory) List() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.ID == d.self {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (d *Directory) Lookup(id string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookupLocked(id)
}

func (d *Directory) lookupLocked(id string) (Entry, bool) {
	for _, e := range d.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Request records an outgoing peer_request to id.
func (d *Directory) Request(id string, now time.Time) (Pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id == d.self {
		return Pending{}, ErrSelf
	}
	if d.outgoing != nil {
		return Pending{}, ErrRequestPending
	}
	e, ok := d.lookupLocked(id)
	if !ok {
		return Pending{}, ErrUnknownPeer
	}
	p := Pending{Peer: e.User, At: now}
	d.outgoing = &p
	return p, nil
}

func (d *Directory) Outgoing() (Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outgoing == nil {
		return Pending{}, false
	}
	return *d.outgoing, true
}

// CancelOutgoing drops the outgoing request, if any.
func (d *Directory) CancelOutgoing() {
	d.mu.Lock()
	d.outgoing = nil
	d.mu.Unlock()
}

// HandleAccept consumes the outgoing request when from is its target. ok is
// false for an accept nobody asked for.
func (d *Directory) HandleAccept(from string) (Pending, bool) {
	return d.settleOutgoing(from)
}

// HandleDecline is the decline counterpart of HandleAccept.
func (d *Directory) HandleDecline(from string) (Pending, bool) {
	return d.settleOutgoing(from)
}

func (d *Directory) settleOutgoing(from string) (Pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outgoing == nil || d.outgoing.Peer.ID != from {
		return Pending{}, false
	}
	p := *d.outgoing
	d.outgoing = nil
	return p, true
}

// Incoming records a peer_request received from a remote party. A repeated
// request refreshes the timestamp.
func (d *Directory) Incoming(from, name string, now time.Time) Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "" {
		if e, ok := d.lookupLocked(from); ok {
			name = e.Name
		}
	}
	p := Pending{Peer: signaling.User{ID: from, Name: name}, At: now}
	d.incoming[from] = p
	return p
}

// Accept consumes the incoming request from id.
func (d *Directory) Accept(id string) (Pending, error) {
	return d.takeIncoming(id)
}

// Decline consumes the incoming request from id.
func (d *Directory) Decline(id string) (Pending, error) {
	return d.takeIncoming(id)
}

func (d *Directory) takeIncoming(id string) (Pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.incoming[id]
	if !ok {
		return Pending{}, ErrNoRequest
	}
	delete(d.incoming, id)
	return p, nil
}

// IncomingRequests lists unanswered incoming requests, oldest first.
func (d *Directory) IncomingRequests() []Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Pending, 0, len(d.incoming))
	for _, p := range d.incoming {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Expired is what Expire removed.
type Expired struct {
	Outgoing *Pending
	Incoming []Pending
}

// Expire drops requests older than the handshake timeout.
func (d *Directory) Expire(now time.Time) Expired {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out Expired
	if d.outgoing != nil && now.Sub(d.outgoing.At) >= d.timeout {
		p := *d.outgoing
		out.Outgoing = &p
		d.outgoing = nil
	}
	for id, p := range d.incoming {
		if now.Sub(p.At) >= d.timeout {
			out.Incoming = append(out.Incoming, p)
			delete(d.incoming, id)
		}
	}
	sort.Slice(out.Incoming, func(i, j int) bool { return out.Incoming[i].At.Before(out.Incoming[j].At) })
	return out
}

// Reset forgets the roster and every pending request, e.g. after the relay
// connection drops.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.self = ""
	d.entries = nil
	d.outgoing = nil
	d.incoming = make(map[string]Pending)
}
