package peer

import (
	"context"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

type EventKind int

const (
	EventJoined EventKind = iota
	EventRoster
	EventIncomingRequest
	EventRequestAccepted
	EventRequestDeclined
	EventRequestExpired
	EventState
	EventChat
	EventLog
	EventRTT
	EventRelayError
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventRoster:
		return "roster"
	case EventIncomingRequest:
		return "incoming_request"
	case EventRequestAccepted:
		return "request_accepted"
	case EventRequestDeclined:
		return "request_declined"
	case EventRequestExpired:
		return "request_expired"
	case EventState:
		return "state"
	case EventChat:
		return "chat"
	case EventLog:
		return "log"
	case EventRTT:
		return "rtt"
	case EventRelayError:
		return "relay_error"
	default:
		return "unknown"
	}
}

// Event is one notification for the user interface. Which fields are set
// depends on Kind.
type Event struct {
	Kind EventKind

	// EventJoined carries the assigned ID in Peer.ID.
	Peer  signaling.User
	Users []presence.Entry
	State negotiation.State
	// Text is the chat or log line, the decline reason, or the relay error
	// message.
	Text string
	Code string
	RTT  time.Duration
	// Outgoing distinguishes the two directions of EventRequestExpired.
	Outgoing bool
}

// Prompter decides on incoming requests when auto-accept is off. It is
// called on its own goroutine and may block, for example on user input.
type Prompter interface {
	ConfirmRequest(ctx context.Context, from signaling.User) bool
}

type PrompterFunc func(ctx context.Context, from signaling.User) bool

func (f PrompterFunc) ConfirmRequest(ctx context.Context, from signaling.User) bool {
	return f(ctx, from)
}
