package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeJoin        MessageType = "join"
	MessageTypeSelfID      MessageType = "self_id"
	MessageTypeUserList    MessageType = "user_list"
	MessageTypePeerRequest MessageType = "peer_request"
	MessageTypePeerAccept  MessageType = "peer_accept"
	MessageTypePeerDecline MessageType = "peer_decline"
	MessageTypeSignal      MessageType = "signal"
	MessageTypeError       MessageType = "error"
)

type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Error codes carried by MessageTypeError envelopes.
const (
	ErrorCodeUnknownPeer    = "unknown_peer"
	ErrorCodeNotJoined      = "not_joined"
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeAlreadyJoined  = "already_joined"
)

const (
	maxNameLen   = 64
	maxReasonLen = 256
)

var (
	ErrInvalidEnvelope = errors.New("signaling: invalid envelope")
	ErrTrailingData    = errors.New("signaling: trailing data after message")
)

// User is a peer identity as assigned by the relay.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Envelope is one relay protocol message. Which fields are meaningful
// depends on Type.
type Envelope struct {
	Type MessageType `json:"type"`

	// join
	Name string `json:"name,omitempty"`
	// self_id
	ID string `json:"id,omitempty"`
	// user_list
	Users []User `json:"users,omitempty"`

	// Addressing. The relay fills From (and FromName on peer_request).
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`

	// peer_decline
	Reason string `json:"reason,omitempty"`

	// signal
	Data *Signal `json:"data,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Signal is the negotiation payload of a "signal" envelope.
type Signal struct {
	Type      SignalType          `json:"type"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors RTCIceCandidateInit. It is routed as-is.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func SessionDescriptionFromPion(d webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unknown sdp type %q", ErrInvalidEnvelope, d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func CandidateFromPion(c webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// ParseEnvelope decodes and validates a single protocol message. Unknown
// fields and trailing data are rejected.
func ParseEnvelope(b []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, ErrTrailingData
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Marshal validates env and encodes it as a single JSON object.
func (env Envelope) Marshal() ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (env Envelope) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidEnvelope, env.Type, fmt.Sprintf(format, args...))
	}

	switch env.Type {
	case MessageTypeJoin:
		// An empty name is allowed; the relay picks one.
		if len(env.Name) > maxNameLen {
			return invalid("name longer than %d bytes", maxNameLen)
		}
	case MessageTypeSelfID:
		if env.ID == "" {
			return invalid("missing id")
		}
	case MessageTypeUserList:
		for i, u := range env.Users {
			if u.ID == "" {
				return invalid("users[%d] missing id", i)
			}
		}
	case MessageTypePeerRequest, MessageTypePeerAccept, MessageTypePeerDecline:
		if env.To == "" && env.From == "" {
			return invalid("missing to/from")
		}
		if len(env.Reason) > maxReasonLen {
			return invalid("reason longer than %d bytes", maxReasonLen)
		}
	case MessageTypeSignal:
		if env.To == "" && env.From == "" {
			return invalid("missing to/from")
		}
		if env.Data == nil {
			return invalid("missing data")
		}
		if err := env.Data.validate(); err != nil {
			return invalid("%v", err)
		}
	case MessageTypeError:
		if env.Code == "" {
			return invalid("missing code")
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}
	return nil
}

func (s *Signal) validate() error {
	switch s.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		if s.SDP == nil {
			return fmt.Errorf("%s: missing sdp", s.Type)
		}
		if s.SDP.Type != string(s.Type) {
			return fmt.Errorf("%s: sdp.type=%q", s.Type, s.SDP.Type)
		}
		if s.SDP.SDP == "" {
			return fmt.Errorf("%s: empty sdp", s.Type)
		}
		if s.Candidate != nil {
			return fmt.Errorf("%s: unexpected candidate", s.Type)
		}
	case SignalTypeCandidate:
		// An empty candidate string is the end-of-candidates marker.
		if s.Candidate == nil {
			return errors.New("candidate: missing candidate")
		}
		if s.SDP != nil {
			return errors.New("candidate: unexpected sdp")
		}
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	return nil
}

func Join(name string) Envelope {
	return Envelope{Type: MessageTypeJoin, Name: name}
}

func PeerRequest(to string) Envelope {
	return Envelope{Type: MessageTypePeerRequest, To: to}
}

func PeerAccept(to string) Envelope {
	return Envelope{Type: MessageTypePeerAccept, To: to}
}

func PeerDecline(to, reason string) Envelope {
	return Envelope{Type: MessageTypePeerDecline, To: to, Reason: reason}
}

func Offer(to string, d SessionDescription) Envelope {
	return Envelope{Type: MessageTypeSignal, To: to, Data: &Signal{Type: SignalTypeOffer, SDP: &d}}
}

func Answer(to string, d SessionDescription) Envelope {
	return Envelope{Type: MessageTypeSignal, To: to, Data: &Signal{Type: SignalTypeAnswer, SDP: &d}}
}

func CandidateSignal(to string, c Candidate) Envelope {
	return Envelope{Type: MessageTypeSignal, To: to, Data: &Signal{Type: SignalTypeCandidate, Candidate: &c}}
}
