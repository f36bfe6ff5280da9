package negotiation

// State is the negotiation phase of one Coordinator.
//
// Initiator: Idle, OfferPreparing, OfferSent, AnswerReceived, Connected.
// Receiver:  Idle, OfferReceived, AnswerPreparing, AnswerSent, Connected.
// Closed is reachable from every state and is terminal.
type State int

const (
	StateIdle State = iota
	StateOfferPreparing
	// StateOfferSent covers the whole wait for the answer.
	StateOfferSent
	StateAnswerReceived
	StateOfferReceived
	StateAnswerPreparing
	StateAnswerSent
	StateConnected
	StateClosed
)

// StateAwaitingAnswer is the same observable state as StateOfferSent.
const StateAwaitingAnswer = StateOfferSent

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferPreparing:
		return "offer_preparing"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerReceived:
		return "answer_received"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerPreparing:
		return "answer_preparing"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// awaitsTransport reports whether a connected transport report moves s to
// StateConnected.
func (s State) awaitsTransport() bool {
	switch s {
	case StateAnswerReceived, StateAnswerSent:
		return true
	default:
		return false
	}
}
