// Package negotiation drives one offer/answer exchange between the local
// endpoint and a single remote party over the signaling relay.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/sdpfilter"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/webrtcpeer"
)

var (
	ErrSessionActive    = errors.New("negotiation: a session is already active")
	ErrMediaUnavailable = errors.New("negotiation: local media unavailable")
	ErrClosed           = errors.New("negotiation: closed")
	ErrTransportFailed  = errors.New("negotiation: transport failed")
	ErrChannelLost      = errors.New("negotiation: signaling channel lost")
)

// Signaler delivers envelopes to the relay. *signaling.Channel implements it.
type Signaler interface {
	Send(env signaling.Envelope) error
}

// MediaSource produces the local tracks for a session. It is consulted once,
// before any description is created.
type MediaSource interface {
	Tracks(ctx context.Context) ([]webrtc.TrackLocal, error)
}

type MediaFunc func(ctx context.Context) ([]webrtc.TrackLocal, error)

func (f MediaFunc) Tracks(ctx context.Context) ([]webrtc.TrackLocal, error) { return f(ctx) }

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	// Media may be nil for a data-channel-only session.
	Media MediaSource
	// Codecs restrict every locally authored offer and answer.
	Codecs        []sdpfilter.Preference
	GatherTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics

	// Callbacks run on arbitrary goroutines and must not block.
	OnState       func(State)
	OnDataChannel func(*webrtc.DataChannel)
	OnTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Coordinator owns at most one PeerSession and the negotiation state for it.
// It is single use: once Closed, a new Coordinator is needed.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	state       State
	remote      string
	session     *webrtcpeer.Session
	transportUp bool
	err         error
	done        chan struct{}

	// candMu serializes outbound candidate envelopes. Candidates found before
	// the local description went out are held so they follow it.
	candMu      sync.Mutex
	descSent    bool
	pendingCand []webrtc.ICECandidateInit
}

func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = webrtcpeer.DefaultGatherTimeout
	}
	return &Coordinator{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "negotiation"),
		done: make(chan struct{}),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remote is the bound remote party id, empty while Idle.
func (c *Coordinator) Remote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Session returns the peer session once one exists.
func (c *Coordinator) Session() *webrtcpeer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Done is closed when the coordinator reaches StateClosed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err reports why the coordinator closed. It is nil for an explicit Close.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start runs the initiator path toward remoteID: acquire media, create the
// session and chat channel, create the offer, wait for gathering, filter and
// send it. It returns once the offer is sent.
func (c *Coordinator) Start(ctx context.Context, remoteID string) error {
	if err := c.begin(remoteID, StateOfferPreparing); err != nil {
		return err
	}

	sess, err := c.prepareSession(ctx)
	if err != nil {
		return c.fail(err)
	}

	if _, err := sess.CreateChatDataChannel(); err != nil {
		return c.fail(err)
	}
	if fn := c.cfg.OnDataChannel; fn != nil {
		fn(sess.DataChannel())
	}

	offer, err := sess.CreateOffer(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := c.sendDescription(remoteID, offer); err != nil {
		return c.fail(err)
	}
	if !c.transition(StateOfferPreparing, StateOfferSent) {
		return ErrClosed
	}
	c.flushCandidates()
	return nil
}

// HandleSignal applies one inbound signal from the relay. Envelopes that do
// not fit the current state are logged, counted and dropped; the only
// non-nil results are ErrSessionActive for an offer that arrives while
// another session exists, and failures that closed the coordinator.
func (c *Coordinator) HandleSignal(ctx context.Context, from string, sig *signaling.Signal) error {
	if sig == nil {
		c.ignore(from, "", "missing data")
		return nil
	}

	c.mu.Lock()
	state, remote, sess := c.state, c.remote, c.session
	c.mu.Unlock()

	if remote != "" && from != remote {
		c.ignore(from, sig.Type, "not the bound remote")
		return nil
	}

	switch sig.Type {
	case signaling.SignalTypeOffer:
		if state != StateIdle {
			c.ignore(from, sig.Type, "session active")
			return ErrSessionActive
		}
		return c.answer(ctx, from, sig.SDP)

	case signaling.SignalTypeAnswer:
		if state != StateOfferSent || sess == nil {
			c.ignore(from, sig.Type, "no offer outstanding")
			return nil
		}
		return c.applyAnswer(sess, sig.SDP)

	case signaling.SignalTypeCandidate:
		if sess == nil || state == StateClosed || sig.Candidate == nil {
			c.ignore(from, sig.Type, "no session")
			return nil
		}
		if err := sess.AddICECandidate(sig.Candidate.ToPion()); err != nil {
			c.log.Debug("dropping remote candidate", "from", from, "state", state, "err", err)
		}
		return nil

	default:
		c.ignore(from, sig.Type, "unknown signal type")
		return nil
	}
}

// answer is the receiver path, entered from Idle on an inbound offer.
func (c *Coordinator) answer(ctx context.Context, from string, sdp *signaling.SessionDescription) error {
	if err := c.begin(from, StateOfferReceived); err != nil {
		return err
	}

	remoteOffer, err := sdp.ToPion()
	if err != nil {
		return c.fail(err)
	}

	sess, err := c.prepareSession(ctx)
	if err != nil {
		return c.fail(err)
	}
	sess.OnDataChannel(func(dc *webrtc.DataChannel) {
		if fn := c.cfg.OnDataChannel; fn != nil {
			fn(dc)
		}
	})

	if err := sess.SetRemoteDescription(remoteOffer); err != nil {
		return c.fail(err)
	}
	if !c.transition(StateOfferReceived, StateAnswerPreparing) {
		return ErrClosed
	}

	localAnswer, err := sess.CreateAnswer(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := c.sendDescription(from, localAnswer); err != nil {
		return c.fail(err)
	}
	if !c.transition(StateAnswerPreparing, StateAnswerSent) {
		return ErrClosed
	}
	c.flushCandidates()
	c.maybeConnected()
	return nil
}

func (c *Coordinator) applyAnswer(sess *webrtcpeer.Session, sdp *signaling.SessionDescription) error {
	remoteAnswer, err := sdp.ToPion()
	if err != nil {
		return c.fail(err)
	}
	if err := sess.SetRemoteDescription(remoteAnswer); err != nil {
		return c.fail(err)
	}
	if !c.transition(StateOfferSent, StateAnswerReceived) {
		return ErrClosed
	}
	c.maybeConnected()
	return nil
}

// prepareSession acquires media, then creates the session with its tracks
// registered so the description covers them.
func (c *Coordinator) prepareSession(ctx context.Context) (*webrtcpeer.Session, error) {
	var tracks []webrtc.TrackLocal
	if c.cfg.Media != nil {
		var err error
		tracks, err = c.cfg.Media.Tracks(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
	}

	sess, err := webrtcpeer.NewSession(c.cfg.API, webrtcpeer.SessionConfig{
		ICEServers:    c.cfg.ICEServers,
		GatherTimeout: c.cfg.GatherTimeout,
		Logger:        c.log,
		OnClose:       func() { c.closeWith(ErrTransportFailed) },
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = sess.Close()
		return nil, ErrClosed
	}
	c.session = sess
	c.mu.Unlock()

	for _, track := range tracks {
		if err := sess.AddTrack(track); err != nil {
			return nil, err
		}
	}

	sess.OnICECandidate(c.handleLocalCandidate)
	sess.OnConnectionStateChange(c.handleConnectionState)
	if fn := c.cfg.OnTrack; fn != nil {
		sess.PeerConnection().OnTrack(fn)
	}
	return sess, nil
}

func (c *Coordinator) sendDescription(to string, desc webrtc.SessionDescription) error {
	desc.SDP = sdpfilter.Apply(c.cfg.Codecs, desc.SDP)
	sd := signaling.SessionDescriptionFromPion(desc)

	var env signaling.Envelope
	if desc.Type == webrtc.SDPTypeOffer {
		env = signaling.Offer(to, sd)
	} else {
		env = signaling.Answer(to, sd)
	}
	if err := c.cfg.Signaler.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", desc.Type, err)
	}

	c.candMu.Lock()
	c.descSent = true
	c.candMu.Unlock()
	return nil
}

func (c *Coordinator) handleLocalCandidate(cand webrtc.ICECandidateInit) {
	c.candMu.Lock()
	defer c.candMu.Unlock()
	if !c.descSent {
		c.pendingCand = append(c.pendingCand, cand)
		return
	}
	c.sendCandidate(cand)
}

func (c *Coordinator) flushCandidates() {
	c.candMu.Lock()
	defer c.candMu.Unlock()
	for _, cand := range c.pendingCand {
		c.sendCandidate(cand)
	}
	c.pendingCand = nil
}

// sendCandidate must be called with candMu held.
func (c *Coordinator) sendCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	remote, closed := c.remote, c.state == StateClosed
	c.mu.Unlock()
	if closed || remote == "" {
		return
	}
	if err := c.cfg.Signaler.Send(signaling.CandidateSignal(remote, signaling.CandidateFromPion(cand))); err != nil {
		c.log.Warn("failed to send local candidate", "to", remote, "err", err)
		return
	}
	c.cfg.Metrics.Inc(metrics.NegotiationCandidates)
}

func (c *Coordinator) handleConnectionState(s webrtc.PeerConnectionState) {
	c.log.Debug("peer connection state", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		c.transportUp = true
		c.mu.Unlock()
		c.maybeConnected()
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		c.closeWith(ErrTransportFailed)
	}
}

func (c *Coordinator) maybeConnected() {
	c.mu.Lock()
	if !c.transportUp || !c.state.awaitsTransport() {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	fn := c.cfg.OnState
	c.mu.Unlock()

	c.cfg.Metrics.Inc(metrics.NegotiationConnected)
	c.log.Info("peer connected", "remote", c.Remote())
	if fn != nil {
		fn(StateConnected)
	}
}

// begin binds remote and leaves Idle. The check and the move happen under
// one lock so a second start cannot slip in while the first is preparing.
func (c *Coordinator) begin(remote string, to State) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.remote = remote
	c.state = to
	fn := c.cfg.OnState
	c.mu.Unlock()

	c.cfg.Metrics.Inc(metrics.NegotiationStarted)
	c.log.Debug("negotiation state", "from", StateIdle.String(), "to", to.String(), "remote", remote)
	if fn != nil {
		fn(to)
	}
	return nil
}

// transition moves from -> to. It fails when the coordinator left from in
// the meantime, which only happens when it was closed.
func (c *Coordinator) transition(from, to State) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	fn := c.cfg.OnState
	c.mu.Unlock()

	c.log.Debug("negotiation state", "from", from.String(), "to", to.String())
	if fn != nil {
		fn(to)
	}
	return true
}

func (c *Coordinator) ignore(from string, typ signaling.SignalType, reason string) {
	c.cfg.Metrics.Inc(metrics.NegotiationIgnored)
	c.log.Debug("ignoring signal", "state", c.State().String(), "type", string(typ), "from", from, "reason", reason)
}

// fail closes the coordinator with err and returns it. When the coordinator
// was already closed, the earlier cause wins and nothing is reported: the
// step most likely failed because the session went away underneath it.
func (c *Coordinator) fail(err error) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.cfg.Metrics.Inc(metrics.NegotiationFailed)
	c.log.Warn("negotiation failed", "remote", c.Remote(), "err", err)
	c.closeWith(err)
	if errors.Is(err, webrtcpeer.ErrSessionClosed) {
		return ErrClosed
	}
	return err
}

// ChannelLost ends the negotiation after the relay connection dropped.
func (c *Coordinator) ChannelLost() {
	c.closeWith(ErrChannelLost)
}

// Close moves to StateClosed from any state, releasing the session. It is
// safe to call repeatedly and from any goroutine.
func (c *Coordinator) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Coordinator) closeWith(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	c.err = cause
	sess := c.session
	fn := c.cfg.OnState
	close(c.done)
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if cause != nil {
		c.log.Info("negotiation closed", "from", prev.String(), "err", cause)
	} else {
		c.log.Debug("negotiation closed", "from", prev.String())
	}
	if fn != nil {
		fn(StateClosed)
	}
}
