// Package peer is the client agent: it joins the relay, keeps the presence
// directory current, runs the request/accept handshake and owns at most one
// negotiated session with its chat channel.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/datachannel"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/sdpfilter"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

const (
	expiryInterval  = time.Second
	linkQueueLength = 64

	declineBusy    = "busy"
	declineTimeout = "timeout"
)

var ErrNoSession = errors.New("peer: no active session")

// Channel is the relay connection. *signaling.Channel implements it.
type Channel interface {
	Send(env signaling.Envelope) error
	Events() <-chan signaling.Envelope
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Config struct {
	Channel Channel

	API           *webrtc.API
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Media         negotiation.MediaSource
	Codecs        []sdpfilter.Preference

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// AutoAccept accepts every incoming request without consulting Prompter.
	AutoAccept bool
	Prompter   Prompter
	// OnEvent must not block.
	OnEvent func(Event)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Agent struct {
	cfg Config
	log *slog.Logger
	dir *presence.Directory

	mu     sync.Mutex
	ctx    context.Context
	active *link
}

// link is one negotiation. Signals for it are applied in arrival order by a
// single worker so an answer never overtakes the offer it replies to.
type link struct {
	remote string
	coord  *negotiation.Coordinator
	work   chan func(context.Context)

	mu   sync.Mutex
	conn *datachannel.Conn
}

func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	return &Agent{
		cfg: cfg,
		log: cfg.Logger.With("component", "peer"),
		dir: presence.New(cfg.HandshakeTimeout),
		ctx: context.Background(),
	}
}

// Run processes relay envelopes until ctx is done or the relay connection
// ends. The active session, if any, is closed on return.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	events := a.cfg.Channel.Events()
	for {
		select {
		case <-ctx.Done():
			a.shutdown(negotiation.ErrClosed)
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				a.shutdown(negotiation.ErrChannelLost)
				if err := a.cfg.Channel.Err(); err != nil {
					return err
				}
				return signaling.ErrChannelClosed
			}
			a.handle(ctx, env)
		case <-ticker.C:
			a.expire()
		}
	}
}

func (a *Agent) handle(ctx context.Context, env signaling.Envelope) {
	switch env.Type {
	case signaling.MessageTypeSelfID:
		a.dir.SetSelf(env.ID)
		a.log.Info("joined relay", "id", env.ID)
		a.cfg.OnEvent(Event{Kind: EventJoined, Peer: signaling.User{ID: env.ID}})

	case signaling.MessageTypeUserList:
		a.dir.Replace(env.Users)
		a.cfg.OnEvent(Event{Kind: EventRoster, Users: a.dir.List()})

	case signaling.MessageTypePeerRequest:
		a.handleRequest(ctx, env)

	case signaling.MessageTypePeerAccept:
		p, ok := a.dir.HandleAccept(env.From)
		if !ok {
			a.log.Debug("ignoring unsolicited peer_accept", "from", env.From)
			return
		}
		a.cfg.OnEvent(Event{Kind: EventRequestAccepted, Peer: p.Peer})
		a.startOffer(env.From)

	case signaling.MessageTypePeerDecline:
		p, ok := a.dir.HandleDecline(env.From)
		if !ok {
			a.log.Debug("ignoring unsolicited peer_decline", "from", env.From)
			return
		}
		a.log.Info("request declined", "peer", env.From, "reason", env.Reason)
		a.cfg.OnEvent(Event{Kind: EventRequestDeclined, Peer: p.Peer, Text: env.Reason})

	case signaling.MessageTypeSignal:
		a.handleSignal(env)

	case signaling.MessageTypeError:
		a.log.Warn("relay error", "code", env.Code, "message", env.Message)
		a.cfg.OnEvent(Event{Kind: EventRelayError, Code: env.Code, Text: env.Message})

	default:
		a.log.Debug("ignoring envelope", "type", env.Type)
	}
}

func (a *Agent) handleRequest(ctx context.Context, env signaling.Envelope) {
	if a.hasSession() {
		a.log.Info("declining request while busy", "from", env.From)
		a.send(signaling.PeerDecline(env.From, declineBusy))
		return
	}

	p := a.dir.Incoming(env.From, env.FromName, a.cfg.Now())
	a.cfg.OnEvent(Event{Kind: EventIncomingRequest, Peer: p.Peer})

	switch {
	case a.cfg.AutoAccept:
		if err := a.Accept(env.From); err != nil {
			a.log.Warn("auto-accept failed", "from", env.From, "err", err)
		}
	case a.cfg.Prompter != nil:
		go func() {
			if a.cfg.Prompter.ConfirmRequest(ctx, p.Peer) {
				if err := a.Accept(p.Peer.ID); err != nil {
					a.log.Warn("accept failed", "from", p.Peer.ID, "err", err)
				}
				return
			}
			if err := a.Decline(p.Peer.ID, ""); err != nil {
				a.log.Debug("decline failed", "from", p.Peer.ID, "err", err)
			}
		}()
	}
}

func (a *Agent) handleSignal(env signaling.Envelope) {
	l := a.current()
	if l == nil {
		if env.Data == nil || env.Data.Type != signaling.SignalTypeOffer {
			a.cfg.Metrics.Inc(metrics.NegotiationIgnored)
			a.log.Debug("ignoring signal without session", "from", env.From)
			return
		}
		l = a.newLink(env.From)
		if l == nil {
			return
		}
	}

	from, sig := env.From, env.Data
	l.enqueue(func(ctx context.Context) {
		err := l.coord.HandleSignal(ctx, from, sig)
		if err != nil && !errors.Is(err, negotiation.ErrSessionActive) {
			a.log.Warn("signal failed", "from", from, "err", err)
		}
	})
}

func (a *Agent) startOffer(remote string) {
	l := a.newLink(remote)
	if l == nil {
		a.log.Warn("cannot start session, another is active", "remote", remote)
		return
	}
	l.enqueue(func(ctx context.Context) {
		if err := l.coord.Start(ctx, remote); err != nil {
			a.log.Warn("start session failed", "remote", remote, "err", err)
		}
	})
}

// newLink installs a fresh coordinator bound for remote. It returns nil when
// a session is already active.
func (a *Agent) newLink(remote string) *link {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil {
		return nil
	}

	l := &link{remote: remote, work: make(chan func(context.Context), linkQueueLength)}
	l.coord = negotiation.New(negotiation.Config{
		API:           a.cfg.API,
		ICEServers:    a.cfg.ICEServers,
		Signaler:      a.cfg.Channel,
		Media:         a.cfg.Media,
		Codecs:        a.cfg.Codecs,
		GatherTimeout: a.cfg.GatherTimeout,
		Logger:        a.cfg.Logger.With("remote", remote),
		Metrics:       a.cfg.Metrics,
		OnState: func(s negotiation.State) {
			a.cfg.OnEvent(Event{Kind: EventState, State: s, Peer: signaling.User{ID: remote}})
		},
		OnDataChannel: func(dc *webrtc.DataChannel) { a.attachChannel(l, dc) },
	})
	a.active = l

	go a.runLink(a.ctx, l)
	return l
}

func (a *Agent) runLink(ctx context.Context, l *link) {
	defer a.release(l)
	for {
		select {
		case fn := <-l.work:
			fn(ctx)
		case <-l.coord.Done():
			return
		case <-ctx.Done():
			_ = l.coord.Close()
			return
		}
	}
}

func (l *link) enqueue(fn func(context.Context)) {
	select {
	case l.work <- fn:
	case <-l.coord.Done():
	}
}

func (a *Agent) attachChannel(l *link, dc *webrtc.DataChannel) {
	conn := datachannel.NewConn(dc, datachannel.Options{
		PingInterval: a.cfg.PingInterval,
		AnswerPings:  true,
		Logger:       a.log,
		Handlers: datachannel.Handlers{
			OnChat: func(text string) {
				a.cfg.OnEvent(Event{Kind: EventChat, Peer: signaling.User{ID: l.remote}, Text: text})
			},
			OnLog: func(text string) {
				a.cfg.OnEvent(Event{Kind: EventLog, Peer: signaling.User{ID: l.remote}, Text: text})
			},
			OnRTT: func(rtt time.Duration) {
				a.cfg.OnEvent(Event{Kind: EventRTT, Peer: signaling.User{ID: l.remote}, RTT: rtt})
			},
		},
	})
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (a *Agent) release(l *link) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	a.mu.Lock()
	if a.active == l {
		a.active = nil
	}
	a.mu.Unlock()

	if err := l.coord.Err(); err != nil {
		a.log.Info("session ended", "remote", l.remote, "err", err)
	} else {
		a.log.Info("session ended", "remote", l.remote)
	}
}

func (a *Agent) current() *link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Agent) hasSession() bool {
	return a.current() != nil
}

func (a *Agent) expire() {
	exp := a.dir.Expire(a.cfg.Now())
	if exp.Outgoing != nil {
		a.cfg.Metrics.Inc(metrics.HandshakeTimeouts)
		a.log.Info("request timed out", "peer", exp.Outgoing.Peer.ID)
		a.cfg.OnEvent(Event{Kind: EventRequestExpired, Peer: exp.Outgoing.Peer, Outgoing: true})
	}
	for _, p := range exp.Incoming {
		a.send(signaling.PeerDecline(p.Peer.ID, declineTimeout))
		a.cfg.OnEvent(Event{Kind: EventRequestExpired, Peer: p.Peer})
	}
}

func (a *Agent) shutdown(cause error) {
	defer a.dir.Reset()
	l := a.current()
	if l == nil {
		return
	}
	if errors.Is(cause, negotiation.ErrChannelLost) {
		l.coord.ChannelLost()
	} else {
		_ = l.coord.Close()
	}
}

func (a *Agent) send(env signaling.Envelope) {
	if err := a.cfg.Channel.Send(env); err != nil {
		a.log.Warn("send failed", "type", env.Type, "to", env.To, "err", err)
	}
}

// RequestPeer asks id for a session. The offer is sent once id accepts.
func (a *Agent) RequestPeer(id string) error {
	if a.hasSession() {
		return negotiation.ErrSessionActive
	}
	if _, err := a.dir.Request(id, a.cfg.Now()); err != nil {
		return err
	}
	if err := a.cfg.Channel.Send(signaling.PeerRequest(id)); err != nil {
		a.dir.CancelOutgoing()
		return fmt.Errorf("send peer_request: %w", err)
	}
	return nil
}

// Accept answers an incoming request. The requester then sends the offer.
func (a *Agent) Accept(id string) error {
	if a.hasSession() {
		return negotiation.ErrSessionActive
	}
	if _, err := a.dir.Accept(id); err != nil {
		return err
	}
	return a.cfg.Channel.Send(signaling.PeerAccept(id))
}

func (a *Agent) Decline(id, reason string) error {
	if _, err := a.dir.Decline(id); err != nil {
		return err
	}
	return a.cfg.Channel.Send(signaling.PeerDecline(id, reason))
}

// Chat sends text to the connected peer.
func (a *Agent) Chat(text string) error {
	l := a.current()
	if l == nil {
		return ErrNoSession
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return datachannel.ErrNotOpen
	}
	return conn.SendChat(text)
}

// Stop closes the active session. The relay connection stays up.
func (a *Agent) Stop() error {
	l := a.current()
	if l == nil {
		return ErrNoSession
	}
	return l.coord.Close()
}

// State reports the active session's state, or Idle without one.
func (a *Agent) State() negotiation.State {
	l := a.current()
	if l == nil {
		return negotiation.StateIdle
	}
	return l.coord.State()
}

// Remote reports the peer of the active session.
func (a *Agent) Remote() string {
	l := a.current()
	if l == nil {
		return ""
	}
	return l.remote
}

func (a *Agent) Self() string { return a.dir.Self() }

func (a *Agent) Users() []presence.Entry { return a.dir.List() }

func (a *Agent) IncomingRequests() []presence.Pending { return a.dir.IncomingRequests() }

// Close ends the active session and the relay connection.
func (a *Agent) Close() error {
	if l := a.current(); l != nil {
		_ = l.coord.Close()
	}
	return a.cfg.Channel.Close()
}
