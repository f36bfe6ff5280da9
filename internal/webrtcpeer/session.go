package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const DefaultGatherTimeout = 5 * time.Second

var (
	ErrGatheringTimeout = errors.New("webrtcpeer: ice gathering timed out")
	ErrSessionClosed    = errors.New("webrtcpeer: session closed")
)

type SessionConfig struct {
	ICEServers []webrtc.ICEServer
	// GatherTimeout bounds the wait for local candidate gathering after a
	// local description is set.
	GatherTimeout time.Duration
	Logger        *slog.Logger
	// OnClose runs once, after the PeerConnection is closed.
	OnClose func()
}

// Session owns one PeerConnection and its chat DataChannel.
//
// Transport failure (connection state failed or closed) closes the session.
// Close is idempotent and safe from any goroutine.
type Session struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
	log           *slog.Logger
	onClose       func()

	mu            sync.Mutex
	dc            *webrtc.DataChannel
	onState       func(webrtc.PeerConnectionState)
	onDataChannel func(*webrtc.DataChannel)

	done  chan struct{}
	close sync.Once
}

func NewSession(api *webrtc.API, cfg SessionConfig) (*Session, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &Session{
		pc:            pc,
		gatherTimeout: cfg.GatherTimeout,
		log:           cfg.Logger,
		onClose:       cfg.OnClose,
		done:          make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(state)
		}

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = s.Close()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateChatDataChannel(dc); err != nil {
			s.log.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}

		s.mu.Lock()
		if s.dc != nil {
			s.mu.Unlock()
			s.log.Warn("rejecting duplicate datachannel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		s.dc = dc
		fn := s.onDataChannel
		s.mu.Unlock()

		if fn != nil {
			fn(dc)
		}
	})

	return s, nil
}

func (s *Session) PeerConnection() *webrtc.PeerConnection {
	return s.pc
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// AddTrack registers a local media track. Tracks must be added before the
// offer or answer is created, otherwise the description omits their kind.
func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	return nil
}

// CreateChatDataChannel opens the chat channel from the offering side.
func (s *Session) CreateChatDataChannel() (*webrtc.DataChannel, error) {
	if s.closed() {
		return nil, ErrSessionClosed
	}
	dc, err := CreateChatDataChannel(s.pc)
	if err != nil {
		return nil, fmt.Errorf("create datachannel: %w", err)
	}
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
	return dc, nil
}

// DataChannel returns the chat channel, if one has been created or received.
func (s *Session) DataChannel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

// OnDataChannel registers fn for the remotely opened chat channel.
func (s *Session) OnDataChannel(fn func(*webrtc.DataChannel)) {
	s.mu.Lock()
	s.onDataChannel = fn
	s.mu.Unlock()
}

// OnConnectionStateChange registers fn for transport state changes. fn runs
// before the session reacts to a failed or closed state.
func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// OnICECandidate registers fn for every locally gathered candidate. The
// end-of-gathering nil candidate is not forwarded.
func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// CreateOffer creates an offer, applies it locally and waits for candidate
// gathering to complete. It returns the final local description.
func (s *Session) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return s.createLocal(ctx, webrtc.SDPTypeOffer)
}

// CreateAnswer is the answering counterpart of CreateOffer. The remote offer
// must already be applied.
func (s *Session) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return s.createLocal(ctx, webrtc.SDPTypeAnswer)
}

func (s *Session) createLocal(ctx context.Context, typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	if s.closed() {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	if typ == webrtc.SDPTypeOffer {
		desc, err = s.pc.CreateOffer(nil)
	} else {
		desc, err = s.pc.CreateAnswer(nil)
	}
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create %s: %w", typ, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local %s: %w", typ, err)
	}
	if err := s.awaitGathering(ctx, gatherComplete); err != nil {
		return webrtc.SessionDescription{}, err
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local %s: no local description", typ)
	}
	return *local, nil
}

// awaitGathering blocks until gatherComplete fires, the gathering timeout
// elapses, ctx is done or the session closes.
func (s *Session) awaitGathering(ctx context.Context, gatherComplete <-chan struct{}) error {
	timer := time.NewTimer(s.gatherTimeout)
	defer timer.Stop()

	select {
	case <-gatherComplete:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrGatheringTimeout, s.gatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// Close releases the PeerConnection and then runs OnClose. Only the first
// call does any work. It never holds the close guard while calling out, so
// OnClose and connection state handlers may call Close again.
func (s *Session) Close() error {
	first := false
	s.close.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return nil
	}

	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}

	err := s.pc.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}
