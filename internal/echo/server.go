// Package echo implements the HTTP offer/answer exchange with the echo
// endpoint: the server answers a posted offer and echoes the chat channel and
// media back, the client side posts a filtered offer and applies the answer.
package echo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/datachannel"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/sdpfilter"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/webrtcpeer"
)

const maxOfferBodyBytes = 1 << 20

// OfferRequest is the body of POST /offer.
type OfferRequest struct {
	SDP            string `json:"sdp"`
	Type           string `json:"type"`
	VideoTransform string `json:"video_transform,omitempty"`
}

// Answer is the body of a successful POST /offer response.
type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

func (r OfferRequest) validate() error {
	if r.Type != webrtc.SDPTypeOffer.String() {
		return fmt.Errorf("type must be %q, got %q", webrtc.SDPTypeOffer, r.Type)
	}
	if r.SDP == "" {
		return errors.New("missing sdp")
	}
	if r.VideoTransform != "" && !config.IsVideoTransform(r.VideoTransform) {
		return fmt.Errorf("unsupported video_transform %q", r.VideoTransform)
	}
	return sdpfilter.Validate(r.SDP)
}

// Server answers offers posted to /offer. Each offer gets its own session,
// which echoes the chat channel and loops received media back to the client.
// A session lives until its transport fails or the server is closed.
type Server struct {
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	gatherTimeout time.Duration
	metrics       *metrics.Metrics
	log           *slog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*webrtcpeer.Session
}

func NewServer(api *webrtc.API, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		api:           api,
		iceServers:    cfg.PeerConnectionICEServers(),
		gatherTimeout: cfg.ICEGatherTimeout,
		metrics:       m,
		log:           logger,
		sessions:      make(map[string]*webrtcpeer.Session),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httpserver.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req OfferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBodyBytes)).Decode(&req); err != nil {
		s.metrics.Inc(metrics.EchoOfferErrors)
		httpserver.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := req.validate(); err != nil {
		s.metrics.Inc(metrics.EchoOfferErrors)
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	log := s.log.With("echo_session", id, "remote", r.RemoteAddr)
	transform := req.VideoTransform
	if transform == "" {
		transform = config.DefaultVideoTransform
	}
	log.Info("echo offer received", "video_transform", transform)

	sess, lb, err := s.newSession(id, log)
	if err != nil {
		s.metrics.Inc(metrics.EchoOfferErrors)
		log.Error("create echo session", "err", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	answer, status, err := s.answer(r, sess, lb, req)
	if err != nil {
		_ = sess.Close()
		s.metrics.Inc(metrics.EchoOfferErrors)
		log.Warn("echo offer failed", "err", err)
		httpserver.WriteError(w, status, err.Error())
		return
	}

	s.metrics.Inc(metrics.EchoOffers)
	httpserver.WriteJSON(w, http.StatusOK, Answer{SDP: answer.SDP, Type: answer.Type.String()})
}

func (s *Server) answer(r *http.Request, sess *webrtcpeer.Session, lb *loopback, req OfferRequest) (webrtc.SessionDescription, int, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}
	if err := sess.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, http.StatusBadRequest, err
	}
	if err := lb.prepare(sess, req.SDP); err != nil {
		return webrtc.SessionDescription{}, http.StatusInternalServerError, err
	}
	answer, err := sess.CreateAnswer(r.Context())
	switch {
	case errors.Is(err, webrtcpeer.ErrGatheringTimeout):
		return webrtc.SessionDescription{}, http.StatusServiceUnavailable, err
	case err != nil:
		return webrtc.SessionDescription{}, http.StatusInternalServerError, err
	}
	return answer, http.StatusOK, nil
}

func (s *Server) newSession(id string, log *slog.Logger) (*webrtcpeer.Session, *loopback, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, errors.New("echo server closed")
	}

	sess, err := webrtcpeer.NewSession(s.api, webrtcpeer.SessionConfig{
		ICEServers:    s.iceServers,
		GatherTimeout: s.gatherTimeout,
		Logger:        log,
		OnClose:       func() { s.forget(id) },
	})
	if err != nil {
		return nil, nil, err
	}

	sess.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("echo connection state", "state", state.String())
	})
	sess.OnDataChannel(func(dc *webrtc.DataChannel) {
		datachannel.ServeEcho(dc, log)
	})
	lb := newLoopback(log)
	sess.PeerConnection().OnTrack(lb.handleTrack)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, lb, nil
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sessions reports how many echo sessions are live.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close closes every live session and rejects further offers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*webrtcpeer.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
}
