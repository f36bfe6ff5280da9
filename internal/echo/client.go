package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/datachannel"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/sdpfilter"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/webrtcpeer"
)

var ErrOfferRejected = errors.New("echo: offer rejected")

type Client struct {
	URL  string
	HTTP *http.Client
}

func NewClient(url string) *Client {
	return &Client{URL: url, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Offer posts req and returns the server's answer.
func (c *Client) Offer(ctx context.Context, req OfferRequest) (Answer, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Answer{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Answer{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Answer{}, fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return Answer{}, fmt.Errorf("%w: %s: %s", ErrOfferRejected, resp.Status, e.Error)
	}

	var ans Answer
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		return Answer{}, fmt.Errorf("decode answer: %w", err)
	}
	if ans.Type != webrtc.SDPTypeAnswer.String() || ans.SDP == "" {
		return Answer{}, fmt.Errorf("%w: response is not an answer (type %q)", ErrOfferRejected, ans.Type)
	}
	return ans, nil
}

type RunConfig struct {
	API           *webrtc.API
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Client        *Client
	// Media may be nil for a chat-only session.
	Media          negotiation.MediaSource
	Codecs         []sdpfilter.Preference
	VideoTransform string

	PingInterval time.Duration
	Handlers     datachannel.Handlers
	// OnTrack receives the media the endpoint loops back. Unset, it is
	// read and discarded.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	Logger  *slog.Logger
}

// Link is an established echo session.
type Link struct {
	session *webrtcpeer.Session
	conn    *datachannel.Conn
}

// Run negotiates a session with the echo endpoint: local media first, then
// the chat channel, a fully gathered offer filtered by cfg.Codecs, and
// finally the server's answer.
func Run(ctx context.Context, cfg RunConfig) (*Link, error) {
	if cfg.Client == nil {
		return nil, errors.New("echo: missing client")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var tracks []webrtc.TrackLocal
	if cfg.Media != nil {
		var err error
		tracks, err = cfg.Media.Tracks(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", negotiation.ErrMediaUnavailable, err)
		}
	}

	sess, err := webrtcpeer.NewSession(cfg.API, webrtcpeer.SessionConfig{
		ICEServers:    cfg.ICEServers,
		GatherTimeout: cfg.GatherTimeout,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	sess.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("echo connection state", "state", state.String())
	})
	onTrack := cfg.OnTrack
	if onTrack == nil {
		onTrack = func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { go drain(track) }
	}
	sess.PeerConnection().OnTrack(onTrack)

	link, err := negotiate(ctx, cfg, sess, tracks, log)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return link, nil
}

func negotiate(ctx context.Context, cfg RunConfig, sess *webrtcpeer.Session, tracks []webrtc.TrackLocal, log *slog.Logger) (*Link, error) {
	for _, t := range tracks {
		if err := sess.AddTrack(t); err != nil {
			return nil, err
		}
	}

	dc, err := sess.CreateChatDataChannel()
	if err != nil {
		return nil, err
	}
	conn := datachannel.NewConn(dc, datachannel.Options{
		PingInterval: cfg.PingInterval,
		Handlers:     cfg.Handlers,
		Logger:       log,
	})

	offer, err := sess.CreateOffer(ctx)
	if err != nil {
		return nil, err
	}
	filtered := sdpfilter.Apply(cfg.Codecs, offer.SDP)

	ans, err := cfg.Client.Offer(ctx, OfferRequest{
		SDP:            filtered,
		Type:           offer.Type.String(),
		VideoTransform: cfg.VideoTransform,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ans.SDP}); err != nil {
		return nil, err
	}
	log.Info("echo answer applied", "tracks", len(tracks))
	return &Link{session: sess, conn: conn}, nil
}

func (l *Link) Session() *webrtcpeer.Session { return l.session }

// Chat sends text over the chat channel.
func (l *Link) Chat(text string) error { return l.conn.SendChat(text) }

func (l *Link) Done() <-chan struct{} { return l.session.Done() }

func (l *Link) Close() error {
	_ = l.conn.Close()
	return l.session.Close()
}
