package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/datachannel"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/webrtcpeer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	mk := func(ip string) *webrtc.API {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		se := webrtc.SettingEngine{}
		se.SetNet(n)
		se.LoggerFactory = webrtcpeer.NewLoggerFactory(discardLogger())
		me := &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err != nil {
			t.Fatalf("register codecs: %v", err)
		}
		return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me))
	}
	a, b := mk("10.0.0.1"), mk("10.0.0.2")
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return a, b
}

func startRelay(t *testing.T) string {
	t.Helper()
	hub, err := relay.NewHub(config.Config{}, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testAgent struct {
	*Agent
	events chan Event
	cancel context.CancelFunc
	runErr chan error
}

func startAgent(t *testing.T, url, name string, cfg Config) *testAgent {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := signaling.Dial(ctx, url, signaling.DialOptions{Name: name, Logger: discardLogger()})
	if err != nil {
		cancel()
		t.Fatalf("dial %s: %v", name, err)
	}

	events := make(chan Event, 256)
	cfg.Channel = ch
	cfg.Logger = discardLogger()
	cfg.OnEvent = func(e Event) {
		select {
		case events <- e:
		default:
		}
	}
	ta := &testAgent{Agent: New(cfg), events: events, cancel: cancel, runErr: make(chan error, 1)}
	go func() { ta.runErr <- ta.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = ta.Close()
	})
	return ta
}

func (a *testAgent) waitEvent(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(15 * time.Second)
	for {
		select {
		case e := <-a.events:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// waitRoster blocks until the agent sees n other users.
func (a *testAgent) waitRoster(t *testing.T, n int) []presence.Entry {
	t.Helper()
	e := a.waitEvent(t, "roster", func(e Event) bool { return e.Kind == EventRoster && len(e.Users) == n })
	return e.Users
}

func TestAgent_RequestAcceptChat(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	url := startRelay(t)
	m := metrics.New()

	alice := startAgent(t, url, "alice", Config{API: apiA, PingInterval: 50 * time.Millisecond, Metrics: m})
	alice.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })
	bob := startAgent(t, url, "bob", Config{API: apiB, AutoAccept: true, PingInterval: 50 * time.Millisecond})
	bob.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })

	users := alice.waitRoster(t, 1)
	if users[0].Name != "bob" || users[0].ID != bob.Self() {
		t.Fatalf("alice roster=%+v", users)
	}

	if err := alice.RequestPeer(bob.Self()); err != nil {
		t.Fatalf("RequestPeer: %v", err)
	}
	req := bob.waitEvent(t, "incoming request", func(e Event) bool { return e.Kind == EventIncomingRequest })
	if req.Peer.ID != alice.Self() || req.Peer.Name != "alice" {
		t.Fatalf("incoming request=%+v", req.Peer)
	}
	alice.waitEvent(t, "accepted", func(e Event) bool { return e.Kind == EventRequestAccepted })

	connected := func(e Event) bool { return e.Kind == EventState && e.State == negotiation.StateConnected }
	alice.waitEvent(t, "alice connected", connected)
	bob.waitEvent(t, "bob connected", connected)
	if alice.Remote() != bob.Self() || bob.Remote() != alice.Self() {
		t.Fatalf("remotes: alice->%s bob->%s", alice.Remote(), bob.Remote())
	}

	// The channel opens asynchronously after the transport comes up.
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := alice.Chat("hi bob")
		if err == nil {
			break
		}
		if !errors.Is(err, datachannel.ErrNotOpen) || time.Now().After(deadline) {
			t.Fatalf("Chat: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	chat := bob.waitEvent(t, "chat", func(e Event) bool { return e.Kind == EventChat })
	if chat.Text != "hi bob" {
		t.Fatalf("chat=%q", chat.Text)
	}
	alice.waitEvent(t, "rtt", func(e Event) bool { return e.Kind == EventRTT })

	// A third party is turned away while the session is up.
	if err := bob.RequestPeer(alice.Self()); !errors.Is(err, negotiation.ErrSessionActive) {
		t.Fatalf("RequestPeer during session err=%v, want ErrSessionActive", err)
	}

	if err := alice.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	closed := func(e Event) bool { return e.Kind == EventState && e.State == negotiation.StateClosed }
	alice.waitEvent(t, "alice closed", closed)
	bob.waitEvent(t, "bob closed", closed)

	if got := m.Get(metrics.NegotiationConnected); got != 1 {
		t.Fatalf("connected metric=%d, want 1", got)
	}
}

func TestAgent_PrompterDeclines(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	url := startRelay(t)

	alice := startAgent(t, url, "alice", Config{API: apiA})
	alice.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })
	asked := make(chan signaling.User, 1)
	bob := startAgent(t, url, "bob", Config{
		API: apiB,
		Prompter: PrompterFunc(func(_ context.Context, from signaling.User) bool {
			asked <- from
			return false
		}),
	})
	bob.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })
	alice.waitRoster(t, 1)

	if err := alice.RequestPeer(bob.Self()); err != nil {
		t.Fatalf("RequestPeer: %v", err)
	}
	select {
	case from := <-asked:
		if from.ID != alice.Self() {
			t.Fatalf("prompted for %+v", from)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("prompter never asked")
	}
	alice.waitEvent(t, "declined", func(e Event) bool { return e.Kind == EventRequestDeclined })

	if alice.State() != negotiation.StateIdle {
		t.Fatalf("state=%s, want idle", alice.State())
	}
	// The request slot is free again.
	if err := alice.RequestPeer(bob.Self()); err != nil {
		t.Fatalf("second RequestPeer: %v", err)
	}
}

func TestAgent_RequestExpires(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	url := startRelay(t)
	m := metrics.New()

	alice := startAgent(t, url, "alice", Config{API: apiA, HandshakeTimeout: 100 * time.Millisecond, Metrics: m})
	alice.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })
	// bob neither auto-accepts nor prompts, so the request sits unanswered.
	bob := startAgent(t, url, "bob", Config{API: apiB, HandshakeTimeout: time.Hour})
	bob.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })
	alice.waitRoster(t, 1)

	if err := alice.RequestPeer(bob.Self()); err != nil {
		t.Fatalf("RequestPeer: %v", err)
	}
	if err := alice.RequestPeer(bob.Self()); !errors.Is(err, presence.ErrRequestPending) {
		t.Fatalf("duplicate RequestPeer err=%v, want ErrRequestPending", err)
	}

	e := alice.waitEvent(t, "expired", func(e Event) bool { return e.Kind == EventRequestExpired })
	if !e.Outgoing || e.Peer.ID != bob.Self() {
		t.Fatalf("expired event=%+v", e)
	}
	if got := m.Get(metrics.HandshakeTimeouts); got != 1 {
		t.Fatalf("handshake timeouts=%d, want 1", got)
	}
	if pending := bob.IncomingRequests(); len(pending) != 1 || pending[0].Peer.ID != alice.Self() {
		t.Fatalf("bob pending=%+v", pending)
	}

	// A late accept must not revive the expired request on either side.
	if err := bob.Accept(alice.Self()); err != nil {
		t.Fatalf("late Accept: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if alice.State() != negotiation.StateIdle || alice.Remote() != "" {
		t.Fatalf("alice state=%s remote=%q, want idle with no remote", alice.State(), alice.Remote())
	}
	if bob.State() != negotiation.StateIdle || bob.Remote() != "" {
		t.Fatalf("bob state=%s remote=%q, want idle with no remote", bob.State(), bob.Remote())
	}
}

func TestAgent_Errors(t *testing.T) {
	api, _ := newVNetAPIs(t)
	url := startRelay(t)

	a := startAgent(t, url, "solo", Config{API: api})
	a.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })

	if err := a.RequestPeer("nobody"); !errors.Is(err, presence.ErrUnknownPeer) {
		t.Fatalf("RequestPeer unknown err=%v", err)
	}
	if err := a.RequestPeer(a.Self()); !errors.Is(err, presence.ErrSelf) {
		t.Fatalf("RequestPeer self err=%v", err)
	}
	if err := a.Accept("nobody"); !errors.Is(err, presence.ErrNoRequest) {
		t.Fatalf("Accept err=%v", err)
	}
	if err := a.Chat("hello"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Chat err=%v", err)
	}
	if err := a.Stop(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Stop err=%v", err)
	}
}

func TestAgent_RunEndsWhenRelayCloses(t *testing.T) {
	api, _ := newVNetAPIs(t)
	url := startRelay(t)

	a := startAgent(t, url, "solo", Config{API: api})
	a.waitEvent(t, "joined", func(e Event) bool { return e.Kind == EventJoined })

	_ = a.cfg.Channel.Close()
	select {
	case err := <-a.runErr:
		if !errors.Is(err, signaling.ErrChannelClosed) {
			t.Fatalf("Run err=%v, want ErrChannelClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	if a.Self() != "" {
		t.Fatalf("directory not reset: self=%q", a.Self())
	}
}

func TestEventKindString(t *testing.T) {
	if EventChat.String() != "chat" || EventKind(99).String() != "unknown" {
		t.Fatalf("unexpected names")
	}
}
