package datachannel

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type fakeChannel struct {
	mu      sync.Mutex
	state   webrtc.DataChannelState
	sent    []string
	onOpen  func()
	onClose func()
	onMsg   func(webrtc.DataChannelMessage)
}

func (f *fakeChannel) Label() string { return "chat" }

func (f *fakeChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) SendText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.DataChannelStateOpen {
		return errors.New("closed")
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeChannel) OnOpen(fn func())                             { f.onOpen = fn }
func (f *fakeChannel) OnClose(fn func())                            { f.onClose = fn }
func (f *fakeChannel) OnMessage(fn func(webrtc.DataChannelMessage)) { f.onMsg = fn }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateClosed
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) open() {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateOpen
	f.mu.Unlock()
	f.onOpen()
}

func (f *fakeChannel) deliver(text string) {
	f.onMsg(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in      string
		kind    Kind
		payload string
	}{
		{in: "[custom]hello", kind: KindChat, payload: "hello"},
		{in: "[custom]", kind: KindChat, payload: ""},
		{in: "pong", kind: KindPong, payload: ""},
		{in: "pong 1700000000000", kind: KindPong, payload: "1700000000000"},
		{in: "ping 1700000000000", kind: KindPing, payload: "1700000000000"},
		{in: "pingx", kind: KindLog, payload: "pingx"},
		{in: "hello [custom]", kind: KindLog, payload: "hello [custom]"},
		{in: "", kind: KindLog, payload: ""},
	}
	for _, tc := range cases {
		kind, payload := Classify(tc.in)
		if kind != tc.kind || payload != tc.payload {
			t.Errorf("Classify(%q)=(%s,%q), want (%s,%q)", tc.in, kind, payload, tc.kind, tc.payload)
		}
	}
}

func TestEchoReply(t *testing.T) {
	if got, ok := EchoReply("[custom]hi"); !ok || got != "[custom]hi" {
		t.Fatalf("chat echo=(%q,%v)", got, ok)
	}
	if got, ok := EchoReply("ping 1700000000000"); !ok || got != "pong 1700000000000" {
		t.Fatalf("ping reply=(%q,%v)", got, ok)
	}
	if _, ok := EchoReply("pong 1"); ok {
		t.Fatalf("pong must not be answered")
	}
	if _, ok := EchoReply("random"); ok {
		t.Fatalf("log text must not be answered")
	}
}

func TestConn_SendChatRequiresOpen(t *testing.T) {
	ch := &fakeChannel{state: webrtc.DataChannelStateConnecting}
	c := NewConn(ch, Options{PingInterval: -1, Logger: discardLogger()})

	if err := c.SendChat("early"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err=%v, want ErrNotOpen", err)
	}
	if len(ch.sentMessages()) != 0 {
		t.Fatalf("message was queued: %v", ch.sentMessages())
	}

	ch.open()
	if err := c.SendChat("hi"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if got := ch.sentMessages(); len(got) != 1 || got[0] != "[custom]hi" {
		t.Fatalf("sent=%v", got)
	}
}

func TestConn_DispatchesMessages(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_500)
	var (
		chats []string
		logs  []string
		rtts  []time.Duration
	)
	ch := &fakeChannel{state: webrtc.DataChannelStateConnecting}
	NewConn(ch, Options{
		PingInterval: -1,
		AnswerPings:  true,
		Logger:       discardLogger(),
		Now:          func() time.Time { return now },
		Handlers: Handlers{
			OnChat: func(s string) { chats = append(chats, s) },
			OnLog:  func(s string) { logs = append(logs, s) },
			OnRTT:  func(d time.Duration) { rtts = append(rtts, d) },
		},
	})
	ch.open()

	ch.deliver("[custom]hello")
	ch.deliver("something else")
	ch.deliver("pong 1700000000000")
	ch.deliver("pong")
	ch.deliver("ping 1700000000123")

	if len(chats) != 1 || chats[0] != "hello" {
		t.Fatalf("chats=%v", chats)
	}
	if len(logs) != 1 || logs[0] != "something else" {
		t.Fatalf("logs=%v", logs)
	}
	// The bare pong has no stamp and no ping was sent, so only one RTT.
	if len(rtts) != 1 || rtts[0] != 500*time.Millisecond {
		t.Fatalf("rtts=%v", rtts)
	}
	if got := ch.sentMessages(); len(got) != 1 || got[0] != "pong 1700000000123" {
		t.Fatalf("sent=%v, want pong reply", got)
	}
}

func TestConn_KeepaliveStopsOnClose(t *testing.T) {
	ch := &fakeChannel{state: webrtc.DataChannelStateConnecting}
	opened := make(chan struct{})
	c := NewConn(ch, Options{
		PingInterval: 10 * time.Millisecond,
		Logger:       discardLogger(),
		Handlers:     Handlers{OnOpen: func() { close(opened) }},
	})
	ch.open()
	<-opened

	deadline := time.Now().Add(2 * time.Second)
	for len(ch.sentMessages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no keepalive pings sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, msg := range ch.sentMessages() {
		if kind, payload := Classify(msg); kind != KindPing {
			t.Fatalf("unexpected keepalive %q", msg)
		} else if _, ok := ParseStamp(payload); !ok {
			t.Fatalf("ping %q has no timestamp", msg)
		}
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.SendChat("late"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err=%v, want ErrNotOpen after close", err)
	}
}

func TestConn_RTTFallsBackToLastPing(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var rtts []time.Duration
	ch := &fakeChannel{state: webrtc.DataChannelStateOpen}
	c := NewConn(ch, Options{
		PingInterval: -1,
		Logger:       discardLogger(),
		Now:          func() time.Time { return now },
		Handlers:     Handlers{OnRTT: func(d time.Duration) { rtts = append(rtts, d) }},
	})
	c.mu.Lock()
	c.lastPing = now.Add(-42 * time.Millisecond)
	c.mu.Unlock()

	ch.deliver("pong")
	// A stamp from the future is not trusted either.
	ch.deliver("pong 1700000009999")

	if len(rtts) != 2 || rtts[0] != 42*time.Millisecond || rtts[1] != 42*time.Millisecond {
		t.Fatalf("rtts=%v, want [42ms 42ms]", rtts)
	}
}

func TestServeEcho(t *testing.T) {
	ch := &fakeChannel{state: webrtc.DataChannelStateOpen}
	ServeEcho(ch, discardLogger())

	ch.deliver("[custom]hi")
	ch.deliver("ping 1700000000000")
	ch.deliver("noise")
	ch.onMsg(webrtc.DataChannelMessage{Data: []byte{1, 2}})

	got := ch.sentMessages()
	if len(got) != 2 || got[0] != "[custom]hi" || got[1] != "pong 1700000000000" {
		t.Fatalf("sent=%v", got)
	}
}
