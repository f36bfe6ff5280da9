package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

type recordingCommands struct {
	calls []string
	err   error
}

func (r *recordingCommands) record(call string) error {
	r.calls = append(r.calls, call)
	return r.err
}

func (r *recordingCommands) Self() string { return "me" }
func (r *recordingCommands) Users() []presence.Entry {
	return []presence.Entry{{User: signaling.User{ID: "u1", Name: "alice"}}}
}
func (r *recordingCommands) IncomingRequests() []presence.Pending {
	return []presence.Pending{{Peer: signaling.User{ID: "u2", Name: "bob"}, At: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)}}
}
func (r *recordingCommands) RequestPeer(id string) error { return r.record("request " + id) }
func (r *recordingCommands) Accept(id string) error      { return r.record("accept " + id) }
func (r *recordingCommands) Decline(id, reason string) error {
	return r.record("decline " + id + " " + reason)
}
func (r *recordingCommands) Chat(text string) error { return r.record("say " + text) }
func (r *recordingCommands) Stop() error            { return r.record("stop") }

func TestConsole_DispatchesCommands(t *testing.T) {
	cmds := &recordingCommands{}
	var out bytes.Buffer
	c := &console{cmds: cmds, out: &out}

	in := strings.Join([]string{
		"",
		"list",
		"requests",
		"request u1",
		"accept u2",
		"decline u2 not now",
		"decline u3",
		"say  hello there ",
		"stop",
		"bogus",
		"request",
		"quit",
		"say never sent",
	}, "\n")
	if err := c.run(context.Background(), strings.NewReader(in)); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"request u1", "accept u2", "decline u2 not now", "decline u3 ", "say hello there", "stop"}
	if strings.Join(cmds.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls=%q, want %q", cmds.calls, want)
	}

	got := out.String()
	for _, s := range []string{
		"you are me",
		"u1  alice",
		"u2  bob  (since 12:30:00)",
		"request sent to u1",
		`unknown command "bogus"`,
		"usage: request <id>",
	} {
		if !strings.Contains(got, s) {
			t.Fatalf("output missing %q:\n%s", s, got)
		}
	}
}

func TestConsole_ReportsCommandErrors(t *testing.T) {
	cmds := &recordingCommands{err: errors.New("peer: no session")}
	var out bytes.Buffer
	c := &console{cmds: cmds, out: &out}

	if err := c.exec("say hi"); err == nil {
		t.Fatalf("expected error")
	}
	if err := c.run(context.Background(), strings.NewReader("stop\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "error: peer: no session") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestConsole_StopsOnContext(t *testing.T) {
	c := &console{cmds: &recordingCommands{}, out: &bytes.Buffer{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reader that never returns stands in for an idle terminal.
	pr, pw := io.Pipe()
	defer pw.Close()
	if err := c.run(ctx, pr); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestConsole_Events(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}

	bob := signaling.User{ID: "u2", Name: "bob"}
	c.event(peer.Event{Kind: peer.EventIncomingRequest, Peer: bob})
	c.event(peer.Event{Kind: peer.EventRequestDeclined, Peer: bob, Text: "busy"})
	c.event(peer.Event{Kind: peer.EventRequestExpired, Peer: bob, Outgoing: true})
	c.event(peer.Event{Kind: peer.EventState, Peer: bob, State: negotiation.StateConnected})
	c.event(peer.Event{Kind: peer.EventChat, Peer: bob, Text: "hi"})
	c.event(peer.Event{Kind: peer.EventRTT, Peer: bob, RTT: time.Millisecond})

	want := strings.Join([]string{
		"bob (u2) wants to connect: accept u2 / decline u2",
		"u2 declined: busy",
		"request to u2 timed out",
		"session with u2: " + negotiation.StateConnected.String(),
		"<u2> hi",
		"",
	}, "\n")
	if out.String() != want {
		t.Fatalf("output:\n%s\nwant:\n%s", out.String(), want)
	}
}
