package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

var t0 = time.Unix(1_700_000_000, 0)

func roster() []signaling.User {
	return []signaling.User{
		{ID: "a1", Name: "alice"},
		{ID: "b1", Name: "bob"},
		{ID: "c1", Name: "carol"},
	}
}

func TestDirectory_ReplaceAndList(t *testing.T) {
	d := New(time.Second)
	d.SetSelf("a1")
	d.Replace(roster())

	list := d.List()
	if len(list) != 2 || list[0].ID != "b1" || list[1].ID != "c1" {
		t.Fatalf("List=%v, want b1,c1", list)
	}

	d.Replace([]signaling.User{{ID: "a1", Name: "alice"}, {ID: "d1", Name: "dave"}})
	list = d.List()
	if len(list) != 1 || list[0].ID != "d1" {
		t.Fatalf("List after replace=%v, want only d1", list)
	}
	if _, ok := d.Lookup("b1"); ok {
		t.Fatalf("stale entry b1 survived replacement")
	}
}

func TestDirectory_OutgoingHandshake(t *testing.T) {
	d := New(time.Minute)
	d.SetSelf("a1")
	d.Replace(roster())

	if _, err := d.Request("a1", t0); !errors.Is(err, ErrSelf) {
		t.Fatalf("request self err=%v", err)
	}
	if _, err := d.Request("zz", t0); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("request unknown err=%v", err)
	}

	p, err := d.Request("b1", t0)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if p.Peer.Name != "bob" {
		t.Fatalf("pending peer=%+v", p.Peer)
	}
	if _, err := d.Request("c1", t0); !errors.Is(err, ErrRequestPending) {
		t.Fatalf("second request err=%v, want ErrRequestPending", err)
	}

	if _, ok := d.HandleAccept("c1"); ok {
		t.Fatalf("accept from non-target must be ignored")
	}
	got, ok := d.HandleAccept("b1")
	if !ok || got.Peer.ID != "b1" {
		t.Fatalf("HandleAccept=(%+v,%v)", got, ok)
	}
	if _, ok := d.Outgoing(); ok {
		t.Fatalf("outgoing request not cleared")
	}
	if _, ok := d.HandleAccept("b1"); ok {
		t.Fatalf("duplicate accept must be ignored")
	}
}

func TestDirectory_Decline(t *testing.T) {
	d := New(time.Minute)
	d.SetSelf("a1")
	d.Replace(roster())

	if _, err := d.Request("b1", t0); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, ok := d.HandleDecline("b1"); !ok {
		t.Fatalf("HandleDecline did not match")
	}
	if _, err := d.Request("c1", t0); err != nil {
		t.Fatalf("request after decline: %v", err)
	}
}

func TestDirectory_Expire(t *testing.T) {
	d := New(10 * time.Second)
	d.SetSelf("a1")
	d.Replace(roster())

	if _, err := d.Request("b1", t0); err != nil {
		t.Fatalf("Request: %v", err)
	}
	d.Incoming("c1", "", t0.Add(5*time.Second))

	if exp := d.Expire(t0.Add(9 * time.Second)); exp.Outgoing != nil || len(exp.Incoming) != 0 {
		t.Fatalf("expired too early: %+v", exp)
	}

	exp := d.Expire(t0.Add(10 * time.Second))
	if exp.Outgoing == nil || exp.Outgoing.Peer.ID != "b1" {
		t.Fatalf("outgoing not expired: %+v", exp)
	}
	if len(exp.Incoming) != 0 {
		t.Fatalf("incoming expired too early: %+v", exp.Incoming)
	}
	// An accept arriving after expiry binds nothing.
	if _, ok := d.HandleAccept("b1"); ok {
		t.Fatalf("late accept must be ignored")
	}

	exp = d.Expire(t0.Add(15 * time.Second))
	if len(exp.Incoming) != 1 || exp.Incoming[0].Peer.ID != "c1" || exp.Incoming[0].Peer.Name != "carol" {
		t.Fatalf("incoming not expired: %+v", exp.Incoming)
	}
}

func TestDirectory_IncomingAcceptDecline(t *testing.T) {
	d := New(time.Minute)
	d.SetSelf("b1")
	d.Replace(roster())

	d.Incoming("a1", "alice", t0)
	d.Incoming("c1", "carol", t0.Add(time.Second))
	if reqs := d.IncomingRequests(); len(reqs) != 2 || reqs[0].Peer.ID != "a1" {
		t.Fatalf("IncomingRequests=%v", reqs)
	}

	if _, err := d.Accept("zz"); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("accept unknown err=%v", err)
	}
	p, err := d.Accept("a1")
	if err != nil || p.Peer.Name != "alice" {
		t.Fatalf("Accept=(%+v,%v)", p, err)
	}
	if _, err := d.Decline("c1"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if reqs := d.IncomingRequests(); len(reqs) != 0 {
		t.Fatalf("requests left: %v", reqs)
	}
}

func TestDirectory_Reset(t *testing.T) {
	d := New(time.Minute)
	d.SetSelf("a1")
	d.Replace(roster())
	_, _ = d.Request("b1", t0)
	d.Incoming("c1", "carol", t0)

	d.Reset()
	if d.Self() != "" || len(d.List()) != 0 || len(d.IncomingRequests()) != 0 {
		t.Fatalf("reset left state behind")
	}
	if _, ok := d.Outgoing(); ok {
		t.Fatalf("reset left outgoing request")
	}
}
