package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
)

func fixedIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	iss, err := NewIssuer(config.TurnRESTConfig{
		SharedSecret:   "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "peerlink",
	}, func() time.Time { return time.Unix(1_700_000_000, 0) })
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func expectedPassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestIssue_Deterministic(t *testing.T) {
	creds, err := fixedIssuer(t, time.Hour).Issue("peer123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if want := "1700003600:peerlink:peer123"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}
	if creds.Expires.Unix() != 1_700_003_600 {
		t.Fatalf("Expires=%v", creds.Expires)
	}
	if want := expectedPassword("shared-secret", creds.Username); creds.Password != want {
		t.Fatalf("Password=%q, want %q", creds.Password, want)
	}
}

func TestIssue_RandomAndInvalidPeerIDs(t *testing.T) {
	iss := fixedIssuer(t, 10*time.Second)

	a, err := iss.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	b, _ := iss.Issue("")
	if a.Username == b.Username {
		t.Fatalf("random usernames collided: %q", a.Username)
	}
	if !strings.HasPrefix(a.Username, "1700000010:peerlink:") {
		t.Fatalf("Username=%q", a.Username)
	}

	if _, err := iss.Issue("a:b"); !errors.Is(err, ErrInvalidPeerID) {
		t.Fatalf("err=%v, want ErrInvalidPeerID", err)
	}
}

func TestNewIssuer(t *testing.T) {
	iss, err := NewIssuer(config.TurnRESTConfig{}, nil)
	if err != nil || iss != nil {
		t.Fatalf("disabled config: iss=%v err=%v", iss, err)
	}

	for _, cfg := range []config.TurnRESTConfig{
		{SharedSecret: "s", TTL: time.Millisecond, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: time.Hour},
		{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
	} {
		if _, err := NewIssuer(cfg, nil); err == nil {
			t.Fatalf("NewIssuer(%+v): expected error", cfg)
		}
	}
}

func TestApply(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURNS:turn.example.com:5349"}},
	}
	out := Apply(servers, Credentials{Username: "u", Password: "p"})

	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry got credentials: %+v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "p" {
		t.Fatalf("turn entry=%+v", out[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("input was modified")
	}
	if got := Apply([]webrtc.ICEServer{}, Credentials{}); got == nil {
		t.Fatalf("empty input must stay non-nil")
	}
}
