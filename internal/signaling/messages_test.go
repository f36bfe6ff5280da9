package signaling

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseEnvelope_Signals(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want SignalType
	}{
		{
			name: "offer",
			raw:  `{"type":"signal","from":"a1","data":{"type":"offer","sdp":{"type":"offer","sdp":"v=0\r\n"}}}`,
			want: SignalTypeOffer,
		},
		{
			name: "answer",
			raw:  `{"type":"signal","to":"a1","data":{"type":"answer","sdp":{"type":"answer","sdp":"v=0\r\n"}}}`,
			want: SignalTypeAnswer,
		},
		{
			name: "candidate",
			raw:  `{"type":"signal","from":"b1","data":{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":null}}}`,
			want: SignalTypeCandidate,
		},
		{
			name: "end of candidates",
			raw:  `{"type":"signal","from":"b1","data":{"type":"candidate","candidate":{"candidate":""}}}`,
			want: SignalTypeCandidate,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if env.Type != MessageTypeSignal || env.Data == nil || env.Data.Type != tc.want {
				t.Fatalf("unexpected envelope: %#v", env)
			}
		})
	}
}

func TestParseEnvelope_RelayMessages(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"user_list","users":[{"id":"a1","name":"alice"},{"id":"b1","name":"bob"}]}`))
	if err != nil {
		t.Fatalf("parse user_list: %v", err)
	}
	if len(env.Users) != 2 || env.Users[1] != (User{ID: "b1", Name: "bob"}) {
		t.Fatalf("users=%#v", env.Users)
	}

	env, err = ParseEnvelope([]byte(`{"type":"user_list","users":[]}`))
	if err != nil {
		t.Fatalf("parse empty user_list: %v", err)
	}
	if len(env.Users) != 0 {
		t.Fatalf("users=%#v, want empty", env.Users)
	}

	env, err = ParseEnvelope([]byte(`{"type":"peer_request","from":"a1","fromName":"alice"}`))
	if err != nil {
		t.Fatalf("parse peer_request: %v", err)
	}
	if env.From != "a1" || env.FromName != "alice" {
		t.Fatalf("unexpected peer_request: %#v", env)
	}

	if _, err := ParseEnvelope([]byte(`{"type":"self_id","id":"a1"}`)); err != nil {
		t.Fatalf("parse self_id: %v", err)
	}

	env, err = ParseEnvelope([]byte(`{"type":"join"}`))
	if err != nil {
		t.Fatalf("parse join without name: %v", err)
	}
	if env.Type != MessageTypeJoin || env.Name != "" {
		t.Fatalf("unexpected join: %#v", env)
	}
}

func TestParseEnvelope_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown field":          `{"type":"join","name":"x","extra":1}`,
		"trailing data":          `{"type":"join","name":"x"}{}`,
		"missing type":           `{"name":"x"}`,
		"unknown type":           `{"type":"hello"}`,
		"self_id without id":     `{"type":"self_id"}`,
		"request without target": `{"type":"peer_request"}`,
		"signal without data":    `{"type":"signal","to":"b1"}`,
		"offer without sdp":      `{"type":"signal","to":"b1","data":{"type":"offer"}}`,
		"offer sdp type":         `{"type":"signal","to":"b1","data":{"type":"offer","sdp":{"type":"answer","sdp":"v=0"}}}`,
		"candidate missing":      `{"type":"signal","to":"b1","data":{"type":"candidate"}}`,
		"unknown signal":         `{"type":"signal","to":"b1","data":{"type":"bye"}}`,
		"user without id":        `{"type":"user_list","users":[{"name":"x"}]}`,
		"error without code":     `{"type":"error","message":"boom"}`,
		"not json":               `hello`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrInvalidEnvelope) && !errors.Is(err, ErrTrailingData) {
				t.Fatalf("err=%v, want ErrInvalidEnvelope or ErrTrailingData", err)
			}
		})
	}
}

func TestEnvelopeBuilders_RoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	envs := []Envelope{
		Join("alice"),
		PeerRequest("b1"),
		PeerAccept("a1"),
		PeerDecline("a1", "busy"),
		Offer("b1", SessionDescription{Type: "offer", SDP: "v=0\r\n"}),
		Answer("a1", SessionDescription{Type: "answer", SDP: "v=0\r\n"}),
		CandidateSignal("a1", Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host", SDPMid: &mid, SDPMLineIndex: &idx}),
	}
	for _, env := range envs {
		b, err := env.Marshal()
		if err != nil {
			t.Fatalf("marshal %s: %v", env.Type, err)
		}
		got, err := ParseEnvelope(b)
		if err != nil {
			t.Fatalf("parse %s (%s): %v", env.Type, b, err)
		}
		if got.Type != env.Type || got.To != env.To {
			t.Fatalf("got %#v, want %#v", got, env)
		}
	}
}

func TestSessionDescription_Pion(t *testing.T) {
	d := SessionDescriptionFromPion(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if d.Type != "answer" {
		t.Fatalf("type=%q, want answer", d.Type)
	}
	pd, err := d.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if pd.Type != webrtc.SDPTypeAnswer || pd.SDP != "v=0" {
		t.Fatalf("unexpected pion description: %#v", pd)
	}

	if _, err := (SessionDescription{Type: "bogus", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error for unknown sdp type")
	}
}
