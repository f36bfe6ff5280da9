package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {"urls": "turn:turn.example.com:3478?transport=udp", "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].URLs; len(got) != 1 || got[0] != "turn:turn.example.com:3478?transport=udp" {
		t.Fatalf("unexpected turn urls: %#v", got)
	}
	if cred, _ := servers[1].Credential.(string); cred != "pass" || servers[1].Username != "user" {
		t.Fatalf("unexpected turn auth: %q/%#v", servers[1].Username, servers[1].Credential)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":          `{`,
		"urls wrong type":   `[{"urls": 5}]`,
		"missing urls":      `[{"username": "x"}]`,
		"bad scheme":        `[{"urls": "http://example.com"}]`,
		"turn without cred": `[{"urls": "turn:turn.example.com", "username": "u"}]`,
		"turn without user": `[{"urls": "turns:turn.example.com", "credential": "c"}]`,
	}
	for name, raw := range cases {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Errorf("%s: expected error for %s", name, raw)
		}
	}
}

func TestParseICEServers_Convenience(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServers("stun:a:3478, stun:b:3478", "turn:t:3478", "u", "c")
	if err != nil {
		t.Fatalf("ParseICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 2 || got[1] != "stun:b:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}

	_, err = ParseICEServers("", "turn:t:3478", "u", "")
	if err == nil || !strings.Contains(err.Error(), envTurnCredential) {
		t.Fatalf("err=%v, want mention of %s", err, envTurnCredential)
	}
}

func TestParseICEServersFromValues_Defaults(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues("", "", "", "", "", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != DefaultSTUNURL {
		t.Fatalf("servers=%#v, want default STUN", servers)
	}

	servers, err = parseICEServersFromValues("", "none", "", "", "", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("servers=%#v, want none", servers)
	}

	servers, err = parseICEServersFromValues(`[{"urls":"stun:json:1"}]`, "stun:ignored:1", "", "", "", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json:1" {
		t.Fatalf("servers=%#v, want JSON list to win", servers)
	}
}
