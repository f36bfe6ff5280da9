package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "PEERLINK_ICE_SERVERS_JSON"
	envStunURLs       = "PEERLINK_STUN_URLS"
	envTurnURLs       = "PEERLINK_TURN_URLS"
	envTurnUsername   = "PEERLINK_TURN_USERNAME"
	envTurnCredential = "PEERLINK_TURN_CREDENTIAL"

	// DefaultSTUNURL is used when neither a JSON list nor STUN URLs are set.
	DefaultSTUNURL = "stun:stun.l.google.com:19302"

	// stunDisabled turns off the default STUN server.
	stunDisabled = "none"
)

// parseICEServersFromValues prefers the JSON form; otherwise it assembles the
// list from the STUN/TURN convenience values. With issuedTURN set, TURN
// entries may omit credentials because /webrtc/ice mints them per request.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, issuedTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := parseICEServersJSON(raw, issuedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	switch strings.ToLower(strings.TrimSpace(stunURLs)) {
	case "":
		stunURLs = DefaultSTUNURL
	case stunDisabled:
		stunURLs = ""
	}
	return parseICEServers(stunURLs, turnURLs, turnUsername, turnCredential, issuedTURN)
}

type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts both `"urls": "stun:..."` and `"urls": ["stun:...", ...]`,
// the two shapes RTCIceServer allows.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses a browser-style iceServers array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, issuedTURN bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if cred := strings.TrimSpace(e.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, issuedTURN); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServers builds at most one STUN entry and one TURN entry from
// comma-separated URL lists.
func ParseICEServers(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	return parseICEServers(stunURLs, turnURLs, turnUsername, turnCredential, false)
}

func parseICEServers(stunURLs, turnURLs, turnUsername, turnCredential string, issuedTURN bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		user := strings.TrimSpace(turnUsername)
		cred := strings.TrimSpace(turnCredential)
		if (user == "" || cred == "") && !issuedTURN {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: user}
		if cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, issuedTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, issuedTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, u := range server.URLs {
		scheme, _, _ := strings.Cut(strings.ToLower(u), ":")
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !needsCreds || issuedTURN {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); cred == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
