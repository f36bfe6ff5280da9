// Package turnrest issues coturn-compatible ephemeral TURN credentials
// (static-auth-secret / "TURN REST API"):
//
//	username = <unix expiry>:<prefix>:<peer id>
//	password = base64(hmac_sha1(secret, username))
//
// coturn recomputes the password from the username, so nothing is stored.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
)

var ErrInvalidPeerID = errors.New("turnrest: peer id must be non-empty and must not contain ':'")

type Credentials struct {
	Username string
	Password string
	Expires  time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewIssuer returns nil when TURN REST is disabled in cfg.
func NewIssuer(cfg config.TurnRESTConfig, now func() time.Time) (*Issuer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be at least 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    now,
	}, nil
}

// Issue mints credentials bound to peerID. An empty peerID gets a random one.
func (i *Issuer) Issue(peerID string) (Credentials, error) {
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if strings.Contains(peerID, ":") {
		return Credentials{}, ErrInvalidPeerID
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, peerID)
	return Credentials{
		Username: username,
		Password: sign(i.secret, username),
		Expires:  expires,
	}, nil
}

// Apply returns a copy of servers with creds set on every TURN entry.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for n, server := range servers {
		out[n] = server
		if config.IsTURNServer(server) {
			out[n].Username = creds.Username
			out[n].Credential = creds.Password
		}
	}
	return out
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
