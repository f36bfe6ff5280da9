// Package auth verifies the credential presented on the relay's WebSocket
// upgrade.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// APIKey accepts exactly one shared key.
type APIKey string

func (k APIKey) Verify(credential string) error {
	if credential == "" || k == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(k)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// NewVerifier returns nil when cfg disables auth.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKey(cfg.APIKey), nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery reads apiKey or token from the query string, preferring
// the parameter that matches mode. Browsers cannot set headers on a WebSocket
// upgrade, so this is the path they use.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	var first, second string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		first, second = "apiKey", "token"
	case config.AuthModeJWT:
		first, second = "token", "apiKey"
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if v := q.Get(first); v != "" {
		return v, nil
	}
	if v := q.Get(second); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// CredentialFromRequest accepts an X-API-Key or Authorization bearer header
// before falling back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	return CredentialFromQuery(mode, r.URL.Query())
}
