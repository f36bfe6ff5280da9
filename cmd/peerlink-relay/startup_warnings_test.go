package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu     *sync.Mutex
	records *[]recordedLog
	attrs  []slog.Attr
	groups []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:     config.ModeDev,
		AuthMode: config.AuthModeNone,
	}
	logStartupSecurityWarnings(logger, cfg)

	var found bool
	for _, r := range records() {
		if r.level != slog.LevelWarn {
			continue
		}
		if r.attrs["warning_code"] == "auth_mode_none" {
			found = true
			if r.attrs["auth_mode"] != config.AuthModeNone {
				t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
			}
			break
		}
	}
	if !found {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
}

func TestStartupSecurityWarnings(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "wildcard origin",
			cfg:  config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeAPIKey, APIKey: "secret", AllowedOrigins: []string{"*"}},
			want: "allowed_origins_wildcard",
		},
		{
			name: "redis without password in prod",
			cfg:  config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeJWT, JWTSecret: "s", RedisAddr: "redis:6379"},
			want: "redis_without_password_in_prod",
		},
		{
			name: "large frames",
			cfg:  config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeAPIKey, APIKey: "secret", RelayMaxMessageBytes: 4 << 20},
			want: "relay_max_message_large",
		},
		{
			name: "high rate",
			cfg:  config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeAPIKey, APIKey: "secret", RelayMessagesPerSecond: 5000},
			want: "relay_rate_high",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			logStartupSecurityWarnings(logger, tc.cfg)
			codes := warningCodes(records())
			if !codes[tc.want] {
				t.Fatalf("expected warning_code=%s, got %v", tc.want, codes)
			}
			if codes["auth_mode_none"] {
				t.Fatalf("unexpected auth_mode_none warning with auth configured")
			}
		})
	}
}

func TestStartupSecurityWarnings_QuietConfig(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, config.Config{
		Mode:                   config.ModeProd,
		AuthMode:               config.AuthModeAPIKey,
		APIKey:                 "secret",
		RelayMaxMessageBytes:   config.DefaultRelayMaxMessageBytes,
		RelayMessagesPerSecond: config.DefaultRelayMessagesPerSecond,
	})
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %v", codes)
	}
}
