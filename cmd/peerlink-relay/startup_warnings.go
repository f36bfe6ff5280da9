package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: PEERLINK_AUTH_MODE=none lets anyone join the relay",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: PEERLINK_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RedisAddr != "" && cfg.RedisPassword == "" {
		logger.Warn("startup security warning: roster Redis has no password while --mode=prod",
			"warning_code", "redis_without_password_in_prod",
			"redis_addr", cfg.RedisAddr,
			"mode", cfg.Mode,
		)
	}

	// Large frames and high rates weaken the relay's flood protection.
	if cfg.RelayMaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: PEERLINK_RELAY_MAX_MESSAGE_BYTES is very large",
			"warning_code", "relay_max_message_large",
			"relay_max_message_bytes", cfg.RelayMaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.RelayMessagesPerSecond > 1000 {
		logger.Warn("startup security warning: PEERLINK_RELAY_MESSAGES_PER_SECOND is very high",
			"warning_code", "relay_rate_high",
			"relay_messages_per_second", cfg.RelayMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
