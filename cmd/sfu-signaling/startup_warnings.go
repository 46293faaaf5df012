package main

import (
	"log/slog"
	"time"

	"github.com/voxhall/sfu-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup security warning: no ICE servers configured while --mode=prod (clients behind symmetric NAT will fail to connect)",
			"warning_code", "no_ice_servers_in_prod",
			"mode", cfg.Mode,
		)
	}

	// Warn on unusually large caps, since these weaken the signaling channel's
	// oversized message DoS hardening.
	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_MESSAGE_BYTES is very large (weakens signaling message DoS hardening; increases per-message allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.HeartbeatStaleAfter > 10*time.Minute {
		logger.Warn("startup security warning: HEARTBEAT_STALE_AFTER is very large (stale connections hold room membership and relay resources longer)",
			"warning_code", "heartbeat_stale_after_large",
			"heartbeat_stale_after", cfg.HeartbeatStaleAfter,
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
