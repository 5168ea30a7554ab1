package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/origin"
)

const (
	largeTURNRESTTTL             = 7 * 24 * time.Hour
	largeSignalingMessagesPerSec = 1000
)

type secretSource interface {
	UsesDefaultSecret() bool
	TTL() time.Duration
}

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, creds secretSource) {
	if logger == nil {
		logger = slog.Default()
	}

	if creds != nil && creds.UsesDefaultSecret() {
		logger.Warn("startup security warning: TURN_REST_SHARED_SECRET is unset; issuing credentials with the built-in default secret (anyone can mint valid TURN credentials)",
			"warning_code", "turn_secret_default",
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if creds != nil && creds.TTL() > largeTURNRESTTTL {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS is very large (leaked credentials stay valid for a long time)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl", creds.TTL(),
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessagesPerSecond > largeSignalingMessagesPerSec {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is very large (weakens per-connection flood protection)",
			"warning_code", "signaling_rate_limit_large",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}
}
