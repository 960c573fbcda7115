package main

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		level := slog.LevelInfo
		if cfg.Mode == config.ModeProd {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "startup security warning: AUTH_MODE=none disables authentication (peer ids are unauthenticated and can be impersonated)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ClientRequestsPerSecond <= 0 {
		logger.Warn("startup security warning: CLIENT_REQUESTS_PER_SECOND<=0 disables per-client rate limiting while --mode=prod",
			"warning_code", "client_rate_limit_disabled_in_prod",
			"client_requests_per_second", cfg.ClientRequestsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && (cfg.MaxCandidatesPerPeer <= 0 || cfg.MaxNotificationsPerPeer <= 0) {
		logger.Warn("startup security warning: unbounded per-peer queues while --mode=prod (any client can grow another peer's mailbox without limit)",
			"warning_code", "unbounded_peer_queues_in_prod",
			"max_candidates_per_peer", cfg.MaxCandidatesPerPeer,
			"max_notifications_per_peer", cfg.MaxNotificationsPerPeer,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (payloads are buffered in memory until drained or reaped)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will fail and /webrtc/ice serves no servers",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	} else if !hasSTUNServer(cfg.ICEServers) {
		logger.Warn("startup warning: no STUN servers configured; clients behind NAT may fail to connect",
			"warning_code", "no_stun_servers",
			"ice_servers", len(cfg.ICEServers),
		)
	}
}

func hasSTUNServer(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			u = strings.ToLower(strings.TrimSpace(u))
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				return true
			}
		}
	}
	return false
}
