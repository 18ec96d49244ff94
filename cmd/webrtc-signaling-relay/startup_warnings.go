package main

import (
	"log/slog"

	"github.com/cloudpeer/webrtc-signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd && cfg.DevToken != "" {
		logger.Warn("startup security warning: shared dev token is enabled while --mode=prod (any holder of the token is admitted without identity verification)",
			"warning_code", "dev_token_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.OAuthClientID == "" {
		logger.Warn("startup security warning: oauth client id is unset, admission relies entirely on the shared dev token",
			"warning_code", "oauth_client_id_unset",
			"mode", cfg.Mode,
		)
	}
}
