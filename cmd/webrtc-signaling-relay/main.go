package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/cloudpeer/webrtc-signaling-relay/internal/auth"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/config"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/httpserver"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/metrics"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/rooms"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting webrtc-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"room_capacity", cfg.RoomCapacity,
		"ping_interval", cfg.PingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"dev_token_set", cfg.DevToken != "",
		"oauth_client_id_set", cfg.OAuthClientID != "",
		"ice_servers", len(cfg.ICEServers),
	)

	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewTokenVerifier(cfg.DevToken, cfg.OAuthClientID, logger)
	if err != nil {
		logger.Error("failed to configure token verification", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	registry := rooms.NewRegistry[*signaling.Conn](cfg.RoomCapacity)

	sig := signaling.NewServer(signaling.Config{
		Registry:        registry,
		Verifier:        verifier,
		Metrics:         m,
		Logger:          logger,
		PingInterval:    cfg.PingInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime))
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	sig.Start()

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS() {
			errCh <- srv.ServeTLS(ln)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
