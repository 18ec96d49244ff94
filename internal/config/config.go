// Package config loads the relay's runtime configuration from environment
// variables and a small set of flags.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "SIGNAL_RELAY_LISTEN_ADDR"
	envVarMode            = "SIGNAL_RELAY_MODE"
	envVarLogFormat       = "SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"

	// Admission.
	envVarDevToken      = "SIGNAL_RELAY_DEV_TOKEN"
	envVarOAuthClientID = "SIGNAL_RELAY_OAUTH_CLIENT_ID"
	envVarRoomCapacity  = "SIGNAL_RELAY_ROOM_CAPACITY"

	// Connection hardening.
	envVarPingInterval    = "SIGNAL_RELAY_PING_INTERVAL"
	envVarMaxMessageBytes = "SIGNAL_RELAY_MAX_MESSAGE_BYTES"

	// TLS material for dev mode. Prod deployments terminate TLS upstream and
	// listen on plaintext HTTP.
	envVarTLSCertFile = "SIGNAL_RELAY_TLS_CERT"
	envVarTLSKeyFile  = "SIGNAL_RELAY_TLS_KEY"
)

const (
	flagListenAddr = "listen-addr"
	flagMode       = "mode"
)

const (
	DefaultListenAddr           = ":8000"
	DefaultShutdown             = 15 * time.Second
	DefaultRoomCapacity         = 2
	DefaultPingInterval         = 30 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultTLSCertFile          = "cert.pem"
	DefaultTLSKeyFile           = "key.pem"
	DefaultMode            Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// DevToken is a shared credential that bypasses identity verification when
	// presented. OAuthClientID is the audience expected in verified ID tokens.
	DevToken      string
	OAuthClientID string
	RoomCapacity  int

	PingInterval    time.Duration
	MaxMessageBytes int64

	TLSCertFile string
	TLSKeyFile  string

	// ICEServers is handed to clients so both peers build their
	// RTCPeerConnection against the same STUN/TURN set.
	ICEServers []webrtc.ICEServer
}

// TLS reports whether the listener should serve TLS itself.
func (c Config) TLS() bool {
	return c.Mode == ModeDev
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("webrtc-signaling-relay", flag.ContinueOnError)
	listenAddrFlag := fs.String(flagListenAddr, envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "address to listen on")
	modeFlag := fs.String(flagMode, modeDefault, "deployment mode (dev or prod)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(logFormatDefault)
	if err != nil {
		return Config{}, err
	}

	logLevel, err := parseLogLevel(logLevelDefault)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	roomCapacity, err := envIntOrDefault(lookup, envVarRoomCapacity, DefaultRoomCapacity)
	if err != nil {
		return Config{}, err
	}
	if roomCapacity < 1 {
		return Config{}, fmt.Errorf("invalid %s %d: must be at least 1", envVarRoomCapacity, roomCapacity)
	}

	pingInterval := DefaultPingInterval
	if raw, ok := lookup(envVarPingInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPingInterval, raw, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be positive", envVarPingInterval, raw)
		}
		pingInterval = d
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be positive", envVarMaxMessageBytes, raw)
		}
		maxMessageBytes = n
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      *listenAddrFlag,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		DevToken:      envOrDefault(lookup, envVarDevToken, ""),
		OAuthClientID: envOrDefault(lookup, envVarOAuthClientID, ""),
		RoomCapacity:  roomCapacity,

		PingInterval:    pingInterval,
		MaxMessageBytes: maxMessageBytes,

		TLSCertFile: envOrDefault(lookup, envVarTLSCertFile, DefaultTLSCertFile),
		TLSKeyFile:  envOrDefault(lookup, envVarTLSKeyFile, DefaultTLSKeyFile),

		ICEServers: iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
