// Package config loads the signaling server configuration.
//
// Precedence, lowest to highest: built-in defaults, optional TOML config
// file, environment variables, command line flags. Environment values become
// flag defaults so `-h` always shows the effective default.
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
	envVarConfigFile      = "SFU_SIGNALING_CONFIG_FILE"
	envVarListenAddr      = "SFU_SIGNALING_LISTEN_ADDR"
	envVarMode            = "SFU_SIGNALING_MODE"
	envVarLogFormat       = "SFU_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "SFU_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "SFU_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// WebSocket auth + hardening.
	envVarAuthMode             = "AUTH_MODE"
	envVarAPIKey               = "API_KEY"
	envVarAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Liveness. The client-side heartbeat interval is advertised so
	// deployments keep both sides in agreement.
	envVarHeartbeatInterval   = "HEARTBEAT_INTERVAL"
	envVarHeartbeatStaleAfter = "HEARTBEAT_STALE_AFTER"
	envVarStaleSweepInterval  = "STALE_SWEEP_INTERVAL"

	// TURN REST ephemeral credentials (coturn-compatible).
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultAuthTimeout          = 2 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50

	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatStaleAfter allows two missed heartbeats plus slack
	// before a connection is considered stale.
	DefaultHeartbeatStaleAfter = 75 * time.Second
	DefaultStaleSweepInterval  = 15 * time.Second

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "voxhall"
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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

// TurnRESTConfig enables minting ephemeral coturn-compatible TURN
// credentials per client instead of shipping a static secret.
type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	AuthMode    AuthMode
	APIKey      string
	AuthTimeout time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	HeartbeatInterval   time.Duration
	HeartbeatStaleAfter time.Duration
	StaleSweepInterval  time.Duration

	// ICEServers is the TURN/STUN endpoint list forwarded verbatim to
	// clients for ICE gathering.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	file, err := loadFileConfig(envOrDefault(lookup, envVarConfigFile, ""))
	if err != nil {
		return Config{}, err
	}

	modeDefault := file.stringOr("mode", string(DefaultMode))
	if v, ok := lookup(envVarMode); ok && v != "" {
		modeDefault = v
	}

	logFormatDefault := file.stringOr("log_format", defaultLogFormatForMode(modeDefault))
	if v, ok := lookup(envVarLogFormat); ok && v != "" {
		logFormatDefault = v
	}

	logLevelDefault := file.stringOr("log_level", defaultLogLevelForMode(modeDefault))
	if v, ok := lookup(envVarLogLevel); ok && v != "" {
		logLevelDefault = v
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, file.stringOr("listen_addr", DefaultListenAddr))
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, file.stringOr("allowed_origins", ""))

	authModeDefault := envOrDefault(lookup, envVarAuthMode, file.stringOr("auth_mode", string(DefaultAuthMode)))
	apiKey := envOrDefault(lookup, envVarAPIKey, file.stringOr("api_key", ""))

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, file.durationOr("shutdown_timeout", DefaultShutdownTimeout))
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, file.durationOr("auth_timeout", DefaultAuthTimeout))
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, file.durationOr("heartbeat_interval", DefaultHeartbeatInterval))
	if err != nil {
		return Config{}, err
	}
	heartbeatStaleAfter, err := envDurationOrDefault(lookup, envVarHeartbeatStaleAfter, file.durationOr("heartbeat_stale_after", DefaultHeartbeatStaleAfter))
	if err != nil {
		return Config{}, err
	}
	staleSweepInterval, err := envDurationOrDefault(lookup, envVarStaleSweepInterval, file.durationOr("stale_sweep_interval", DefaultStaleSweepInterval))
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := file.int64Or("max_message_bytes", DefaultMaxMessageBytes)
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, file.intOr("max_messages_per_second", DefaultMaxMessagesPerSecond))
	if err != nil {
		return Config{}, err
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, file.stringOr("turn_rest_shared_secret", ""))
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, file.stringOr("turn_rest_username_prefix", DefaultTURNRESTUsernamePrefix))
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, file.stringOr("turn_rest_realm", ""))
	turnRESTTTLSeconds := file.int64Or("turn_rest_ttl_seconds", DefaultTURNRESTTTLSeconds)
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	if turnRESTSharedSecret != "" && turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarTURNRESTTTLSeconds)
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, file.stringOr("ice_servers_json", ""))
	stunURLs := envOrDefault(lookup, envStunURLs, file.stringOr("stun_urls", ""))
	turnURLs := envOrDefault(lookup, envTurnURLs, file.stringOr("turn_urls", ""))
	turnUsername := envOrDefault(lookup, envTurnUsername, file.stringOr("turn_username", ""))
	turnCredential := envOrDefault(lookup, envTurnCredential, file.stringOr("turn_credential", ""))

	fs := flag.NewFlagSet("sfu-signaling", flag.ContinueOnError)
	flagListenAddr := fs.String("listen-addr", listenAddr, "listen address")
	flagMode := fs.String("mode", modeDefault, "dev|prod")
	flagLogFormat := fs.String("log-format", logFormatDefault, "text|json")
	flagLogLevel := fs.String("log-level", logLevelDefault, "debug|info|warn|error")
	flagShutdownTimeout := fs.Duration("shutdown-timeout", shutdownTimeout, "graceful shutdown timeout")
	flagAllowedOrigins := fs.String("allowed-origins", allowedOriginsStr, "comma-separated allowed origins for browser endpoints")
	flagAuthMode := fs.String("auth-mode", authModeDefault, "none|api_key")
	flagAuthTimeout := fs.Duration("auth-timeout", authTimeout, "time allowed for the auth frame before the socket is closed")
	flagHeartbeatInterval := fs.Duration("heartbeat-interval", heartbeatInterval, "expected client heartbeat interval")
	flagHeartbeatStaleAfter := fs.Duration("heartbeat-stale-after", heartbeatStaleAfter, "terminate connections silent for longer than this")
	flagStaleSweepInterval := fs.Duration("stale-sweep-interval", staleSweepInterval, "how often stale connections are swept")
	flagMaxMessageBytes := fs.Int64("max-message-bytes", maxMessageBytes, "max inbound signaling frame size")
	flagMaxMessagesPerSecond := fs.Int("max-messages-per-second", maxMessagesPerSecond, "per-connection inbound frame rate limit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*flagMode)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*flagLogFormat)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*flagLogLevel)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(*flagAuthMode)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s=api_key requires %s", envVarAuthMode, envVarAPIKey)
	}
	if *flagHeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("heartbeat interval must be positive")
	}
	if *flagHeartbeatStaleAfter <= *flagHeartbeatInterval {
		return Config{}, fmt.Errorf("%s must exceed %s", envVarHeartbeatStaleAfter, envVarHeartbeatInterval)
	}

	cfg := Config{
		ListenAddr:      *flagListenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: *flagShutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(*flagAllowedOrigins),

		AuthMode:    authMode,
		APIKey:      apiKey,
		AuthTimeout: *flagAuthTimeout,

		MaxMessageBytes:      *flagMaxMessageBytes,
		MaxMessagesPerSecond: *flagMaxMessagesPerSecond,

		HeartbeatInterval:   *flagHeartbeatInterval,
		HeartbeatStaleAfter: *flagHeartbeatStaleAfter,
		StaleSweepInterval:  *flagStaleSweepInterval,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	// ICE configuration errors are carried rather than fatal: the server can
	// come up (readyz reports the problem) and deployments without TURN/STUN
	// are valid for LAN use.
	iceServers, iceErr := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	cfg.ICEServers = iceServers
	cfg.iceConfigErr = iceErr

	return cfg, nil
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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
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
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q", raw)
	}
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

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
