package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the optional TOML config file. Only keys the file actually
// defines participate in the overlay; everything else keeps its default.
type fileConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	Mode           string `toml:"mode"`
	LogFormat      string `toml:"log_format"`
	LogLevel       string `toml:"log_level"`
	AllowedOrigins string `toml:"allowed_origins"`

	ShutdownTimeout string `toml:"shutdown_timeout"`

	AuthMode    string `toml:"auth_mode"`
	APIKey      string `toml:"api_key"`
	AuthTimeout string `toml:"auth_timeout"`

	MaxMessageBytes      int64 `toml:"max_message_bytes"`
	MaxMessagesPerSecond int   `toml:"max_messages_per_second"`

	HeartbeatInterval   string `toml:"heartbeat_interval"`
	HeartbeatStaleAfter string `toml:"heartbeat_stale_after"`
	StaleSweepInterval  string `toml:"stale_sweep_interval"`

	ICEServersJSON string `toml:"ice_servers_json"`
	StunURLs       string `toml:"stun_urls"`
	TurnURLs       string `toml:"turn_urls"`
	TurnUsername   string `toml:"turn_username"`
	TurnCredential string `toml:"turn_credential"`

	TURNRESTSharedSecret   string `toml:"turn_rest_shared_secret"`
	TURNRESTTTLSeconds     int64  `toml:"turn_rest_ttl_seconds"`
	TURNRESTUsernamePrefix string `toml:"turn_rest_username_prefix"`
	TURNRESTRealm          string `toml:"turn_rest_realm"`
}

type fileOverlay struct {
	raw  fileConfig
	meta toml.MetaData
	path string
}

func loadFileConfig(path string) (fileOverlay, error) {
	if path == "" {
		return fileOverlay{}, nil
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fileOverlay{}, fmt.Errorf("load config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fileOverlay{}, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	f := fileOverlay{raw: raw, meta: meta, path: path}
	for key, val := range map[string]string{
		"shutdown_timeout":      raw.ShutdownTimeout,
		"auth_timeout":          raw.AuthTimeout,
		"heartbeat_interval":    raw.HeartbeatInterval,
		"heartbeat_stale_after": raw.HeartbeatStaleAfter,
		"stale_sweep_interval":  raw.StaleSweepInterval,
	} {
		if !f.defined(key) {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fileOverlay{}, fmt.Errorf("config file %s: invalid %s %q: %w", path, key, val, err)
		}
	}
	return f, nil
}

func (f fileOverlay) defined(key string) bool {
	return f.path != "" && f.meta.IsDefined(key)
}

func (f fileOverlay) stringOr(key, fallback string) string {
	if !f.defined(key) {
		return fallback
	}
	switch key {
	case "listen_addr":
		return f.raw.ListenAddr
	case "mode":
		return f.raw.Mode
	case "log_format":
		return f.raw.LogFormat
	case "log_level":
		return f.raw.LogLevel
	case "allowed_origins":
		return f.raw.AllowedOrigins
	case "auth_mode":
		return f.raw.AuthMode
	case "api_key":
		return f.raw.APIKey
	case "ice_servers_json":
		return f.raw.ICEServersJSON
	case "stun_urls":
		return f.raw.StunURLs
	case "turn_urls":
		return f.raw.TurnURLs
	case "turn_username":
		return f.raw.TurnUsername
	case "turn_credential":
		return f.raw.TurnCredential
	case "turn_rest_shared_secret":
		return f.raw.TURNRESTSharedSecret
	case "turn_rest_username_prefix":
		return f.raw.TURNRESTUsernamePrefix
	case "turn_rest_realm":
		return f.raw.TURNRESTRealm
	default:
		return fallback
	}
}

func (f fileOverlay) durationOr(key string, fallback time.Duration) time.Duration {
	if !f.defined(key) {
		return fallback
	}
	var raw string
	switch key {
	case "shutdown_timeout":
		raw = f.raw.ShutdownTimeout
	case "auth_timeout":
		raw = f.raw.AuthTimeout
	case "heartbeat_interval":
		raw = f.raw.HeartbeatInterval
	case "heartbeat_stale_after":
		raw = f.raw.HeartbeatStaleAfter
	case "stale_sweep_interval":
		raw = f.raw.StaleSweepInterval
	default:
		return fallback
	}
	// Validated by loadFileConfig.
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func (f fileOverlay) intOr(key string, fallback int) int {
	if !f.defined(key) {
		return fallback
	}
	switch key {
	case "max_messages_per_second":
		return f.raw.MaxMessagesPerSecond
	default:
		return fallback
	}
}

func (f fileOverlay) int64Or(key string, fallback int64) int64 {
	if !f.defined(key) {
		return fallback
	}
	switch key {
	case "max_message_bytes":
		return f.raw.MaxMessageBytes
	case "turn_rest_ttl_seconds":
		return f.raw.TURNRESTTTLSeconds
	default:
		return fallback
	}
}
