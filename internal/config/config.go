// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

// Package config loads relay configuration from defaults, an optional YAML
// file, CAMPUSLINK_ environment variables and command line flags, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/xdg"
)

// EnvPrefix prefixes every environment variable the loader reads. A double
// underscore separates nesting levels: CAMPUSLINK_RELAY__ADDR sets relay.addr.
const EnvPrefix = "CAMPUSLINK_"

// Config is the complete relay configuration.
type Config struct {
	InstanceID      string          `koanf:"instance_id"`
	Relay           RelayConfig     `koanf:"relay"`
	Dispatch        DispatchConfig  `koanf:"dispatch"`
	Backplane       BackplaneConfig `koanf:"backplane"`
	Database        DatabaseConfig  `koanf:"database"`
	Metrics         MetricsConfig   `koanf:"metrics"`
	Log             LogConfig       `koanf:"log"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
}

// RelayConfig configures the websocket listener.
type RelayConfig struct {
	Addr           string          `koanf:"addr"`
	Path           string          `koanf:"path"`
	AllowedOrigins []string        `koanf:"allowed_origins"`
	MaxMessageSize int64           `koanf:"max_message_size"`
	SendBuffer     int             `koanf:"send_buffer"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig configures per-connection inbound rate limiting.
type RateLimitConfig struct {
	Burst int     `koanf:"burst"`
	Rate  float64 `koanf:"rate"`
}

// DispatchConfig configures the notification bridge endpoint. An empty Addr
// serves it on the relay listener.
type DispatchConfig struct {
	Addr  string `koanf:"addr"`
	Token string `koanf:"token"`
}

// BackplaneConfig configures cross-instance delivery. An empty URL runs a
// single instance.
type BackplaneConfig struct {
	URL             string `koanf:"url"`
	Channel         string `koanf:"channel"`
	ConnectAttempts uint64 `koanf:"connect_attempts"`
}

// DatabaseConfig configures the group message store. An empty URL disables
// group message persistence.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// MetricsConfig configures the observability listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"relay.addr":                 ":3001",
		"relay.path":                 "/socket",
		"relay.allowed_origins":      []string{"http://localhost:3000"},
		"relay.max_message_size":     64 * 1024,
		"relay.send_buffer":          256,
		"relay.rate_limit.burst":     20,
		"relay.rate_limit.rate":      10.0,
		"dispatch.addr":              "",
		"dispatch.token":             "",
		"backplane.url":              "",
		"backplane.channel":          "campuslink:relay",
		"backplane.connect_attempts": 5,
		"database.url":               "",
		"metrics.addr":               "127.0.0.1:9100",
		"log.format":                 "json",
		"log.level":                  "info",
		"shutdown_timeout":           "10s",
	}
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":           "relay.addr",
	"path":           "relay.path",
	"allowed-origin": "relay.allowed_origins",
	"dispatch-addr":  "dispatch.addr",
	"dispatch-token": "dispatch.token",
	"backplane-url":  "backplane.url",
	"database-url":   "database.url",
	"metrics-addr":   "metrics.addr",
	"log-format":     "log.format",
	"log-level":      "log.level",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("addr", ":3001", "relay listen address")
	fs.String("path", "/socket", "websocket endpoint path")
	fs.StringSlice("allowed-origin", []string{"http://localhost:3000"}, "allowed browser origin glob (repeatable, * allows all)")
	fs.String("dispatch-addr", "", "notification bridge listen address (empty = relay listener)")
	fs.String("dispatch-token", "", "bearer token required by the notification bridge")
	fs.String("backplane-url", "", "redis URL for multi-instance delivery (empty = single instance)")
	fs.String("database-url", "", "PostgreSQL URL for group messages")
	fs.String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", "json", "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}

// ResolvePath returns the config file to load: flagPath when set, otherwise
// $XDG_CONFIG_HOME/campuslink/config.yaml if it exists, otherwise "".
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return xdg.DefaultConfigFile()
}

// Load builds the configuration. path may be empty. flags may be nil; only
// flags set explicitly override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("layer", "defaults").Wrap(err)
	}

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Errorf("config file not found")
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("layer", "env").Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("layer", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey turns CAMPUSLINK_RELAY__RATE_LIMIT__BURST into relay.rate_limit.burst.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	invalid := func(field, reason string) error {
		return oops.Code("CONFIG_INVALID").With("field", field).Errorf("%s: %s", field, reason)
	}

	if c.Relay.Addr == "" {
		return invalid("relay.addr", "is required")
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		return invalid("relay.path", "must start with /")
	}
	if c.Relay.MaxMessageSize <= 0 {
		return invalid("relay.max_message_size", "must be positive")
	}
	if c.Relay.SendBuffer <= 0 {
		return invalid("relay.send_buffer", "must be positive")
	}
	if c.Relay.RateLimit.Burst < 0 || c.Relay.RateLimit.Rate < 0 {
		return invalid("relay.rate_limit", "must not be negative")
	}
	if c.Dispatch.Addr != "" && c.Dispatch.Addr == c.Metrics.Addr {
		return invalid("dispatch.addr", "must differ from metrics.addr")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "must be 'json' or 'text'")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "must be debug, info, warn or error")
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("shutdown_timeout", "must be positive")
	}
	return nil
}
