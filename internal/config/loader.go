// Package config loads streamnet settings from a yaml file, STREAMNET_ environment variables
// and built-in defaults, in increasing order of precedence: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/streamnet/internal/conn"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/internal/server"
)

const (
	EnvPrefix = "STREAMNET"
	FileName  = "streamnet"

	// placeholderSecret is a well-known sample value that must never sign tokens.
	placeholderSecret = "default-secret-key-change-me"
	minSecretLength   = 16
)

// DefaultDir is where the identity directory and archive live unless configured otherwise.
func DefaultDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".streamnet"
	}
	return filepath.Join(home, ".streamnet")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":25565")
	v.SetDefault("server.acceptTimeout", "1s")
	v.SetDefault("transport.readTimeout", "1s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.queueSize", 256)
	v.SetDefault("keepalive.interval", "1s")
	v.SetDefault("keepalive.timeout", "5s")
	v.SetDefault("updater.tickRate", "50ms")
	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.threshold", 256)
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.messagesPerSecond", 100)
	v.SetDefault("rateLimit.burst", 200)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "streamnet")
	v.SetDefault("auth.tokenTTL", "24h")
	v.SetDefault("auth.allowGuests", false)
	v.SetDefault("directory.path", filepath.Join(DefaultDir(), "identity"))
	v.SetDefault("archive.path", filepath.Join(DefaultDir(), "archive.msgpack"))
	v.SetDefault("protocol.version", "1.0.0")
	v.SetDefault("websocket.address", "")
	v.SetDefault("websocket.path", "/ws")
}

// Load reads configuration from a file and environment variables.
//
// With an empty file, "streamnet.yaml" is searched in the working directory and in
// DefaultDir, and a missing file is not an error. An explicit file must exist.
func Load(logger *slog.Logger, file string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	setDefaults(v)

	// 2. Set config file details
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Debug("config file not found, relying on defaults and environment")
	} else {
		logger.Debug("config loaded", slog.String("file", v.ConfigFileUsed()))
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.Directory.Path, err = homedir.Expand(c.Directory.Path); err != nil {
		return fmt.Errorf("directory.path: %w", err)
	}
	if c.Archive.Path, err = homedir.Expand(c.Archive.Path); err != nil {
		return fmt.Errorf("archive.path: %w", err)
	}
	return nil
}

// Validate checks the values that cannot be corrected by defaults.
func (c *Config) Validate() error {
	if _, err := c.ProtocolVersion(); err != nil {
		return err
	}
	if c.KeepAlive.Interval <= 0 || c.KeepAlive.Timeout <= c.KeepAlive.Interval {
		return fmt.Errorf("keepalive.timeout (%s) must exceed keepalive.interval (%s)", c.KeepAlive.Timeout, c.KeepAlive.Interval)
	}
	if c.Compression.Threshold < 0 {
		return fmt.Errorf("compression.threshold must not be negative: %d", c.Compression.Threshold)
	}
	if c.Auth.JWTSecret == placeholderSecret || (c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLength) {
		return fmt.Errorf("auth.jwtSecret must be a private value of at least %d bytes", minSecretLength)
	}
	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("rateLimit.messagesPerSecond and rateLimit.burst must be positive")
	}
	return nil
}

// ProtocolVersion parses protocol.version.
func (c *Config) ProtocolVersion() (*semver.Version, error) {
	v, err := semver.StrictNewVersion(c.Protocol.Version)
	if err != nil {
		return nil, fmt.Errorf("protocol.version %q: %w", c.Protocol.Version, err)
	}
	return v, nil
}

// TokensEnabled reports whether a signing secret is configured.
func (c *Config) TokensEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// CompressionThreshold returns the threshold to offer, or protocol.NoCompression.
func (c *Config) CompressionThreshold() int {
	if !c.Compression.Enabled {
		return protocol.NoCompression
	}
	return c.Compression.Threshold
}

// ConnConfig maps the transport settings onto a connection configuration.
func (c *Config) ConnConfig() conn.Config {
	cfg := conn.DefaultConfig()
	cfg.ReadTimeout = c.Transport.ReadTimeout
	cfg.WriteTimeout = c.Transport.WriteTimeout
	cfg.QueueSize = c.Transport.QueueSize
	cfg.TickRate = c.Updater.TickRate
	cfg.RateLimit = &conn.RateLimitConfig{
		PacketsPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
		Burst:            c.RateLimit.Burst,
		Enabled:          c.RateLimit.Enabled,
	}
	return cfg
}

// ServerConfig maps the server settings onto a server configuration.
func (c *Config) ServerConfig() server.Config {
	cfg := server.DefaultConfig(c.Server.Address)
	cfg.AcceptTimeout = c.Server.AcceptTimeout
	return cfg
}
