package config

import "time"

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	KeepAlive   KeepAliveConfig `mapstructure:"keepalive"`
	Updater     UpdaterConfig
	Compression CompressionConfig
	RateLimit   RateLimitConfig `mapstructure:"rateLimit"`
	Auth        AuthConfig
	Directory   DirectoryConfig
	Archive     ArchiveConfig
	Protocol    ProtocolConfig
	WebSocket   WebSocketConfig `mapstructure:"websocket"`
}

type ServerConfig struct {
	Address       string
	AcceptTimeout time.Duration `mapstructure:"acceptTimeout"`
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	QueueSize    int           `mapstructure:"queueSize"`
}

type KeepAliveConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type UpdaterConfig struct {
	TickRate time.Duration `mapstructure:"tickRate"`
}

type CompressionConfig struct {
	Enabled   bool
	Threshold int
}

type RateLimitConfig struct {
	Enabled           bool
	MessagesPerSecond float64 `mapstructure:"messagesPerSecond"`
	Burst             int
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwtSecret"`
	Issuer      string        `mapstructure:"issuer"`
	TokenTTL    time.Duration `mapstructure:"tokenTTL"`
	AllowGuests bool          `mapstructure:"allowGuests"`
}

type DirectoryConfig struct {
	Path string
}

type ArchiveConfig struct {
	Path string
}

type ProtocolConfig struct {
	Version string
}

type WebSocketConfig struct {
	// Address is empty when the WebSocket listener is disabled.
	Address string
	Path    string
}
