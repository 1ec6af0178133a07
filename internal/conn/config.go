package conn

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/streamnet/internal/protocol"
)

// Config holds the per-connection tunables.
type Config struct {
	// ReadTimeout bounds the wait for the first byte of the next frame. A timeout is not
	// fatal: the receive loop checks the connected flag and waits again.
	ReadTimeout time.Duration
	// FrameTimeout bounds reading the rest of a frame once its first byte arrived.
	FrameTimeout time.Duration
	// WriteTimeout bounds each socket write, including the exit notice.
	WriteTimeout time.Duration
	// QueueSize is the capacity of the outbound queue.
	QueueSize int
	// LatestSize is how many received packets LatestPacket can hand out before the oldest
	// unread one is dropped.
	LatestSize int
	// TickRate is the interval of the updater that drives Handler.OnUpdate.
	TickRate time.Duration
	// CompressionThreshold is the initial outbound threshold; see SetCompression.
	CompressionThreshold int
	// AllowUnresolved passes packets of unregistered types to the handler instead of
	// treating them as a protocol violation.
	AllowUnresolved bool
	RateLimit       *RateLimitConfig
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:          time.Second,
		FrameTimeout:         10 * time.Second,
		WriteTimeout:         10 * time.Second,
		QueueSize:            256,
		LatestSize:           64,
		TickRate:             50 * time.Millisecond,
		CompressionThreshold: protocol.NoCompression,
		RateLimit:            DefaultRateLimitConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = d.FrameTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.LatestSize <= 0 {
		c.LatestSize = d.LatestSize
	}
	if c.TickRate <= 0 {
		c.TickRate = d.TickRate
	}
	if c.RateLimit == nil {
		c.RateLimit = d.RateLimit
	}
	return c
}

// RateLimitConfig defines rate limiting of inbound packets
type RateLimitConfig struct {
	// PacketsPerSecond defines how many packets a peer can send per second
	PacketsPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 packets per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PacketsPerSecond: 100,
		Burst:            200,
		Enabled:          true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (r *RateLimitConfig) limiter() *rate.Limiter {
	if r == nil || !r.Enabled {
		return nil
	}
	return rate.NewLimiter(r.PacketsPerSecond, r.Burst)
}
