// Package stream is the public entry point to streamnet. It re-exports the configuration
// types and constructors of the internal packages.
package stream

import (
	"context"
	"log/slog"
	"net"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/conn"
	"github.com/luciancaetano/streamnet/internal/handler"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/internal/registry"
	"github.com/luciancaetano/streamnet/internal/server"
	"github.com/luciancaetano/streamnet/internal/updater"
	"github.com/luciancaetano/streamnet/internal/websocket"
)

type Registry = protocol.Registry
type Live = registry.Registry
type Updaters = updater.Registry
type Connection = conn.Connection
type ServerConfig = server.Config
type ConnConfig = conn.Config
type RateLimitConfig = conn.RateLimitConfig
type HandshakeConfig = handler.ServerHandshakeConfig
type ClientHandshakeConfig = handler.ClientHandshakeConfig
type DefaultConfig = handler.DefaultConfig
type ServerInfo = handler.ServerInfo
type CheckOriginFn = websocket.CheckOriginFn
type WebSocketConfig = websocket.ListenerConfig

// DefaultRegistry returns a registry holding every built-in packet type.
func DefaultRegistry() *Registry {
	return protocol.DefaultRegistry()
}

// NewLive returns an empty registry of live connections and servers.
func NewLive() *Live {
	return registry.New()
}

// NewUpdaters returns an empty registry of running updaters.
func NewUpdaters() *Updaters {
	return updater.NewRegistry()
}

func DefaultServerConfig(addr string) ServerConfig {
	return server.DefaultConfig(addr)
}

func DefaultConnConfig() ConnConfig {
	return conn.DefaultConfig()
}

// Listen binds a TCP server. A failed bind returns a *server.BindError.
//
// Example:
//
//	srv, err := stream.Listen(stream.DefaultServerConfig(":25565"), live, updaters, logger)
func Listen(cfg ServerConfig, live *Live, updaters *Updaters, logger *slog.Logger) (streamnet.Server, error) {
	srv, err := server.Listen(cfg, live, updaters, logger)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// ListenWebSocket binds a server whose sockets are WebSocket connections upgraded on
// wsCfg.Path. Every frame travels as one binary message.
func ListenWebSocket(wsCfg WebSocketConfig, cfg ServerConfig, live *Live, updaters *Updaters, logger *slog.Logger) (streamnet.Server, error) {
	if wsCfg.Logger == nil {
		wsCfg.Logger = logger
	}
	if wsCfg.Addr == "" {
		wsCfg.Addr = cfg.Address
	}
	ln, err := websocket.Listen(wsCfg)
	if err != nil {
		return nil, &server.BindError{Addr: wsCfg.Addr, Err: err}
	}
	return server.NewFromListener(ln, cfg, live, updaters, logger), nil
}

// NewConn wraps an accepted or dialed socket with h as its first stage.
func NewConn(c net.Conn, reg *Registry, live *Live, updaters *Updaters, h streamnet.Handler, cfg ConnConfig, logger *slog.Logger) *Connection {
	return conn.New(c, conn.Options{
		Registry: reg,
		Live:     live,
		Updaters: updaters,
		Handler:  h,
		Logger:   logger,
		Config:   cfg,
	})
}

// Dial opens a TCP connection to addr. The connection does nothing until Start.
func Dial(ctx context.Context, addr string, reg *Registry, live *Live, updaters *Updaters, h streamnet.Handler, cfg ConnConfig, logger *slog.Logger) (*Connection, error) {
	return conn.Dial(ctx, "tcp", addr, conn.Options{
		Registry: reg,
		Live:     live,
		Updaters: updaters,
		Handler:  h,
		Logger:   logger,
		Config:   cfg,
	})
}

// DialWebSocket opens a WebSocket connection to url, such as "ws://host:8080/ws".
func DialWebSocket(ctx context.Context, url string, reg *Registry, live *Live, updaters *Updaters, h streamnet.Handler, cfg ConnConfig, logger *slog.Logger) (*Connection, error) {
	ws, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, reg, live, updaters, h, cfg, logger), nil
}

// NewServerHandshake returns the first stage of a server-side connection.
func NewServerHandshake(cfg HandshakeConfig) streamnet.Handler {
	return handler.NewServerHandshake(cfg)
}

// NewClientHandshake returns the first stage of a client-side connection.
func NewClientHandshake(cfg ClientHandshakeConfig) streamnet.Handler {
	return handler.NewClientHandshake(cfg)
}

// NewDefault returns the steady-state stage.
func NewDefault(cfg DefaultConfig) streamnet.Handler {
	return handler.NewDefault(cfg)
}

// AllOrigins accepts WebSocket upgrades from any origin. Use it for development only.
func AllOrigins() CheckOriginFn {
	return websocket.AllOrigins()
}

// DefaultRateLimitConfig returns the default inbound rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return conn.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return conn.NoRateLimit()
}
