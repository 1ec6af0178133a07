package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/protocol"
)

const DefaultHandshakeTimeout = 10 * time.Second

var ErrIncompatibleVersion = errors.New("incompatible protocol version")

// HandshakeRejected is returned by the handshake stages when a session is refused.
type HandshakeRejected struct {
	Reason string
}

func (e *HandshakeRejected) Error() string {
	return "handshake rejected: " + e.Reason
}

// Authenticator resolves handshake credentials to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, username, token, password string) (*identity.User, error)
}

// CheckVersion accepts a client version with the same major version as server that is not
// newer than server.
func CheckVersion(server *semver.Version, client string) error {
	v, err := semver.NewVersion(client)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatibleVersion, client, err)
	}
	if v.Major() != server.Major() || v.GreaterThan(server) {
		return fmt.Errorf("%w: client %s, server %s", ErrIncompatibleVersion, v, server)
	}
	return nil
}

// ServerHandshakeConfig configures the server side of the handshake.
type ServerHandshakeConfig struct {
	Version *semver.Version
	// Authenticator may be nil, in which case every client is admitted as a guest.
	Authenticator Authenticator
	// CompressionThreshold is granted to clients asking for compression.
	// protocol.NoCompression refuses compression.
	CompressionThreshold int
	Timeout              time.Duration
	// Next builds the stage that replaces the handshake once it succeeds.
	Next   func(c streamnet.Conn) streamnet.Handler
	Logger *slog.Logger
	Now    func() time.Time
}

// ServerHandshake waits for the client's Handshake, validates its version and credentials,
// answers with a forced HandshakeResponse and swaps itself for the next stage.
type ServerHandshake struct {
	cfg     ServerHandshakeConfig
	mu      sync.Mutex
	started time.Time
	done    bool
}

func NewServerHandshake(cfg ServerHandshakeConfig) *ServerHandshake {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ServerHandshake{cfg: cfg, started: cfg.Now()}
}

func (h *ServerHandshake) OnPacket(ctx context.Context, c streamnet.Conn, p protocol.Packet) error {
	if err := CheckDirection(protocol.DirectionClient, p); err != nil {
		return err
	}
	if d, ok := p.(*protocol.Disconnect); ok {
		return &PeerDisconnect{Reason: d.Reason}
	}
	hs, ok := p.(*protocol.Handshake)
	if !ok {
		return protocol.Unexpected("handshake", p)
	}

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return protocol.Unexpected("handshake", p)
	}
	h.done = true
	h.mu.Unlock()

	logger := h.cfg.Logger.With(slog.String("conn", c.ID()), slog.String("user", hs.Username))

	if err := CheckVersion(h.cfg.Version, hs.ProtocolVersion); err != nil {
		logger.Warn("handshake refused", slog.Any("error", err))
		return h.reject(c, err.Error())
	}

	user, err := h.authenticate(ctx, hs)
	if err != nil {
		logger.Warn("authentication failed", slog.Any("error", err))
		return h.reject(c, "authentication failed")
	}
	c.SetUser(user)

	threshold := protocol.NoCompression
	if hs.Compression && h.cfg.CompressionThreshold >= 0 {
		threshold = h.cfg.CompressionThreshold
	}
	resp := &protocol.HandshakeResponse{
		Accepted:             true,
		ServerVersion:        h.cfg.Version.String(),
		CompressionThreshold: int32(threshold),
		User:                 user,
	}
	if err := c.SendPacket(resp, streamnet.Force()); err != nil {
		return err
	}
	c.SetCompression(threshold)

	if h.cfg.Next != nil {
		c.SetHandler(h.cfg.Next(c))
	}
	logger.Info("handshake complete", slog.Int("level", int(user.Level)), slog.Int("compression", threshold))
	return nil
}

func (h *ServerHandshake) authenticate(ctx context.Context, hs *protocol.Handshake) (*identity.User, error) {
	if h.cfg.Authenticator == nil {
		return identity.NewUser(hs.Username, -1, identity.LevelGuest, nil), nil
	}
	return h.cfg.Authenticator.Authenticate(ctx, hs.Username, hs.Token, hs.Password)
}

func (h *ServerHandshake) reject(c streamnet.Conn, reason string) error {
	resp := &protocol.HandshakeResponse{
		Reason:               reason,
		ServerVersion:        h.cfg.Version.String(),
		CompressionThreshold: protocol.NoCompression,
	}
	if err := c.SendPacket(resp, streamnet.Force()); err != nil {
		return err
	}
	return &HandshakeRejected{Reason: reason}
}

// OnUpdate enforces the handshake deadline.
func (h *ServerHandshake) OnUpdate(ctx context.Context, c streamnet.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done && h.cfg.Now().Sub(h.started) > h.cfg.Timeout {
		return errors.New(streamnet.ReasonHandshakeTimeout)
	}
	return nil
}

func (h *ServerHandshake) OnExit(c streamnet.Conn, reason string) {
	h.cfg.Logger.Debug("exit during handshake", slog.String("conn", c.ID()), slog.String("reason", reason))
}

// ClientHandshakeConfig configures the client side of the handshake.
type ClientHandshakeConfig struct {
	Version     string
	Username    string
	Token       string
	Password    string
	Compression bool
	Timeout     time.Duration
	Next        func(c streamnet.Conn) streamnet.Handler
	// OnAccepted is called with the server's answer before the stage is swapped.
	OnAccepted func(resp *protocol.HandshakeResponse)
	Logger     *slog.Logger
	Now        func() time.Time
}

// ClientHandshake sends the Handshake on its first tick and waits for the response.
type ClientHandshake struct {
	cfg     ClientHandshakeConfig
	mu      sync.Mutex
	sentAt  time.Time
	sent    bool
	settled bool
}

func NewClientHandshake(cfg ClientHandshakeConfig) *ClientHandshake {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ClientHandshake{cfg: cfg}
}

func (h *ClientHandshake) OnUpdate(ctx context.Context, c streamnet.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.sent {
		h.sent = true
		h.sentAt = h.cfg.Now()
		return c.SendPacket(&protocol.Handshake{
			ProtocolVersion: h.cfg.Version,
			Username:        h.cfg.Username,
			Token:           h.cfg.Token,
			Password:        h.cfg.Password,
			Compression:     h.cfg.Compression,
		}, streamnet.NoCompression())
	}
	if !h.settled && h.cfg.Now().Sub(h.sentAt) > h.cfg.Timeout {
		return errors.New(streamnet.ReasonHandshakeTimeout)
	}
	return nil
}

func (h *ClientHandshake) OnPacket(ctx context.Context, c streamnet.Conn, p protocol.Packet) error {
	if err := CheckDirection(protocol.DirectionServer, p); err != nil {
		return err
	}

	switch p := p.(type) {
	case *protocol.Disconnect:
		return &PeerDisconnect{Reason: p.Reason}
	case *protocol.HandshakeResponse:
		h.mu.Lock()
		if !h.sent || h.settled {
			h.mu.Unlock()
			return protocol.Unexpected("handshake", p)
		}
		h.settled = true
		h.mu.Unlock()

		if !p.Accepted {
			return &HandshakeRejected{Reason: p.Reason}
		}
		c.SetUser(p.User)
		c.SetCompression(int(p.CompressionThreshold))
		if h.cfg.OnAccepted != nil {
			h.cfg.OnAccepted(p)
		}
		if h.cfg.Next != nil {
			c.SetHandler(h.cfg.Next(c))
		}
		h.cfg.Logger.Info("connected", slog.String("server", p.ServerVersion))
		return nil
	default:
		return protocol.Unexpected("handshake", p)
	}
}

func (h *ClientHandshake) OnExit(c streamnet.Conn, reason string) {
	h.cfg.Logger.Debug("exit during handshake", slog.String("reason", reason))
}
