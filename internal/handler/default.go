package handler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/permission"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/internal/registry"
)

const (
	DefaultKeepAliveInterval = time.Second
	DefaultKeepAliveTimeout  = 5 * time.Second
)

// ServerInfo is what the server side reports in ConnectionInfo.
type ServerInfo struct {
	Version string
	Started time.Time
	Live    *registry.Registry
}

// DefaultConfig configures the steady-state stage.
type DefaultConfig struct {
	// Expect is the direction of the packets this side receives: DirectionClient on the
	// server, DirectionServer on the client.
	Expect            protocol.Direction
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	Presenter         streamnet.Presenter
	// Info answers ConnectionInfoRequest; nil on the client side.
	Info *ServerInfo
	// Fallback receives the packets this stage does not consume, such as domain payloads.
	Fallback PacketFunc
	Logger   *slog.Logger
	Now      func() time.Time
}

// Default is the steady-state stage. It keeps the connection alive, honours disconnect
// notices and answers informational requests.
type Default struct {
	cfg DefaultConfig

	mu       sync.Mutex
	nextID   uint64
	pending  bool
	deadline time.Time
	lastPing time.Time
}

func NewDefault(cfg DefaultConfig) *Default {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Default{cfg: cfg}
}

// OnUpdate sends a keepalive once per interval while none is outstanding, and fails once the
// outstanding one is past its deadline.
func (h *Default) OnUpdate(ctx context.Context, c streamnet.Conn) error {
	h.mu.Lock()
	now := h.cfg.Now()
	if h.pending {
		if now.After(h.deadline) {
			id := h.nextID
			h.mu.Unlock()
			return &KeepAliveTimeout{ID: id}
		}
		h.mu.Unlock()
		return nil
	}
	if !h.lastPing.IsZero() && now.Sub(h.lastPing) < h.cfg.KeepAliveInterval {
		h.mu.Unlock()
		return nil
	}
	h.nextID++
	id := h.nextID
	h.pending = true
	h.deadline = now.Add(h.cfg.KeepAliveTimeout)
	h.lastPing = now
	h.mu.Unlock()

	return c.SendPacket(&protocol.KeepAlive{ID: id})
}

func (h *Default) OnPacket(ctx context.Context, c streamnet.Conn, p protocol.Packet) error {
	if err := CheckDirection(h.cfg.Expect, p); err != nil {
		return err
	}

	switch p := p.(type) {
	case *protocol.KeepAlive:
		if !p.Response {
			return c.SendPacket(&protocol.KeepAlive{ID: p.ID, Response: true})
		}
		h.acknowledge(p.ID)
		return nil

	case *protocol.Disconnect:
		return &PeerDisconnect{Reason: p.Reason}

	case *protocol.Print:
		if h.cfg.Presenter != nil {
			h.cfg.Presenter.Print(c, p.Level, p.Message)
		} else {
			h.cfg.Logger.Info(p.Message, slog.String("level", p.Level.String()))
		}
		return nil

	case *protocol.ConnectionInfo:
		if h.cfg.Presenter != nil {
			h.cfg.Presenter.ConnectionInfo(c, p)
		}
		return nil

	case *protocol.ConnectionInfoRequest:
		if h.cfg.Info == nil {
			return protocol.Unexpected("steady state", p)
		}
		return c.SendPacket(h.connectionInfo(ctx, c))

	case *protocol.PacketTypeInfo:
		if p.Query {
			return c.SendPacket(&protocol.PacketTypeInfo{
				Type:  p.Type,
				Known: c.Registry().Contains(p.Type),
			})
		}
		h.cfg.Logger.Debug("packet type info", slog.String("type", p.Type.String()), slog.Bool("known", p.Known))
		return nil

	case *protocol.Handshake, *protocol.HandshakeResponse:
		return protocol.Unexpected("steady state", p)
	}

	if h.cfg.Fallback != nil {
		return h.cfg.Fallback(ctx, c, p)
	}
	return nil
}

// acknowledge clears the outstanding keepalive when id matches it. Stale ids are ignored.
func (h *Default) acknowledge(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending && id == h.nextID {
		h.pending = false
	}
}

// connectionInfo fills in the connection count only for moderators.
func (h *Default) connectionInfo(ctx context.Context, c streamnet.Conn) *protocol.ConnectionInfo {
	info := h.cfg.Info
	id, _ := uuid.Parse(c.ID())
	resp := &protocol.ConnectionInfo{
		ConnectionID:  id,
		ServerVersion: info.Version,
		UptimeMillis:  h.cfg.Now().Sub(info.Started).Milliseconds(),
	}
	if u := c.User(); u != nil {
		resp.User = u.Name
		resp.Level = u.Level
	}
	if info.Live != nil && permission.Require(ctx, "connection_info.count", identity.LevelMod) == nil {
		resp.Connections = uint32(info.Live.ConnCount())
	}
	return resp
}

func (h *Default) OnExit(c streamnet.Conn, reason string) {
	if h.cfg.Presenter != nil {
		h.cfg.Presenter.Disconnected(c, reason)
	}
	h.cfg.Logger.Info("disconnected", slog.String("conn", c.ID()), slog.String("reason", reason))
}
