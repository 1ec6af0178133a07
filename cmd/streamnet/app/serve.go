package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/archive"
	"github.com/luciancaetano/streamnet/internal/config"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/identity/store"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/stream"
)

func serveCmd(e *env) *cli.Command {
	var bind, wsBind string
	return &cli.Command{
		Name:  "serve",
		Usage: "Accepts streamnet connections over TCP and, optionally, WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind-addr", Aliases: []string{"b"}, Usage: "Overrides server.address", Destination: &bind},
			&cli.StringFlag{Name: "ws-addr", Usage: "Overrides websocket.address", Destination: &wsBind},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Address = bind
			}
			if wsBind != "" {
				cfg.WebSocket.Address = wsBind
			}
			return serve(ctx.Context, cfg, e.logger)
		},
	}
}

// node is one running server process: its listeners, the live connections and the
// shared state their handlers consult.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	reg      *stream.Registry
	live     *stream.Live
	updaters *stream.Updaters
	auth     *identity.Authenticator
	archive  *archive.Archive
	info     *stream.ServerInfo

	// ready holds the connections that completed the handshake, keyed by id.
	mu    sync.RWMutex
	ready map[string]streamnet.Conn
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dir, err := store.Open(cfg.Directory.Path)
	if err != nil {
		return fmt.Errorf("open identity directory: %w", err)
	}
	defer dir.Close()

	arch, err := archive.LoadFile(cfg.Archive.Path, logger)
	if err != nil {
		return fmt.Errorf("load archive: %w", err)
	}

	n := newNode(cfg, logger, dir, arch)
	servers, err := n.listen()
	if err != nil {
		return err
	}
	for _, srv := range servers {
		srv.OnConnect(n.accept(ctx))
		if err := srv.Start(ctx); err != nil {
			n.live.Shutdown(streamnet.ReasonServerShutdown)
			return err
		}
		logger.Info("listening", slog.String("addr", srv.Addr().String()))
	}

	<-ctx.Done()
	logger.Info("shutting down", slog.Int("connections", n.live.ConnCount()))
	n.live.Shutdown(streamnet.ReasonServerShutdown)
	n.updaters.ExitAll()
	return saveArchive(arch, cfg.Archive.Path)
}

func newNode(cfg *config.Config, logger *slog.Logger, dir identity.Directory, arch *archive.Archive) *node {
	version, _ := cfg.ProtocolVersion()
	var tokens *identity.Tokens
	if cfg.TokensEnabled() {
		tokens = identity.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		logger.Warn("auth.jwtSecret is not set, token authentication is disabled")
	}
	live := stream.NewLive()
	return &node{
		cfg:      cfg,
		logger:   logger,
		reg:      stream.DefaultRegistry(),
		live:     live,
		updaters: stream.NewUpdaters(),
		auth: &identity.Authenticator{
			Directory:   dir,
			Tokens:      tokens,
			AllowGuests: cfg.Auth.AllowGuests,
		},
		archive: arch,
		info:    &stream.ServerInfo{Version: version.String(), Started: time.Now(), Live: live},
		ready:   make(map[string]streamnet.Conn),
	}
}

func (n *node) listen() ([]streamnet.Server, error) {
	tcp, err := stream.Listen(n.cfg.ServerConfig(), n.live, n.updaters, n.logger)
	if err != nil {
		return nil, err
	}
	servers := []streamnet.Server{tcp}
	if n.cfg.WebSocket.Address == "" {
		return servers, nil
	}

	ws, err := stream.ListenWebSocket(stream.WebSocketConfig{
		Addr:        n.cfg.WebSocket.Address,
		Path:        n.cfg.WebSocket.Path,
		CheckOrigin: stream.AllOrigins(),
	}, n.cfg.ServerConfig(), n.live, n.updaters, n.logger)
	if err != nil {
		tcp.Close()
		return nil, err
	}
	return append(servers, ws), nil
}

// accept builds the connect listener shared by every server of the node.
func (n *node) accept(ctx context.Context) streamnet.ConnectFn {
	version, _ := n.cfg.ProtocolVersion()
	return func(host string, port int, c net.Conn) {
		hs := stream.NewServerHandshake(stream.HandshakeConfig{
			Version:              version,
			Authenticator:        n.auth,
			CompressionThreshold: n.cfg.CompressionThreshold(),
			Next:                 n.steady,
			Logger:               n.logger,
		})
		conn := stream.NewConn(c, n.reg, n.live, n.updaters, hs, n.cfg.ConnConfig(), n.logger)
		n.logger.Debug("accepted", slog.String("host", host), slog.Int("port", port), slog.String("conn", conn.ID()))
		conn.Start(ctx)
	}
}

// steady is the stage a connection enters after a successful handshake.
func (n *node) steady(c streamnet.Conn) streamnet.Handler {
	n.mu.Lock()
	n.ready[c.ID()] = c
	n.mu.Unlock()
	c.OnDisconnect(func(c streamnet.Conn, reason string) {
		n.mu.Lock()
		delete(n.ready, c.ID())
		n.mu.Unlock()
	})
	if !c.IsAlive() {
		n.mu.Lock()
		delete(n.ready, c.ID())
		n.mu.Unlock()
	}

	if err := n.archive.Announce(c); err != nil {
		n.logger.Warn("announce archive", slog.String("conn", c.ID()), slog.Any("error", err))
	}
	return stream.NewDefault(stream.DefaultConfig{
		Expect:            protocol.DirectionClient,
		KeepAliveInterval: n.cfg.KeepAlive.Interval,
		KeepAliveTimeout:  n.cfg.KeepAlive.Timeout,
		Info:              n.info,
		Fallback:          n.relay,
		Logger:            n.logger,
	})
}

// relay forwards player positions to every other connection past its handshake.
func (n *node) relay(ctx context.Context, from streamnet.Conn, p protocol.Packet) error {
	pos, ok := p.(*protocol.PlayerPosition)
	if !ok {
		return protocol.Unexpected("steady state", p)
	}
	for _, c := range n.readyConns() {
		if c.ID() == from.ID() {
			continue
		}
		if err := c.SendPacket(pos); err != nil {
			n.logger.Debug("relay skipped", slog.String("conn", c.ID()), slog.Any("error", err))
		}
	}
	return nil
}

func (n *node) readyConns() []streamnet.Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]streamnet.Conn, 0, len(n.ready))
	for _, c := range n.ready {
		out = append(out, c)
	}
	return out
}

func saveArchive(arch *archive.Archive, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return arch.SaveFile(path)
}
