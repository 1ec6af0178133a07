package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/archive"
	"github.com/luciancaetano/streamnet/internal/config"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/stream"
)

type connectOptions struct {
	addr        string
	username    string
	token       string
	password    string
	noCompress  bool
	archivePath string
	once        bool
}

func connectCmd(e *env) *cli.Command {
	var opts connectOptions
	return &cli.Command{
		Name:      "connect",
		Usage:     "Connects to a server, prints its connection info and stays attached",
		ArgsUsage: "<host:port | ws://host:port/path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User name sent in the handshake", Destination: &opts.username},
			&cli.StringFlag{Name: "token", Usage: "Session token issued by 'token issue'", EnvVars: []string{"STREAMNET_TOKEN"}, Destination: &opts.token},
			&cli.StringFlag{Name: "password", Usage: "Password of the user", EnvVars: []string{"STREAMNET_PASSWORD"}, Destination: &opts.password},
			&cli.BoolFlag{Name: "no-compress", Usage: "Do not ask the server for compression", Destination: &opts.noCompress},
			&cli.StringFlag{Name: "archive", Usage: "Records the data ranges the server announces into this file", Destination: &opts.archivePath},
			&cli.BoolFlag{Name: "once", Usage: "Disconnect after printing the connection info", Destination: &opts.once},
		},
		Action: func(ctx *cli.Context) error {
			opts.addr = ctx.Args().First()
			if opts.addr == "" {
				return errors.New("missing server address")
			}
			cfg, err := e.config()
			if err != nil {
				return err
			}
			return connect(ctx.Context, cfg, opts, ctx.App.Writer, e.logger)
		},
	}
}

func connect(ctx context.Context, cfg *config.Config, opts connectOptions, out io.Writer, logger *slog.Logger) error {
	var arch *archive.Archive
	if opts.archivePath != "" {
		var err error
		if arch, err = archive.LoadFile(opts.archivePath, logger); err != nil {
			return fmt.Errorf("load archive: %w", err)
		}
	}

	version, _ := cfg.ProtocolVersion()
	pr := &printer{w: out}
	accepted := make(chan struct{})
	hs := stream.NewClientHandshake(stream.ClientHandshakeConfig{
		Version:     version.String(),
		Username:    opts.username,
		Token:       opts.token,
		Password:    opts.password,
		Compression: !opts.noCompress,
		OnAccepted:  func(*protocol.HandshakeResponse) { close(accepted) },
		Next: func(c streamnet.Conn) streamnet.Handler {
			return stream.NewDefault(stream.DefaultConfig{
				Expect:            protocol.DirectionServer,
				KeepAliveInterval: cfg.KeepAlive.Interval,
				KeepAliveTimeout:  cfg.KeepAlive.Timeout,
				Presenter:         pr,
				Fallback: func(ctx context.Context, c streamnet.Conn, p protocol.Packet) error {
					logger.Debug("packet", slog.String("type", p.Identity().String()))
					return nil
				},
				Logger: logger,
			})
		},
		Logger: logger,
	})

	c, err := dial(ctx, opts.addr, hs, cfg.ConnConfig(), logger)
	if err != nil {
		return err
	}
	if arch != nil {
		c.RegisterObserver(arch)
	}
	c.Start(ctx)
	defer c.Exit(streamnet.ReasonClosed)

	select {
	case <-accepted:
	case <-c.Done():
		return fmt.Errorf("connection refused: %s", c.ExitReason())
	case <-ctx.Done():
		return nil
	}

	if err := c.SendPacket(&protocol.ConnectionInfoRequest{}); err != nil {
		return err
	}
	// the presenter prints the answer
	if _, err := streamnet.Await[*protocol.ConnectionInfo](ctx, c, 10*time.Second); err != nil {
		return fmt.Errorf("waiting for connection info: %w", err)
	}

	if !opts.once {
		select {
		case <-ctx.Done():
		case <-c.Done():
		}
	}
	c.Exit(streamnet.ReasonClosed)
	<-c.Done()

	if arch != nil {
		return saveArchive(arch, opts.archivePath)
	}
	return nil
}

func dial(ctx context.Context, addr string, h streamnet.Handler, cfg stream.ConnConfig, logger *slog.Logger) (*stream.Connection, error) {
	reg := stream.DefaultRegistry()
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return stream.DialWebSocket(ctx, addr, reg, nil, nil, h, cfg, logger)
	}
	return stream.Dial(ctx, addr, reg, nil, nil, h, cfg, logger)
}
