package app

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/luciancaetano/streamnet/internal/config"
	"github.com/luciancaetano/streamnet/internal/logging"
)

// env carries the global flags to the subcommands.
type env struct {
	logLevel   string
	configFile string
	logger     *slog.Logger
}

func (e *env) config() (*config.Config, error) {
	return config.Load(e.logger, e.configFile)
}

func Instance() *cli.App {
	e := &env{logLevel: "info", logger: slog.Default()}
	return &cli.App{
		Name:  "streamnet",
		Usage: "Binary packet protocol server and client",
		Commands: []*cli.Command{
			serveCmd(e),
			connectCmd(e),
			userCmd(e),
			tokenCmd(e),
			archiveCmd(e),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Verbosity of log, valid values are: debug, info, warn, error",
				EnvVars:     []string{"STREAMNET_LOG_LEVEL"},
				Destination: &e.logLevel,
				Value:       e.logLevel,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path of a yaml configuration file",
				EnvVars:     []string{"STREAMNET_CONFIG"},
				Destination: &e.configFile,
			},
		},
		Before: func(ctx *cli.Context) error {
			logger, err := logging.New(ctx.App.ErrWriter, e.logLevel)
			if err != nil {
				return err
			}
			e.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
}

func Run(ctx context.Context, args []string) error {
	app := Instance()
	return app.RunContext(ctx, args)
}
