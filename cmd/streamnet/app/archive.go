package app

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/luciancaetano/streamnet/internal/archive"
)

func archiveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Inspects and edits the data ranges a server announces",
		Subcommands: []*cli.Command{
			archiveAddCmd(e),
			archiveListCmd(e),
		},
	}
}

func archiveAddCmd(e *env) *cli.Command {
	var name string
	var from, to uint64
	return &cli.Command{
		Name:  "add",
		Usage: "Marks a range of a stream as held",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stream", Aliases: []string{"s"}, Required: true, Destination: &name},
			&cli.Uint64Flag{Name: "from", Required: true, Destination: &from},
			&cli.Uint64Flag{Name: "to", Required: true, Destination: &to},
		},
		Action: func(ctx *cli.Context) error {
			if to < from {
				return errors.New("--to must not be below --from")
			}
			cfg, err := e.config()
			if err != nil {
				return err
			}
			arch, err := archive.LoadFile(cfg.Archive.Path, e.logger)
			if err != nil {
				return err
			}
			arch.Add(name, archive.Range{From: from, To: to})
			return saveArchive(arch, cfg.Archive.Path)
		},
	}
}

func archiveListCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Prints every stream and its ranges",
		Action: func(ctx *cli.Context) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			arch, err := archive.LoadFile(cfg.Archive.Path, e.logger)
			if err != nil {
				return err
			}
			for _, s := range arch.Streams() {
				fmt.Fprintf(ctx.App.Writer, "%s %v\n", s, arch.Ranges(s))
			}
			return nil
		},
	}
}
