package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/identity/store"
)

func userCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manages the identity directory",
		Subcommands: []*cli.Command{
			userAddCmd(e),
		},
	}
}

func userAddCmd(e *env) *cli.Command {
	var name, password, level string
	level = "user"
	return &cli.Command{
		Name:  "add",
		Usage: "Adds a user to the directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Destination: &name},
			&cli.StringFlag{Name: "password", Usage: "Leave empty for token-only users", EnvVars: []string{"STREAMNET_PASSWORD"}, Destination: &password},
			&cli.StringFlag{Name: "level", Usage: "guest, user, mod, admin or a number", Value: level, Destination: &level},
		},
		Action: func(ctx *cli.Context) error {
			lvl, err := identity.ParseLevel(level)
			if err != nil {
				return err
			}
			cfg, err := e.config()
			if err != nil {
				return err
			}
			dir, err := store.Open(cfg.Directory.Path)
			if err != nil {
				return err
			}
			defer dir.Close()

			group, err := dir.GroupByID(ctx.Context, store.GroupUsers)
			if err != nil {
				return err
			}
			u, err := dir.AddUser(ctx.Context, identity.NewUser(name, 0, lvl, group), password)
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "added user %s (id %d, level %s)\n", u.Name, u.ID, u.Level)
			return nil
		},
	}
}

func tokenCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Manages session tokens",
		Subcommands: []*cli.Command{
			tokenIssueCmd(e),
		},
	}
}

func tokenIssueCmd(e *env) *cli.Command {
	var name string
	var ttl time.Duration
	return &cli.Command{
		Name:  "issue",
		Usage: "Prints a signed session token for an existing user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Destination: &name},
			&cli.DurationFlag{Name: "ttl", Usage: "Overrides auth.tokenTTL", Destination: &ttl},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := e.config()
			if err != nil {
				return err
			}
			if !cfg.TokensEnabled() {
				return errors.New("auth.jwtSecret is not set, tokens cannot be issued")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			dir, err := store.Open(cfg.Directory.Path)
			if err != nil {
				return err
			}
			defer dir.Close()

			if _, err := dir.UserByName(ctx.Context, name); err != nil {
				if errors.Is(err, identity.ErrUserNotFound) {
					return fmt.Errorf("no user named %q", name)
				}
				return err
			}
			token, err := identity.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(ctx.App.Writer, token)
			return nil
		},
	}
}
