package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func newMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Run the engine in-process and serve MCP tools over stdio",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if a.sweeper != nil {
				if err := a.sweeper.Start(ctx); err != nil {
					return err
				}
				defer a.sweeper.Stop()
			}
			return a.mcp.Serve(ctx)
		},
	}
}
