package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/rskumar/orderflow/internal/api"
)

const defaultDrainGrace = 15 * time.Second

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine with the HTTP API, SSE updates and MCP over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Listen address (default: server.addr)",
				Sources: cli.EnvVars("ORDERFLOW_SERVER_ADDR"),
			},
			&cli.DurationFlag{
				Name:  "grace",
				Usage: "How long in-flight requests may take once shutdown begins",
				Value: defaultDrainGrace,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			if addr := command.String("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					logger.Error("shutdown failed", slog.String("error", err.Error()))
				}
			}()

			if a.sweeper != nil {
				if err := a.sweeper.Start(ctx); err != nil {
					return err
				}
			}

			swapper := newHandlerSwapper(a.handler())
			srvCtx, cancelSrv := context.WithCancel(context.WithoutCancel(ctx))
			defer cancelSrv()

			served := make(chan error, 1)
			go func() {
				served <- api.Serve(srvCtx, cfg.Server.Addr, swapper, command.Duration("grace"), logger)
			}()
			logger.Info("orderflow serving",
				slog.String("addr", cfg.Server.Addr),
				slog.String("runner", cfg.Runner.Kind),
				slog.String("artifacts", cfg.Artifacts.Backend))

			select {
			case err := <-served:
				return err
			case <-ctx.Done():
			}

			logger.Info("draining")
			swapper.Swap(api.Unavailable("draining", "server is shutting down"))
			if a.sweeper != nil {
				a.sweeper.Stop()
			}
			// Interrupted executions stay RUNNING; the next sweep resumes them.
			a.engine.Shutdown()
			cancelSrv()
			return <-served
		},
	}
}
