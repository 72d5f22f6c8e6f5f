package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rskumar/orderflow/internal/config"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "orderflow",
		Usage:                 "Join orders with returns through a batch job state machine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to orderflow.yaml (default: ./orderflow.yaml, then ~/.orderflow/orderflow.yaml)",
				Sources: cli.EnvVars("ORDERFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of a running orderflow server (default: server.base_url)",
				Sources: cli.EnvVars("ORDERFLOW_SERVER_URL"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newMCPCommand(),
			newTriggerCommand(),
			newMonitorCommand(),
			newDescribeCommand(),
			newListCommand(),
			newAbortCommand(),
			newResolveCommand(),
			newUploadCommand(),
			newMigrateCommand(),
			newDefinitionCommand(),
			newVersionCommand(),
		},
	}
}

// loadConfig reads the configuration named by --config.
func loadConfig(command *cli.Command) (*config.Config, error) {
	return config.Load(command.String("config"))
}
