package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/orderflow/
var version = "dev"

func newVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the orderflow version",
		Action: func(ctx context.Context, command *cli.Command) error {
			fmt.Fprintln(command.Root().Writer, version)
			return nil
		},
	}
}
