package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	cli "github.com/urfave/cli/v3"

	"github.com/rskumar/orderflow/internal/api"
	"github.com/rskumar/orderflow/internal/monitor"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// newClient returns a client for --server, falling back to server.base_url.
func newClient(command *cli.Command) (*api.Client, error) {
	if url := command.String("server"); url != "" {
		return api.NewClient(url, nil), nil
	}
	cfg, err := loadConfig(command)
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.Server.BaseURL, nil), nil
}

func watchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Pause between two polls",
			Value: monitor.DefaultInterval,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Stop watching after this long (0 = until the execution ends)",
		},
	}
}

// watch follows id, printing each trail line as it appears, and fails when
// the execution does not succeed.
func watch(ctx context.Context, command *cli.Command, client *api.Client, id string) error {
	if timeout := command.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out := command.Root().Writer
	m := monitor.New(client, monitor.WithInterval(command.Duration("interval")))
	result, err := m.Watch(ctx, id, monitor.Observer{
		Line: func(line string) { fmt.Fprintln(out, trailLine(line)) },
		Error: func(err error) {
			fmt.Fprintln(command.Root().ErrWriter, mutedStyle.Render("poll failed, retrying: "+err.Error()))
		},
	})
	if err != nil {
		return fmt.Errorf("stopped watching %s: %w", id, err)
	}

	fmt.Fprintf(out, "%s %s\n", headerStyle.Render("final status"), statusStyle(result.Status).Render(string(result.Status)))
	if result.Status != schema.ExecutionSucceeded {
		if result.Error != "" {
			return fmt.Errorf("execution %s: %s", result.Status, result.Error)
		}
		return fmt.Errorf("execution %s", result.Status)
	}
	return nil
}

func newTriggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Start an execution for an orders file and a returns file",
		ArgsUsage: "<orders_s3_key> <returns_s3_key>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Follow the execution until it ends",
			},
		}, watchFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() != 2 {
				return errors.New(api.MessageMissingKeys)
			}
			client, err := newClient(command)
			if err != nil {
				return err
			}

			resp, err := client.Trigger(ctx, schema.WorkflowInput{
				OrdersKey:  command.Args().Get(0),
				ReturnsKey: command.Args().Get(1),
			})
			if err != nil {
				return err
			}
			if !command.Bool("wait") {
				return printJSON(command.Root().Writer, resp)
			}
			fmt.Fprintf(command.Root().Writer, "%s %s\n", headerStyle.Render(resp.Message), resp.ExecutionArn)
			return watch(ctx, command, client, resp.ExecutionArn)
		},
	}
}

func newMonitorCommand() *cli.Command {
	return &cli.Command{
		Name:      "monitor",
		Usage:     "Follow an execution and print its progress trail",
		ArgsUsage: "<execution_id>",
		Flags:     watchFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := executionArg(command)
			if err != nil {
				return err
			}
			client, err := newClient(command)
			if err != nil {
				return err
			}
			return watch(ctx, command, client, id)
		},
	}
}

func newDescribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe",
		Usage:     "Show the current record of an execution",
		ArgsUsage: "<execution_id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the raw record"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := executionArg(command)
			if err != nil {
				return err
			}
			client, err := newClient(command)
			if err != nil {
				return err
			}
			exec, err := client.DescribeExecution(ctx, id)
			if err != nil {
				return err
			}
			if command.Bool("json") {
				return printJSON(command.Root().Writer, exec)
			}
			renderExecution(command.Root().Writer, exec)
			return nil
		},
	}
}

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List executions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Only executions with this status (RUNNING, SUCCEEDED, FAILED, TIMED_OUT, ABORTED)"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of executions", Value: 20},
			&cli.BoolFlag{Name: "json", Usage: "Print the raw records"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			client, err := newClient(command)
			if err != nil {
				return err
			}
			execs, err := client.ListExecutions(ctx, command.String("status"), command.Int("limit"))
			if err != nil {
				return err
			}
			if command.Bool("json") {
				if execs == nil {
					execs = []*store.Execution{}
				}
				return printJSON(command.Root().Writer, execs)
			}
			renderList(command.Root().Writer, execs)
			return nil
		},
	}
}

func newAbortCommand() *cli.Command {
	return &cli.Command{
		Name:      "abort",
		Usage:     "Stop a running execution",
		ArgsUsage: "<execution_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "Recorded as the cause of the abort", Value: "aborted via cli"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := executionArg(command)
			if err != nil {
				return err
			}
			client, err := newClient(command)
			if err != nil {
				return err
			}
			exec, err := client.Abort(ctx, id, command.String("reason"))
			if err != nil {
				return err
			}
			renderExecution(command.Root().Writer, exec)
			return nil
		},
	}
}

func newResolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Print the latest joined table from the object store or the relational sink",
		ArgsUsage: "<object_store|relational>",
		Action: func(ctx context.Context, command *cli.Command) error {
			source := schema.SourceObjectStore
			if command.NArg() > 0 {
				source = api.ParseSource(command.Args().First())
			}
			if !source.Valid() {
				return fmt.Errorf("unknown source %q", command.Args().First())
			}
			client, err := newClient(command)
			if err != nil {
				return err
			}
			resp, err := client.Results(ctx, source)
			if err != nil {
				var pe *schema.PipelineError
				if errors.As(err, &pe) && pe.Code == schema.ErrCodeNoDataYet {
					fmt.Fprintln(command.Root().Writer, mutedStyle.Render("no joined data yet"))
					return nil
				}
				return err
			}
			return printJSON(command.Root().Writer, resp)
		},
	}
}

func newUploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload an input file under a timestamped key",
		ArgsUsage: "<orders|returns> <file>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() != 2 {
				return errors.New("usage: orderflow upload <orders|returns> <file>")
			}
			kind, path := command.Args().Get(0), command.Args().Get(1)
			if kind != "orders" && kind != "returns" {
				return fmt.Errorf("unknown upload kind %q", kind)
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			client, err := newClient(command)
			if err != nil {
				return err
			}
			resp, err := client.Upload(ctx, kind, filepath.Base(path), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(command.Root().Writer, "%s %s/%s\n", exitedStyle.Render("uploaded"), resp.Container, resp.Key)
			return nil
		},
	}
}

func executionArg(command *cli.Command) (string, error) {
	if command.NArg() != 1 {
		return "", errors.New("expected exactly one execution id")
	}
	return command.Args().First(), nil
}
