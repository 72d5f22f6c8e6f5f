package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rskumar/orderflow/internal/definition"
	"github.com/rskumar/orderflow/internal/diagram"
	"github.com/rskumar/orderflow/internal/expressions"
	"github.com/rskumar/orderflow/internal/sink"
	"github.com/rskumar/orderflow/internal/validation"
	"github.com/rskumar/orderflow/pkg/schema"
)

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the execution store and the relational sink table",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			st, err := openStore(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("execution store migrated", slog.String("path", cfg.Store.Path))

			if cfg.Sink.PostgresDSN == "" {
				return nil
			}
			pg, err := sink.NewPostgresSink(ctx, cfg.Sink.PostgresDSN, cfg.Sink.Table)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate sink: %w", err)
			}
			logger.Info("relational sink migrated", slog.String("table", cfg.Sink.Table))
			return nil
		},
	}
}

func newDefinitionCommand() *cli.Command {
	return &cli.Command{
		Name:  "definition",
		Usage: "Print or validate the state machine definition",
		Commands: []*cli.Command{
			{
				Name:      "print",
				Usage:     "Print the configured definition, or the built-in one",
				ArgsUsage: "[file]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Usage: "yaml or json", Value: "yaml"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					def, err := definitionFor(command)
					if err != nil {
						return err
					}
					format := definition.FormatYAML
					if command.String("format") == "json" {
						format = definition.FormatJSON
					}
					out, err := definition.Marshal(def, format)
					if err != nil {
						return err
					}
					_, err = command.Root().Writer.Write(out)
					return err
				},
			},
			{
				Name:      "diagram",
				Usage:     "Draw the definition as a Mermaid flowchart or a PNG image",
				ArgsUsage: "[file]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Usage: "mermaid or png", Value: "mermaid"},
					&cli.StringFlag{Name: "out", Usage: "Write to this file instead of stdout"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					def, err := definitionFor(command)
					if err != nil {
						return err
					}
					model, err := diagram.Build(def, nil)
					if err != nil {
						return err
					}

					var out []byte
					switch command.String("format") {
					case "mermaid":
						out = []byte(diagram.RenderMermaid(model))
					case "png":
						if command.String("out") == "" {
							return errors.New("png output needs --out")
						}
						if out, err = diagram.RenderImage(ctx, model); err != nil {
							return err
						}
					default:
						return fmt.Errorf("unknown diagram format %q", command.String("format"))
					}

					if path := command.String("out"); path != "" {
						return os.WriteFile(path, out, 0o644)
					}
					_, err = command.Root().Writer.Write(out)
					return err
				},
			},
			{
				Name:      "validate",
				Usage:     "Check a definition's structure, expressions and transitions",
				ArgsUsage: "[file]",
				Action: func(ctx context.Context, command *cli.Command) error {
					def, err := definitionFor(command)
					if err != nil {
						return err
					}
					exprs, err := expressions.NewSet()
					if err != nil {
						return err
					}
					schemas, err := validation.NewSchemaValidator()
					if err != nil {
						return err
					}
					validator, err := validation.NewDefinitionValidator(schemas, exprs)
					if err != nil {
						return err
					}
					if err := validator.Validate(def); err != nil {
						return err
					}
					fmt.Fprintf(command.Root().Writer, "%s %d states, starts at %s\n",
						exitedStyle.Render("valid"), len(def.States), def.StartAt)
					return nil
				},
			},
		},
	}
}

// definitionFor loads the file argument, else engine.definition, else the
// built-in definition.
func definitionFor(command *cli.Command) (*schema.MachineDefinition, error) {
	path := command.Args().First()
	if path == "" {
		cfg, err := loadConfig(command)
		if err != nil {
			return nil, err
		}
		path = cfg.Engine.Definition
	}
	if path == "" {
		return definition.Default(), nil
	}
	return definition.Load(path)
}
