package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/callflow/pkg/cmd"
	"github.com/dukex/callflow/pkg/log"
	"github.com/dukex/callflow/pkg/workflow"
)

var ErrMissingWorkflowFile = errors.New("workflow file argument is required")

func NewValidateCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate a workflow document and optionally store it",
		ArgsUsage: "<workflow.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Store the workflow here when it is valid",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return ErrMissingWorkflowFile
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read workflow: %w", err)
			}

			graph, err := workflow.Parse(data)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(out, "Workflow %s v%d is valid (%d nodes, %d edges)\n",
				graph.ID(), graph.Version(), len(graph.Definition.Nodes), len(graph.Definition.Edges))

			for _, warning := range graph.Warnings {
				_, _ = fmt.Fprintf(out, "  warning: %s\n", warning)
			}

			databaseURL := command.String("database-url")
			if databaseURL == "" {
				return nil
			}

			logger := log.WithModule("callflow").With("action", "validate")

			store, err := cmd.NewPersistence(ctx, logger, databaseURL)
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			err = store.SaveWorkflow(ctx, graph.Definition)
			if err != nil {
				return fmt.Errorf("failed to store workflow: %w", err)
			}

			_, _ = fmt.Fprintln(out, "Stored.")

			return nil
		},
	}
}
