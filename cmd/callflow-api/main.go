package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/callflow/pkg/config"
)

func main() {
	command := &cli.Command{
		Name:                  "callflow-api",
		Usage:                 "Run calls through their intake workflows and hand them off",
		EnableShellCompletion: true,
		Flags:                 config.Flags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := config.FromCommand(command)
			if err != nil {
				return err
			}

			return run(ctx, cfg)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := command.Run(ctx, os.Args)
	if err != nil {
		panic(err)
	}
}
