// Package main runs a fulfillment service, its outbox relay or the local demo.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/zoff-tech/go-fulfillment/cmd/fulfillment/commands"
)

var version = "dev"

func main() {
	configDir := &cli.StringFlag{
		Name:    "config-dir",
		Aliases: []string{"c"},
		Value:   ".",
		Usage:   "Directory holding fulfillment.yaml",
		Sources: cli.EnvVars("FULFILLMENT_CONFIG_DIR"),
	}

	cmd := &cli.Command{
		Name:    "fulfillment",
		Usage:   "Order fulfillment services with a transactional outbox",
		Version: version,
		Flags:   []cli.Flag{configDir},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the configured service: consumers, outbox relay and operator report",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunServe(ctx, cmd.String("config-dir"))
				},
			},
			{
				Name:  "relay",
				Usage: "Run only the outbox relay for the configured store",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunRelay(ctx, cmd.String("config-dir"))
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply the Postgres migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunMigrations(ctx, cmd.String("config-dir"))
				},
			},
			{
				Name:  "demo",
				Usage: "Run catalog, ordering and payment in memory and place one order",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "units",
						Value: 2,
						Usage: "Units of the demo product to order",
					},
					&cli.BoolFlag{
						Name:  "decline",
						Usage: "Make the payment gateway decline",
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "Log every step to stderr",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunDemo(ctx, os.Stdout, commands.DemoOptions{
						Units:   int(cmd.Int("units")),
						Decline: cmd.Bool("decline"),
						Verbose: cmd.Bool("verbose"),
					})
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fulfillment:", err)
		os.Exit(1)
	}
}
