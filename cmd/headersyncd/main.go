package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "headersyncd",
		Usage: "Sync Dash block headers from a Core node into Kafka and ClickHouse",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the header sync daemon",
				Flags:  runFlags(),
				Action: run,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
