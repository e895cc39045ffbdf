package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "courier",
		Usage: "Presence-aware real-time and push delivery service",
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
			vapidKeysCommand(),
			agentCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
