package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/dukerupert/courier/internal/agent"
	"github.com/dukerupert/courier/internal/logging"
)

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "Connect a reconciling client; stdin lines are sent to the chat",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Websocket URL of the gateway",
				Value: "ws://localhost:8080/ws",
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "Credential to authenticate with",
				Sources:  cli.EnvVars("COURIER_TOKEN"),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "chat",
				Usage: "Chat to join",
			},
			&cli.Uint64Flag{
				Name:  "max-retries",
				Usage: "Consecutive failed connection attempts before going offline",
				Value: 8,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: runAgent,
	}
}

func runAgent(ctx context.Context, c *cli.Command) error {
	level := "warn"
	if c.Bool("debug") {
		level = "debug"
	}
	logger := logging.Setup(level, "text")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := c.Root().Writer
	a := agent.New(agent.Config{
		URL:        c.String("url"),
		Token:      agent.StaticToken(c.String("token")),
		ChatID:     c.String("chat"),
		MaxRetries: c.Uint64("max-retries"),
		Logger:     logger,
		OnState: func(s agent.State) {
			fmt.Fprintf(out, "* %s\n", s)
		},
		OnEvent: func(ev agent.Event) {
			switch {
			case ev.Record != nil:
				fmt.Fprintf(out, "[%s] %s: %s\n", ev.Record.Status, ev.Record.SenderID, ev.Record.Content)
			case ev.Notification != nil:
				fmt.Fprintf(out, "! %s: %s\n", ev.Notification.Title, ev.Notification.Message)
			case ev.Read != nil:
				fmt.Fprintf(out, "* %s read %s\n", ev.Read.UserID, ev.Read.ChatID)
			case ev.Err != nil:
				fmt.Fprintf(out, "error %s: %s\n", ev.Err.Code, ev.Err.Message)
			}
		},
	})

	if c.String("chat") != "" {
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" {
					continue
				}
				if _, err := a.Send(ctx, line); err != nil {
					fmt.Fprintf(out, "send: %v\n", err)
				}
			}
		}()
	}

	err := a.Run(ctx)
	if errors.Is(err, agent.ErrOffline) {
		return cli.Exit(err.Error(), 2)
	}
	return err
}
