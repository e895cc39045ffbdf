package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dukerupert/courier/internal/auth"
	"github.com/dukerupert/courier/internal/config"
	"github.com/dukerupert/courier/internal/push"
)

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a development credential signed with COURIER_JWT_SECRET",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Usage:    "User id to put in the subject claim",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Credential lifetime",
				Value: time.Hour,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAlg)
			if err != nil {
				return err
			}
			tok, exp, err := v.Issue(c.String("user"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			fmt.Fprintf(c.Root().ErrWriter, "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
}

func vapidKeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "vapid-keys",
		Usage: "Generate a VAPID key pair for web push",
		Action: func(ctx context.Context, c *cli.Command) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Printf("COURIER_VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Printf("COURIER_VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}
