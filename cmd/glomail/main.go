// Package main is the interactive glomail client.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/shineum/glomail/internal/client"
)

func main() {
	app := &cli.App{
		Name:  "glomail",
		Usage: "read and send glomail messages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "localhost:1400",
				Usage:   "server address",
				EnvVars: []string{"GLOMAIL_SERVER"},
			},
			&cli.StringFlag{
				Name:    "domain",
				Value:   "glo2000.ca",
				Usage:   "mail domain of the server",
				EnvVars: []string{"GLOMAIL_DOMAIN"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, c.String("server"))
	if err != nil {
		return errors.Wrap(err, "glomail")
	}

	m := newMenu(conn, bufio.NewReader(os.Stdin), os.Stdout, c.String("domain"))
	if err := m.run(ctx); err != nil {
		conn.Close()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
