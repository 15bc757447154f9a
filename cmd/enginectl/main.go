// Package main provides enginectl, the operator console for a fleet engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/fleet-engine/internal/console"
	"github.com/narvanalabs/fleet-engine/pkg/logger"
)

var version = "dev"

func main() {
	var (
		addr    string
		secret  string
		wait    time.Duration
		verbose bool
	)

	newConsole := func() *console.Console {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		client := console.NewClient(addr)
		c := console.New(client, logger.NewWithWriter(os.Stderr, level, false).Logger)
		if secret != "" {
			client.Authenticate(secret, c.Sender())
		}
		c.Wait = wait
		return c
	}

	root := &cobra.Command{
		Use:          "enginectl",
		Short:        "Operator console for a fleet engine",
		Long:         "enginectl reads fleet state from an engine and queues commands for any engine on its appnets.\nWithout a subcommand it starts an interactive shell.",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newConsole()
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s as %s; type help\n", addr, c.Sender())
			return c.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&addr, "engine", "e", envOr("ENGINECTL_ENGINE", "127.0.0.1:8085"), "engine API address")
	flags.StringVar(&secret, "secret", os.Getenv("ENGINE_NETWORK_SECRET"), "network secret used to sign API requests")
	flags.DurationVarP(&wait, "wait", "w", 30*time.Second, "how long send waits for a reply (0 to not wait)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log requests to stderr")

	root.AddCommand(&cobra.Command{
		Use:   "send <engineId> <command> [args...]",
		Short: "Queue a command for an engine and print its reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, newConsole(), "send "+strings.Join(args, " "))
		},
	})

	for _, name := range []string{"engines", "disks", "apps", "instances", "networks", "links"} {
		root.AddCommand(&cobra.Command{
			Use:   name,
			Short: "List " + name,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, newConsole(), name)
			},
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, c *console.Console, line string) error {
	out, err := c.Exec(cmd.Context(), line)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), strings.TrimRight(out, "\n")+"\n")
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
