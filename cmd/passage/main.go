// Package main is the entry point for the passage binary. It
// supports two subcommands:
//
//   - server: runs the public tunnel server (control plane, proxy,
//     and transport endpoint)
//   - agent:  runs next to a local HTTP origin and serves proxied
//     requests through the tunnel
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/passage-dev/passage/internal/cmd"
	"github.com/passage-dev/passage/internal/cmd/server"
	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/logging"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootCmd, err := newCmd(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return rootCmd.ExecuteContext(ctx)
}

// newCmd constructs the root cobra command and registers the server
// and agent subcommands.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "passage",
		Short:         "Passage: self-hosted HTTP tunnels to local services.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return logging.Setup(conf.LogLevel(), conf.LogTimezone())
		},
	}

	if err := conf.BindFlags(c.PersistentFlags(), config.LogOptions); err != nil {
		return nil, err
	}

	serverCmd, err := cmd.NewServerCommand(conf, server.NewServer(version))
	if err != nil {
		return nil, err
	}

	agentCmd, err := cmd.NewAgentCommand(conf)
	if err != nil {
		return nil, err
	}

	c.AddCommand(serverCmd, agentCmd)

	return c, nil
}
