package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lowaak/wristlink/internal/console"
	"github.com/lowaak/wristlink/internal/coordinator"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/spf13/cobra"
)

func newHubCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the hub: start and end sessions, request samples",
		Long: "hub runs the phone side of the pair. Commands are read from standard input, " +
			"or from the command line of the monitor with --ui.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runHub(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) runHub(ctx context.Context, in io.Reader, out io.Writer) error {
	logs := newLogging(a.cfg)
	defer logs.Close()
	logger := logs.Logger

	l, err := newHTTPLink(a.cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	hub := coordinator.New(coordinatorConfig(a.cfg, protocol.RoleHub), l, nil, nil, logger)
	defer hub.Shutdown()

	if a.cfg.UI {
		return runMonitor(ctx, hub, hub, logs)
	}
	fmt.Fprintf(out, "hub listening on %s, peer %s\n", l.Addr(), a.cfg.Link.Peer)
	return console.Run(ctx, in, out, hub, logger)
}
