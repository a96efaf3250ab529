package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lowaak/wristlink/internal/coordinator"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/sensors"
	"github.com/spf13/cobra"
)

func newPeripheralCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "peripheral",
		Aliases: []string{"watch"},
		Short:   "Run the peripheral: answer sample requests with heart rate and speed",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runPeripheral(ctx, cmd.OutOrStdout())
		},
	}
}

func (a *app) runPeripheral(ctx context.Context, out io.Writer) error {
	logs := newLogging(a.cfg)
	defer logs.Close()
	logger := logs.Logger

	l, err := newHTTPLink(a.cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	p, err := newProviders(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	peripheral := coordinator.New(coordinatorConfig(a.cfg, protocol.RolePeripheral), l, p.heartRate, p.motion, logger)
	defer peripheral.Shutdown()

	if addr := a.cfg.Simulator.Listen; addr != "" {
		if p.simulated == nil {
			logger.Printf("Peripheral: simulator control needs a simulated heart-rate source, not started")
		} else {
			srv := sensors.NewSimulatorServer(addr, p.simulated, p.motionSource, logger)
			srv.Start()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Printf("Peripheral: simulator shutdown: %v", err)
				}
			}()
		}
	}

	if a.cfg.UI {
		return runMonitor(ctx, peripheral, nil, logs)
	}
	fmt.Fprintf(out, "peripheral listening on %s, peer %s\n", l.Addr(), a.cfg.Link.Peer)
	<-ctx.Done()
	return nil
}
