package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lowaak/wristlink/internal/coordinator"
	"github.com/lowaak/wristlink/internal/link"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/session"
	"github.com/spf13/cobra"
)

const demoLogID = "demo-log"

var errDemoTimeout = errors.New("demo: timed out")

func newDemoCmd(a *app) *cobra.Command {
	var (
		name string
		sets int
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a hub and a peripheral in one process and play a short session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sets < 0 {
				return fmt.Errorf("--sets must not be negative, got %d", sets)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runDemo(ctx, cmd.OutOrStdout(), name, sets)
		},
	}
	cmd.Flags().StringVar(&name, "session", "Demo", "session name")
	cmd.Flags().IntVar(&sets, "sets", 3, "number of sets to sample")
	return cmd
}

func (a *app) runDemo(ctx context.Context, out io.Writer, name string, sets int) error {
	// The demo prints its own transcript; the monitor is not shown.
	cfg := a.cfg
	cfg.UI = false
	logs := newLogging(cfg)
	defer logs.Close()
	logger := logs.Logger

	hubEnd, peripheralEnd := link.NewPipe(logger, link.WithReplies(cfg.Link.Replies))
	defer hubEnd.Close()
	defer peripheralEnd.Close()

	p, err := newProviders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	peripheral := coordinator.New(coordinatorConfig(cfg, protocol.RolePeripheral), peripheralEnd, p.heartRate, p.motion, logger)
	defer peripheral.Shutdown()
	hub := coordinator.New(coordinatorConfig(cfg, protocol.RoleHub), hubEnd, nil, nil, logger)
	defer hub.Shutdown()

	s := &demoScript{hub: hub, out: out, wait: cfg.Coordinator.ResultTimeout}
	return s.run(ctx, name, sets)
}

// demoScript drives a hub through start, one sample per set, a heart-rate
// and a velocity reading, and end, printing what comes back.
type demoScript struct {
	hub  *coordinator.Coordinator
	out  io.Writer
	wait time.Duration
}

func (s *demoScript) run(ctx context.Context, name string, sets int) error {
	states := make(chan session.State, 16)
	defer s.hub.Session().Listen(states)()
	results := make(chan protocol.SampleResult, 8)
	defer s.hub.ListenToResults(results)()
	readings := make(chan protocol.Message, 8)
	defer s.hub.ListenToReadings(readings)()

	if err := s.hub.StartSession(name); err != nil {
		return err
	}
	if err := s.waitForState(ctx, states, session.State.Active); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "session %q started\n", name)

	for set := 0; set < sets; set++ {
		if err := s.hub.RequestSample(demoLogID, set); err != nil {
			return err
		}
		r, err := waitFor(ctx, results, s.wait)
		switch {
		case errors.Is(err, errDemoTimeout):
			fmt.Fprintf(s.out, "%s set %d: no result\n", demoLogID, set)
			continue
		case err != nil:
			return err
		}
		fmt.Fprintf(s.out, "%s set %d: %d bpm, speed %.2f\n", r.ExerciseLogID, r.SetIndex, r.BPM, r.Speed)
	}

	if err := s.hub.RequestHeartRate(); err != nil {
		return err
	}
	s.printReading(ctx, readings)
	if err := s.hub.RequestVelocity(); err != nil {
		return err
	}
	s.printReading(ctx, readings)

	drain(states)
	if err := s.hub.EndSession(); err != nil {
		return err
	}
	if err := s.waitForState(ctx, states, func(st session.State) bool { return !st.Active() }); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "session ended")
	return nil
}

func (s *demoScript) printReading(ctx context.Context, readings <-chan protocol.Message) {
	msg, err := waitFor(ctx, readings, s.wait)
	if err != nil {
		fmt.Fprintf(s.out, "reading: %v\n", err)
		return
	}
	switch r := msg.(type) {
	case protocol.HeartRateOnly:
		fmt.Fprintf(s.out, "heart rate: %d bpm\n", r.BPM)
	case protocol.VelocityOnly:
		fmt.Fprintf(s.out, "velocity: %.2f\n", r.Speed)
	}
}

func (s *demoScript) waitForState(ctx context.Context, states <-chan session.State, want func(session.State) bool) error {
	deadline := time.After(s.wait)
	for {
		select {
		case st := <-states:
			if want(st) {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("%w waiting for session state", errDemoTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func drain[T any](ch <-chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func waitFor[T any](ctx context.Context, ch <-chan T, wait time.Duration) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(wait):
		return zero, errDemoTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
