package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Execute() error {
	return newRootCmd().Execute()
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"ui":             "ui",
	"transport":      "link.transport",
	"listen":         "link.listen",
	"peer":           "link.peer",
	"replies":        "link.replies",
	"hr-source":      "heart_rate.source",
	"bpm":            "heart_rate.simulated_bpm",
	"simulator":      "simulator.listen",
	"result-timeout": "coordinator.result_timeout",
	"log-file":       "log.file",
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "wristlink",
		Short: "wristlink: hub/peripheral workout session link",
		Long: "wristlink pairs a hub (phone side) with a peripheral (wrist side): the hub starts and ends " +
			"sessions and requests samples, the peripheral answers with heart rate and movement speed.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ~/.wristlink/config.toml)")
	flags.Bool("ui", false, "show the terminal monitor")
	flags.String("transport", "", "link transport: http or pipe")
	flags.String("listen", "", "address the link accepts peer messages on")
	flags.String("peer", "", "base URL of the other side")
	flags.Bool("replies", true, "use request/reply sends when both sides support them")
	flags.String("hr-source", "", "heart-rate source: simulated, ble or mock-strap")
	flags.Int("bpm", 0, "bpm reported by the simulated heart-rate source")
	flags.String("simulator", "", "address of the simulator control server (peripheral only)")
	flags.Duration("result-timeout", 0, "how long the hub waits for a sample result")
	flags.String("log-file", "", "log file path")

	for name, key := range flagKeys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
				return fmt.Errorf("bind --%s: %w", name, err)
			}
			return rootCmd
		}
	}

	rootCmd.AddCommand(
		newHubCmd(a),
		newPeripheralCmd(a),
		newDemoCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			c := a.cfg
			fmt.Fprintf(out, "ui = %t\n", c.UI)
			fmt.Fprintf(out, "link.transport = %s\n", c.Link.Transport)
			fmt.Fprintf(out, "link.listen = %s\n", c.Link.Listen)
			fmt.Fprintf(out, "link.peer = %s\n", c.Link.Peer)
			fmt.Fprintf(out, "link.replies = %t\n", c.Link.Replies)
			fmt.Fprintf(out, "coordinator.result_timeout = %v\n", c.Coordinator.ResultTimeout)
			fmt.Fprintf(out, "providers.timeout = %v\n", c.Providers.Timeout)
			fmt.Fprintf(out, "heart_rate.source = %s\n", c.HeartRate.Source)
			fmt.Fprintf(out, "heart_rate.simulated_bpm = %d\n", c.HeartRate.SimulatedBPM)
			fmt.Fprintf(out, "simulator.listen = %s\n", c.Simulator.Listen)
			fmt.Fprintf(out, "log.file = %s\n", c.Log.File)
			return nil
		},
	}
}
