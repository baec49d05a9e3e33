// Package cli wires the dispatchd command tree: the daemon itself plus the
// client commands that talk to it over the control socket.
package cli

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/uds"
)

const version = "0.1.0"

// Options holds the flags shared by every subcommand.
type Options struct {
	StateDir   string
	ConfigPath string
}

func (o *Options) socketPath() string {
	return filepath.Join(o.StateDir, uds.DefaultSocketName)
}

func (o *Options) client() *uds.Client {
	return uds.NewClient(o.socketPath())
}

// NewRootCmd builds the dispatchd command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "dispatchd - resilient command dispatch daemon",
		Long: "dispatchd queues natural-language commands, routes them to model-backed\n" +
			"agents and degrades gracefully when agents fail or limits are hit.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.StateDir, "state-dir", ".dispatchd", "Runtime state directory")
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "dispatchd.yaml", "Config file path")

	root.AddCommand(newDaemonCommand(opts))
	root.AddCommand(newEnqueueCommand(opts))
	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newDeadLettersCommand(opts))
	root.AddCommand(newScanCommand(opts))
	root.AddCommand(newStopCommand(opts))
	root.AddCommand(newPingCommand(opts))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "dispatchd %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			return nil
		},
	}
}
