package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/daemon"
	"github.com/msageha/dispatchd/internal/model"
)

func newDaemonCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the dispatch daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(opts.StateDir, 0755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			d, err := daemon.New(opts.StateDir, cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}

// loadConfig reads the config file; a missing file is not an error, the
// daemon runs on defaults.
func loadConfig(path string) (model.Config, error) {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = model.Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, err
	}
	return cfg, nil
}
