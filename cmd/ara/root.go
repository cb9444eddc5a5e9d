package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ara-campus/ara/pkg/config"
	"github.com/ara-campus/ara/pkg/logger"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ara",
		Short:         "Campus assistant answering bus, weather, dining, notice and knowledge questions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (defaults are used when empty)")

	cmd.AddCommand(newServeCmd(opts), newAskCmd(opts), newLoadtestCmd())
	return cmd
}
