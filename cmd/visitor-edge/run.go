package main

import (
	"fmt"

	"github.com/spf13/cobra"

	visitorcount "github.com/yerzham/thingsboard-visitor-count-client"
)

var logLevel string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the people counter using the provided config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := visitorcount.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		client, err := visitorcount.NewClient(cfg)
		if err != nil {
			return err
		}
		return client.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
}
