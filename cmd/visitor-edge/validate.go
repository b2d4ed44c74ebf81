package main

import (
	"fmt"

	"github.com/spf13/cobra"

	visitorcount "github.com/yerzham/thingsboard-visitor-count-client"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file without starting the client",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := visitorcount.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config %s looks good (backend=%s, platform=%s:%d)\n",
			cfgPath, cfg.Sensing.Backend, cfg.Platform.Host, cfg.Platform.Port)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
