package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	visitorcount "github.com/yerzham/thingsboard-visitor-count-client"
)

var provisionTimeout time.Duration

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Obtain a device access token and store it in the credentials file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := visitorcount.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), provisionTimeout)
		defer cancel()

		if _, err := visitorcount.ObtainToken(ctx, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "device credentials stored in %s\n", cfg.Device.CredentialsFile)
		return nil
	},
}

func init() {
	provisionCmd.Flags().DurationVar(&provisionTimeout, "timeout", 30*time.Second, "Provisioning exchange timeout")
	rootCmd.AddCommand(provisionCmd)
}
