package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Load, validate, and print a resolved run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadResolvedConfig(configPath)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling resolved config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a resolved run configuration (JSON)")
	cmd.MarkFlagRequired("config")
	return cmd
}
