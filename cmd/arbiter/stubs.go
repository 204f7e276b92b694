package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newInitCmd, newValidateCmd, newReportCmd, and newReceiptCmd are
// deliberately thin: config scaffolding, JSON-schema config authoring, the
// interactive terminal UI, and read-only report/receipt tooling are
// external-collaborator territory. Each documents the contract it would
// need rather than reimplementing it here.

func newInitCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a starter run configuration (not implemented — see --help)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("init: configuration scaffolding is an external collaborator; " +
				"author a config.Resolved-shaped JSON file by hand and run `arbiter validate --config <path>`")
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "arbiter.config.json", "path to write the scaffolded config")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and structurally validate a resolved run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadResolvedConfig(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK: config is structurally valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a resolved run configuration (JSON)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newReportCmd() *cobra.Command {
	var runDir string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a human-readable report from a run directory (not implemented — see --help)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("report: read-only reporting over manifest.json/trials.jsonl is an external " +
				"collaborator; run directory is at %s", runDir)
		},
	}
	cmd.Flags().StringVar(&runDir, "dir", "", "run directory to report on")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func newReceiptCmd() *cobra.Command {
	var runDir string
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Emit a signed summary receipt for a run (not implemented — see --help)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("receipt: signed-receipt generation is an external collaborator; " +
				"use `arbiter verify --dir %s` to check the run's content hashes in the meantime", runDir)
		},
	}
	cmd.Flags().StringVar(&runDir, "dir", "", "run directory to generate a receipt for")
	cmd.MarkFlagRequired("dir")
	return cmd
}
