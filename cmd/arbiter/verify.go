package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/darylkang/arbiter/pkg/artifact"
	"github.com/darylkang/arbiter/pkg/canon"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/plan"
)

func newVerifyCmd() *cobra.Command {
	var runDir string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the plan and config hashes in a run directory and compare against its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, runDir)
		},
	}
	cmd.Flags().StringVar(&runDir, "dir", "", "run directory to verify")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func runVerify(cmd *cobra.Command, runDir string) error {
	manifestData, err := os.ReadFile(filepath.Join(runDir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("reading manifest.json: %w", err)
	}
	var manifest artifact.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return fmt.Errorf("parsing manifest.json: %w", err)
	}

	configData, err := os.ReadFile(filepath.Join(runDir, "config.resolved.json"))
	if err != nil {
		return fmt.Errorf("reading config.resolved.json: %w", err)
	}
	var cfg config.Resolved
	if err := json.Unmarshal(configData, &cfg); err != nil {
		return fmt.Errorf("parsing config.resolved.json: %w", err)
	}

	configSHA256, err := canon.SHA256(&cfg)
	if err != nil {
		return fmt.Errorf("hashing config: %w", err)
	}
	if configSHA256 != manifest.ConfigSHA256 {
		return fmt.Errorf("config hash mismatch: manifest has %s, recomputed %s", manifest.ConfigSHA256, configSHA256)
	}

	builtPlan, err := plan.Build(&cfg)
	if err != nil {
		return fmt.Errorf("rebuilding plan: %w", err)
	}
	if builtPlan.PlanSHA256 != manifest.PlanSHA256 {
		return fmt.Errorf("plan hash mismatch: manifest has %s, recomputed %s", manifest.PlanSHA256, builtPlan.PlanSHA256)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK: config and plan hashes match manifest for run %s (stop_reason=%s)\n", manifest.RunID, manifest.StopReason)
	return nil
}
