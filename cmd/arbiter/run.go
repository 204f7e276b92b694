package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/llmapi"
	"github.com/darylkang/arbiter/pkg/ratelimit"
	"github.com/darylkang/arbiter/pkg/runservice"
)

type runFlags struct {
	configPath      string
	outDir          string
	mock            bool
	live            bool
	mode            string
	yes             bool
	workers         int
	batchSize       int
	maxTrials       int
	strict          bool
	permissive      bool
	allowFree       bool
	allowAliased    bool
	contractFailure string
	debug           bool
	quiet           bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a trial campaign against a resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.configPath, "config", "", "path to a resolved run configuration (JSON)")
	cmd.Flags().StringVar(&f.outDir, "out", "", "run directory to write artifacts into")
	cmd.Flags().BoolVar(&f.mock, "mock", false, "use the deterministic mock executor (no network calls)")
	cmd.Flags().BoolVar(&f.live, "live", false, "use the live completion/embedding API executor")
	cmd.Flags().StringVar(&f.mode, "mode", "", "explicit mode override: mock or live (takes precedence over --mock/--live)")
	cmd.Flags().BoolVar(&f.yes, "yes", false, "confirm a live run in a non-interactive context")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "override execution.workers")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "override execution.batch_size")
	cmd.Flags().IntVar(&f.maxTrials, "max-trials", 0, "override execution.k_max")
	cmd.Flags().BoolVar(&f.strict, "strict", true, "model catalog strictness; accepted, but no catalog check is performed")
	cmd.Flags().BoolVar(&f.permissive, "permissive", false, "model catalog permissiveness; accepted, but no catalog check is performed")
	cmd.Flags().BoolVar(&f.allowFree, "allow-free", false, "free-form model strings; accepted, but no catalog check is performed")
	cmd.Flags().BoolVar(&f.allowAliased, "allow-aliased", false, "catalog aliases; accepted, but no catalog check is performed")
	cmd.Flags().StringVar(&f.contractFailure, "contract-failure", "", "override measurement.contract_failure_policy: warn, exclude, or fail")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "keep debug/embeddings.jsonl after finalization")
	cmd.Flags().BoolVar(&f.quiet, "quiet", false, "suppress progress output")

	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("out")
	cmd.MarkFlagsMutuallyExclusive("strict", "permissive")

	return cmd
}

func runRun(cmd *cobra.Command, f *runFlags) error {
	cfg, err := loadResolvedConfig(f.configPath)
	if err != nil {
		return err
	}

	if f.workers > 0 {
		cfg.Execution.Workers = f.workers
	}
	if f.batchSize > 0 {
		cfg.Execution.BatchSize = f.batchSize
	}
	if f.maxTrials > 0 {
		cfg.Execution.KMax = f.maxTrials
	}
	if f.contractFailure != "" {
		cfg.Measurement.ContractFailurePolicy = config.ContractFailurePolicy(f.contractFailure)
	}

	mode, err := resolveMode(f)
	if err != nil {
		return err
	}

	if mode == runservice.ModeLive && !f.yes {
		return fmt.Errorf("live mode requires --yes to confirm outbound API calls")
	}

	if err := os.MkdirAll(f.outDir, 0o755); err != nil {
		return fmt.Errorf("creating out directory: %w", err)
	}

	params := runservice.Params{
		Cfg:                 cfg,
		Dir:                 f.outDir,
		Mode:                mode,
		MockDelay:           mockDelayFromEnv(),
		ForceEmptyEmbedText: mockEmptyEmbedFromEnv(),
		DebugEnabled:        f.debug,
		InstallSignals:      true,
	}

	if mode == runservice.ModeLive {
		client, err := liveClientFromEnv()
		if err != nil {
			return err
		}
		params.Client = client
	}

	svc, err := runservice.New(params)
	if err != nil {
		return err
	}

	if !f.quiet {
		attachProgressLogger(svc.Bus(), cfg.Run.RunID)
	}

	result, err := svc.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if !f.quiet {
		slog.Info("run finished", "run_id", cfg.Run.RunID, "stop_reason", result.StopReason, "incomplete", result.Incomplete)
	}

	if result.Incomplete && result.StopReason == "error" {
		return fmt.Errorf("run ended with stop_reason=error")
	}

	return nil
}

func resolveMode(f *runFlags) (runservice.Mode, error) {
	switch f.mode {
	case "mock":
		return runservice.ModeMock, nil
	case "live":
		return runservice.ModeLive, nil
	case "":
	default:
		return "", fmt.Errorf("unknown --mode %q", f.mode)
	}

	if f.mock && f.live {
		return "", fmt.Errorf("--mock and --live are mutually exclusive")
	}
	if f.live {
		return runservice.ModeLive, nil
	}
	return runservice.ModeMock, nil
}

func liveClientFromEnv() (*llmapi.Client, error) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is required for --live")
	}
	baseURL := os.Getenv("OPENROUTER_BASE_URL")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}

	ratePerSecond := 10.0
	if raw := os.Getenv("OPENROUTER_RATE_LIMIT"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing OPENROUTER_RATE_LIMIT: %w", err)
		}
		ratePerSecond = parsed
	}

	limiter := ratelimit.New(ratePerSecond, int(ratePerSecond))
	return llmapi.New(baseURL, apiKey, limiter), nil
}

func mockDelayFromEnv() time.Duration {
	raw := os.Getenv("ARBITER_MOCK_DELAY_MS")
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func mockEmptyEmbedFromEnv() bool {
	return os.Getenv("ARBITER_MOCK_EMPTY_EMBED") == "1" || os.Getenv("ARBITER_MOCK_EMPTY_EMBED") == "true"
}

func attachProgressLogger(b *bus.Bus, runID string) {
	log := slog.With("run_id", runID, "component", "cli")

	b.Subscribe(bus.KindBatchStarted, func(e bus.Event) {
		p, ok := e.Payload.(bus.BatchStartedPayload)
		if !ok {
			return
		}
		log.Info("batch started", "batch_number", p.BatchNumber, "trial_count", len(p.TrialIDs))
	})
	b.Subscribe(bus.KindTrialCompleted, func(e bus.Event) {
		p, ok := e.Payload.(bus.TrialCompletedPayload)
		if !ok {
			return
		}
		log.Info("trial completed", "trial_id", p.TrialID, "status", p.Status, "elapsed_ms", p.ElapsedMS)
	})
	b.Subscribe(bus.KindWarningRaised, func(e bus.Event) {
		p, ok := e.Payload.(bus.WarningRaisedPayload)
		if !ok {
			return
		}
		log.Warn(p.Message)
	})
	b.Subscribe(bus.KindRunFailed, func(e bus.Event) {
		p, ok := e.Payload.(bus.RunFailedPayload)
		if !ok {
			return
		}
		log.Error("run failed", "message", p.Message, "error_code", p.ErrorCode)
	})
}
