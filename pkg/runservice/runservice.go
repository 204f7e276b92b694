// Package runservice assembles the orchestrator, writer, and novelty
// monitor into one runnable service: the shape a CLI command calls with a
// resolved config and gets a finished run back. It owns OS signal
// installation and guarantees the writer is closed even if the
// orchestrator panics, following the common shape of a top-level service
// constructor that wires a handful of packages together behind one
// blocking call.
package runservice

import (
	"context"
	"fmt"
	"time"

	"github.com/darylkang/arbiter/pkg/artifact"
	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/canon"
	"github.com/darylkang/arbiter/pkg/cluster"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/contract"
	"github.com/darylkang/arbiter/pkg/llmapi"
	"github.com/darylkang/arbiter/pkg/novelty"
	"github.com/darylkang/arbiter/pkg/plan"
	"github.com/darylkang/arbiter/pkg/runner"
	"github.com/darylkang/arbiter/pkg/trial"
)

// Mode selects which trial executor backs a run.
type Mode string

// Mode values.
const (
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// Params are everything a caller (the CLI) must supply to run one
// complete trial campaign.
type Params struct {
	Cfg  *config.Resolved
	Dir  string
	Mode Mode

	// Registry supplies the natural-language text for persona, protocol,
	// and instrument ids; resolving ids to prompt content is outside the
	// core's declared scope (pkg/config's package doc), so the caller
	// (a future config-loading layer) builds this from its own sources.
	Registry trial.Registry

	// Client is required when Mode is ModeLive.
	Client *llmapi.Client

	// MockDelay and ForceEmptyEmbedText are mock-mode-only testing knobs
	// for simulating network latency and exercising the empty-embed-text
	// skip path.
	MockDelay           time.Duration
	ForceEmptyEmbedText bool

	// DebugEnabled keeps debug/embeddings.jsonl on disk after the
	// embedding finalizer runs, instead of pruning it.
	DebugEnabled bool

	// ShutdownDeadline overrides the default 30s hard-abort deadline.
	ShutdownDeadline time.Duration

	// InstallSignals controls whether OS SIGINT/SIGTERM handlers are
	// registered. Tests that drive shutdown manually via the returned
	// ShutdownController should set this false.
	InstallSignals bool
}

// Service owns one run's fully-wired dependencies.
type Service struct {
	params       Params
	bus          *bus.Bus
	writer       *artifact.Writer
	shutdown     *runner.ShutdownController
	uninstallSig func()
}

// New wires a bus, writer, trial executor, and (if clustering is enabled)
// a novelty monitor from cfg, returning a Service ready to Run.
func New(p Params) (*Service, error) {
	if p.Mode == ModeLive && p.Client == nil {
		return nil, fmt.Errorf("runservice: live mode requires a client")
	}

	b := bus.New()

	w, err := artifact.New(p.Dir, b, p.Cfg.Measurement.Clustering.Enabled, p.Cfg.Measurement.ContractFailurePolicy)
	if err != nil {
		return nil, fmt.Errorf("runservice: creating writer: %w", err)
	}

	shutdown := runner.NewShutdownController(p.ShutdownDeadline)
	uninstall := func() {}
	if p.InstallSignals {
		uninstall = shutdown.Install()
	}

	return &Service{params: p, bus: b, writer: w, shutdown: shutdown, uninstallSig: uninstall}, nil
}

// Bus exposes the run's event bus, so a caller (e.g. a CLI progress
// display) can subscribe before Run starts publishing.
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

// Shutdown exposes the shutdown controller, for a CLI to call
// RequestShutdown from its own signal handling if InstallSignals was false.
func (s *Service) Shutdown() *runner.ShutdownController {
	return s.shutdown
}

// Run builds the trial plan, assembles the executor and optional monitor,
// and drives the orchestrator to completion. The writer is always closed
// before Run returns, success or failure.
func (s *Service) Run(ctx context.Context) (runner.Result, error) {
	defer s.uninstallSig()
	defer func() {
		// Guard against an orchestrator panic leaking the writer's open
		// file handles; the orchestrator's own Close is idempotent.
		_ = s.writer.Close()
	}()

	cfg := s.params.Cfg

	builtPlan, err := plan.Build(cfg)
	if err != nil {
		return runner.Result{}, fmt.Errorf("runservice: building plan: %w", err)
	}

	configSHA256, err := canon.SHA256(cfg)
	if err != nil {
		return runner.Result{}, fmt.Errorf("runservice: hashing config: %w", err)
	}
	catalogSHA256, err := canon.SHA256(cfg.Sampling)
	if err != nil {
		return runner.Result{}, fmt.Errorf("runservice: hashing catalog: %w", err)
	}
	promptManifestSHA256, err := canon.SHA256(s.params.Registry)
	if err != nil {
		return runner.Result{}, fmt.Errorf("runservice: hashing prompt manifest: %w", err)
	}

	var ct *contract.Contract
	if cfg.Protocol.Contract != nil {
		ct, err = contract.Compile(cfg.Protocol.Contract.ID, cfg.Protocol.Contract.Schema)
		if err != nil {
			return runner.Result{}, fmt.Errorf("runservice: compiling decision contract: %w", err)
		}
	}

	state := trial.NewRunState()
	executor, err := s.buildExecutor(cfg, ct, state)
	if err != nil {
		return runner.Result{}, err
	}

	var monitor *novelty.Monitor
	var model *cluster.Model
	if cfg.Measurement.Clustering.Enabled {
		model = cluster.New(cfg.Measurement.Clustering.Tau, cfg.Measurement.Clustering.ClusterLimit, cfg.Measurement.Clustering.CentroidUpdateRule)
		monitor = novelty.New(model, cfg.Measurement.Clustering.StopMode, cfg.Execution.StopPolicy, cfg.Execution.KMinCountRule, cfg.Execution.KMin,
			func(message string, warnCtx map[string]interface{}) {
				s.bus.Publish(bus.KindWarningRaised, bus.WarningRaisedPayload{Message: message, Context: warnCtx})
			})
	}

	orch := runner.New(runner.Params{
		Cfg: cfg, Dir: s.params.Dir, Plan: builtPlan, Bus: s.bus, Executor: executor, Writer: s.writer,
		Shutdown: s.shutdown, Monitor: monitor, ClusterModel: model,
		DebugEnabled:         s.params.DebugEnabled,
		ConfigSHA256:         configSHA256,
		CatalogSHA256:        catalogSHA256,
		PromptManifestSHA256: promptManifestSHA256,
	})

	return orch.Run(ctx)
}

func (s *Service) buildExecutor(cfg *config.Resolved, ct *contract.Contract, state *trial.RunState) (trial.Executor, error) {
	switch s.params.Mode {
	case ModeLive:
		return trial.NewLive(cfg, s.params.Client, ct, s.bus, state, s.params.Registry), nil
	case ModeMock, "":
		mk := trial.NewMock(cfg, ct, s.bus, state, s.params.Registry)
		mk.Delay = s.params.MockDelay
		mk.ForceEmptyEmbedText = s.params.ForceEmptyEmbedText
		return mk, nil
	default:
		return nil, fmt.Errorf("runservice: unknown mode %q", s.params.Mode)
	}
}
