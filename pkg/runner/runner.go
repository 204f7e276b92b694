// Package runner implements the run orchestrator: it owns
// the run lifecycle from run.started through run.completed/run.failed,
// iterating batches via pkg/batch, feeding trial outcomes to the novelty
// monitor, and driving the embedding finalizer at the end. It follows a
// session-loop shape familiar from worker-pool services — a bounded
// worker pool consulting a stop predicate between units of work —
// generalized here to whole batches instead of individual sessions.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/darylkang/arbiter/pkg/artifact"
	"github.com/darylkang/arbiter/pkg/batch"
	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/cluster"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/embed/finalize"
	"github.com/darylkang/arbiter/pkg/novelty"
	"github.com/darylkang/arbiter/pkg/plan"
	"github.com/darylkang/arbiter/pkg/trial"
)

// DefaultShutdownDeadline is the default grace period between a shutdown
// request and a hard abort of in-flight work.
const DefaultShutdownDeadline = 30 * time.Second

// ShutdownController implements the run's cooperative shutdown contract:
// one SIGINT/SIGTERM marks shutdown_requested; a timed deadline then fires
// AbortSignal to hard-abort in-flight I/O. A second signal is treated as
// the deadline expiring immediately.
type ShutdownController struct {
	mu        sync.Mutex
	requested bool
	fired     bool
	abortCh   chan struct{}
	deadline  time.Duration
	timer     *time.Timer
}

// NewShutdownController creates a controller with the given hard-abort
// deadline. A non-positive deadline uses DefaultShutdownDeadline.
func NewShutdownController(deadline time.Duration) *ShutdownController {
	if deadline <= 0 {
		deadline = DefaultShutdownDeadline
	}
	return &ShutdownController{abortCh: make(chan struct{}), deadline: deadline}
}

// Install registers OS signal handlers for SIGINT/SIGTERM and returns a
// function that stops listening. Call it once at process startup.
func (s *ShutdownController) Install() func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigCh:
				s.onSignal()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// RequestShutdown marks a shutdown request as if a signal had arrived —
// used by callers (e.g. a CLI driven in tests) that do not go through OS
// signals.
func (s *ShutdownController) RequestShutdown() {
	s.onSignal()
}

func (s *ShutdownController) onSignal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requested {
		s.requested = true
		s.timer = time.AfterFunc(s.deadline, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.fireAbortLocked()
		})
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.fireAbortLocked()
}

func (s *ShutdownController) fireAbortLocked() {
	if !s.fired {
		s.fired = true
		close(s.abortCh)
	}
}

// IsRequested reports whether a shutdown has been requested.
func (s *ShutdownController) IsRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// AbortSignal returns a channel closed when the hard-abort deadline fires,
// or immediately on a second signal.
func (s *ShutdownController) AbortSignal() <-chan struct{} {
	return s.abortCh
}

// Params are the orchestrator's dependencies, all constructed by the
// caller (pkg/runservice assembles them for a real run).
type Params struct {
	Cfg      *config.Resolved
	Dir      string
	Plan     *plan.Plan
	Bus      *bus.Bus
	Executor trial.Executor
	Writer   *artifact.Writer
	Shutdown *ShutdownController

	// Monitor and ClusterModel are nil when clustering is disabled.
	Monitor      *novelty.Monitor
	ClusterModel *cluster.Model

	DebugEnabled bool

	ConfigSHA256         string
	CatalogSHA256        string
	PromptManifestSHA256 string
}

// Orchestrator runs one plan to completion or early stop.
type Orchestrator struct {
	p Params
}

// New creates an orchestrator from p.
func New(p Params) *Orchestrator {
	return &Orchestrator{p: p}
}

// Result is what Run returns once the lifecycle completes.
type Result struct {
	StopReason string
	Incomplete bool
}

// Run executes the full run lifecycle. It always
// emits either run.completed or run.failed before returning, and always
// leaves the writer closed.
func (o *Orchestrator) Run(ctx context.Context) (result Result, err error) {
	cfg := o.p.Cfg
	entries := o.p.Plan.Entries

	o.p.Bus.Publish(bus.KindRunStarted, bus.RunStartedPayload{
		RunID:                cfg.Run.RunID,
		PlanSHA256:           o.p.Plan.PlanSHA256,
		ConfigSHA256:         o.p.ConfigSHA256,
		CatalogSHA256:        o.p.CatalogSHA256,
		PromptManifestSHA256: o.p.PromptManifestSHA256,
		KPlanned:             len(entries),
		Debug:                o.p.DebugEnabled,
		ResolvedConfig:       cfg,
	})

	for _, e := range entries {
		o.p.Bus.Publish(bus.KindTrialPlanned, bus.TrialPlannedPayload{
			TrialID: e.TrialID, Model: e.AssignedConfig.Model,
			PersonaID: e.AssignedConfig.PersonaID, ProtocolID: e.AssignedConfig.ProtocolID,
		})
	}

	stopReason := "completed"
	var runErr error

	if len(entries) > 0 {
		stopReason, runErr = o.runBatches(ctx, entries)
	}

	if closeErr := o.p.Writer.CloseEmbeddingsJSONL(); closeErr != nil && runErr == nil {
		runErr = closeErr
		stopReason = "error"
	}

	payload := finalize.Finalize(o.p.Dir, cfg.Measurement.EmbeddingModelSlug, o.p.DebugEnabled)
	o.p.Bus.Publish(bus.KindEmbeddingsFinalized, payload)

	incomplete := stopReason == "user_interrupt" || stopReason == "error"

	if runErr != nil {
		o.p.Bus.Publish(bus.KindRunFailed, bus.RunFailedPayload{
			RunID: cfg.Run.RunID, Message: runErr.Error(),
		})
	} else {
		o.p.Bus.Publish(bus.KindRunCompleted, bus.RunCompletedPayload{
			RunID: cfg.Run.RunID, StopReason: stopReason, Incomplete: incomplete,
		})
	}

	_ = o.p.Bus.Flush(ctx)

	if closeErr := o.p.Writer.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}

	return Result{StopReason: stopReason, Incomplete: incomplete}, runErr
}

// runBatches iterates the plan in batch_size chunks, running each through
// the bounded-concurrency executor and draining the novelty monitor after
// every batch.
func (o *Orchestrator) runBatches(ctx context.Context, entries []plan.Entry) (stopReason string, err error) {
	batchSize := o.p.Cfg.Execution.BatchSize
	workers := o.p.Cfg.Execution.Workers
	stopReason = "k_max_reached"

	for start := 0; start < len(entries); start += batchSize {
		if stop, reason := o.shouldStop(); stop {
			return reason, nil
		}

		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batchEntries := entries[start:end]
		batchNumber := start/batchSize + 1

		batchCtx, cancel := contextWithAbort(ctx, o.p.Shutdown.AbortSignal())

		ids := make([]uint32, len(batchEntries))
		for i, e := range batchEntries {
			ids[i] = e.TrialID
		}
		o.p.Bus.Publish(bus.KindBatchStarted, bus.BatchStartedPayload{BatchNumber: batchNumber, TrialIDs: ids})

		startedAt := time.Now()
		outcome, runErr := batch.Run(batchCtx, batchEntries, workers, o.shouldStop, o.executeOne, o.publishWorkerStatus)
		elapsedMS := time.Since(startedAt).Milliseconds()
		cancel()

		o.p.Bus.Publish(bus.KindBatchCompleted, bus.BatchCompletedPayload{
			BatchNumber: batchNumber, ElapsedMS: elapsedMS, CompletedTrialIDs: o.p.Writer.CompletedTrialIDs(),
		})

		if flushErr := o.p.Bus.Flush(ctx); flushErr != nil {
			o.p.Bus.Publish(bus.KindWarningRaised, bus.WarningRaisedPayload{
				Message: fmt.Sprintf("runner: bus flush after batch %d: %v", batchNumber, flushErr),
			})
		}

		o.drainMonitor(batchNumber)

		if runErr != nil {
			return "error", runErr
		}
		if outcome.Stopped {
			return outcome.StopReason, nil
		}
	}

	return stopReason, nil
}

// shouldStop is the should_stop() predicate consulted before each batch and
// between completions within a batch. Its (bool, string) return order matches pkg/batch.Run's
// shouldStop parameter.
func (o *Orchestrator) shouldStop() (stop bool, reason string) {
	if o.p.Shutdown.IsRequested() {
		return true, "user_interrupt"
	}
	if o.p.Monitor != nil && o.p.Monitor.GetShouldStop() {
		return true, "converged"
	}
	return false, ""
}

func (o *Orchestrator) executeOne(ctx context.Context, entry plan.Entry) (trial.Outcome, error) {
	out, err := o.p.Executor.Execute(ctx, entry)
	if err != nil {
		return out, err
	}
	if o.p.Monitor != nil {
		if out.Embedding.Status == "success" {
			o.p.Monitor.BufferSuccess(out.TrialID, out.Embedding.Vector)
		} else {
			o.p.Monitor.BufferSkipped(out.TrialID)
		}
	}
	return out, nil
}

func (o *Orchestrator) publishWorkerStatus(workerID int, busy bool) {
	status := "idle"
	if busy {
		status = "busy"
	}
	o.p.Bus.Publish(bus.KindWorkerStatus, bus.WorkerStatusPayload{WorkerID: workerID, Status: status})
}

// drainMonitor drains the novelty monitor's buffer for batchNumber and
// emits, in order, cluster.assigned (one per assignment), clusters.state,
// then convergence.record.
func (o *Orchestrator) drainMonitor(batchNumber int) {
	if o.p.Monitor == nil {
		return
	}
	result := o.p.Monitor.DrainBatch(batchNumber)

	for _, a := range result.Assignments {
		o.p.Bus.Publish(bus.KindClusterAssigned, bus.ClusterAssignedPayload{
			TrialID: a.TrialID, ClusterID: a.ClusterID, Similarity: a.Similarity,
			IsExemplar: a.IsExemplar, Forced: a.Forced, BatchNumber: batchNumber,
		})
	}

	if o.p.ClusterModel != nil {
		dist, totalAssigned, totalExcluded, forcedAssignments := o.p.ClusterModel.Snapshot()
		o.p.Bus.Publish(bus.KindClustersState, bus.ClustersStatePayload{
			ClusterCount: len(dist), TotalAssigned: totalAssigned,
			TotalExcluded: totalExcluded, ForcedAssignments: forcedAssignments,
		})
	}

	clusterCount := result.ClusterCount
	o.p.Bus.Publish(bus.KindConvergenceRecord, bus.ConvergenceRecordPayload{
		BatchNumber: result.BatchNumber, KAttempted: result.KAttempted, KEligible: result.KEligible,
		NoveltyRate: result.NoveltyRate, MeanMaxSim: result.MeanMaxSim, ClusterCount: &clusterCount,
		JSDivergence: result.JSDivergence, ClusterDist: result.ClusterDistribution,
		MeetsThresholds: result.MeetsThresholds, LowNoveltyStreak: int(result.LowNoveltyStreak),
		Stop: bus.StopState{
			Mode:       string(o.p.Cfg.Measurement.Clustering.StopMode),
			WouldStop:  result.WouldStop,
			ShouldStop: result.ShouldStop,
		},
	})
}

// contextWithAbort derives a child context that is also cancelled when
// abort fires, composing the shutdown deadline with the caller's own
// context.
func contextWithAbort(parent context.Context, abort <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
