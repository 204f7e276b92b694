// Package bus is a typed, in-process publish/subscribe event bus. It plays
// the role a WebSocket/NOTIFY delivery layer plays in a multi-pod service,
// but dispatches synchronously in-process instead of round-tripping through
// Postgres LISTEN/NOTIFY — there is no second pod to reach (see DESIGN.md).
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind is one tag in the closed event set the engine emits.
type Kind string

// The closed set of event kinds.
const (
	KindRunStarted   Kind = "run.started"
	KindRunCompleted Kind = "run.completed"
	KindRunFailed    Kind = "run.failed"

	KindBatchStarted   Kind = "batch.started"
	KindBatchCompleted Kind = "batch.completed"

	KindWorkerStatus Kind = "worker.status"

	KindTrialPlanned   Kind = "trial.planned"
	KindTrialCompleted Kind = "trial.completed"

	KindParsedOutput Kind = "parsed.output"

	KindEmbeddingRecorded   Kind = "embedding.recorded"
	KindEmbeddingsFinalized Kind = "embeddings.finalized"

	KindClusterAssigned Kind = "cluster.assigned"
	KindClustersState   Kind = "clusters.state"

	KindConvergenceRecord Kind = "convergence.record"

	KindArtifactWritten Kind = "artifact.written"
	KindWarningRaised   Kind = "warning.raised"

	// kindAll is the internal sentinel used by subscribers that want every
	// event regardless of kind (see SubscribeAll).
	kindAll Kind = "*"
)

// Event is one dispatched message: a kind tag, a monotonic sequence number,
// a wall-clock stamp, and an opaque payload the subscriber type-asserts.
type Event struct {
	Kind      Kind
	Sequence  uint64
	EmittedAt time.Time
	Payload   interface{}
}

// Handler receives events synchronously, in the same goroutine as Publish.
type Handler func(Event)

// AsyncHandler receives events in its own goroutine; its returned error is
// collected by the next Flush.
type AsyncHandler func(Event) error

type syncSub struct {
	id int64
	kind Kind
	handler Handler
}

type asyncSub struct {
	id int64
	kind Kind
	handler AsyncHandler
}

// Bus is a closed-set, in-process typed event bus. It owns no
// domain state beyond dispatch bookkeeping; all cross-component
// communication in the run engine flows through it.
type Bus struct {
	// dispatchMu serializes Publish end-to-end (sequence assignment through
	// sync dispatch), so concurrent publishers can never have their
	// sequence order and their subscribers' delivery order diverge.
	dispatchMu sync.Mutex

	// mu protects subs bookkeeping only, so Subscribe/unsubscribe never
	// blocks on a Publish in progress and a handler running inside
	// dispatchMu can safely unsubscribe itself mid-dispatch.
	mu    sync.Mutex
	seq   uint64
	subID int64

	syncSubs  []syncSub
	asyncSubs []asyncSub

	wg    sync.WaitGroup
	errMu sync.Mutex
	errs  []error
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish stamps payload with the next sequence number and emitted_at, then
// dispatches it to every matching subscriber. The whole call — sequence
// assignment through sync dispatch — runs under dispatchMu, so two
// goroutines racing into Publish can never have their sequence numbers and
// their subscribers' delivery order diverge: whichever goroutine acquires
// dispatchMu first assigns the lower sequence and finishes delivering to
// every sync subscriber before the next Publish call starts. Sync
// subscribers run in subscription order against a snapshot taken at the
// start of dispatch, so a handler that unsubscribes mid-dispatch (which
// only touches the separate subs-bookkeeping lock) does not perturb the
// current call's delivery order. Async subscribers are launched in their
// own goroutines and tracked for the next Flush. A sync handler that needs
// to publish back onto the bus must do so from a new goroutine; Publish is
// not reentrant.
func (b *Bus) Publish(kind Kind, payload interface{}) Event {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	b.seq++
	evt := Event{Kind: kind, Sequence: b.seq, EmittedAt: time.Now(), Payload: payload}

	syncSnapshot := make([]syncSub, 0, len(b.syncSubs))
	for _, s := range b.syncSubs {
		if s.kind == kindAll || s.kind == kind {
			syncSnapshot = append(syncSnapshot, s)
		}
	}
	asyncSnapshot := make([]asyncSub, 0, len(b.asyncSubs))
	for _, s := range b.asyncSubs {
		if s.kind == kindAll || s.kind == kind {
			asyncSnapshot = append(asyncSnapshot, s)
		}
	}
	b.mu.Unlock()

	for _, s := range syncSnapshot {
		s.handler(evt)
	}

	for _, s := range asyncSnapshot {
		b.wg.Add(1)
		go func(s asyncSub) {
			defer b.wg.Done()
			if err := s.handler(evt); err != nil {
				b.errMu.Lock()
				b.errs = append(b.errs, fmt.Errorf("async subscriber for %s: %w", evt.Kind, err))
				b.errMu.Unlock()
			}
		}(s)
	}

	return evt
}

// Subscribe registers a synchronous handler for kind and returns an
// idempotent unsubscribe function.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	return b.subscribeSync(kind, h)
}

// SubscribeAll registers a synchronous handler invoked for every event
// kind, in publish order.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.subscribeSync(kindAll, h)
}

func (b *Bus) subscribeSync(kind Kind, h Handler) func() {
	b.mu.Lock()
	b.subID++
	id := b.subID
	b.syncSubs = append(b.syncSubs, syncSub{id: id, kind: kind, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeSync(id) })
	}
}

func (b *Bus) removeSync(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.syncSubs {
		if s.id == id {
			b.syncSubs = append(b.syncSubs[:i], b.syncSubs[i+1:]...)
			return
		}
	}
}

// SubscribeAsync registers a handler dispatched in its own goroutine for
// every matching event. Its errors are collected and surfaced by Flush.
func (b *Bus) SubscribeAsync(kind Kind, h AsyncHandler) func() {
	b.mu.Lock()
	b.subID++
	id := b.subID
	b.asyncSubs = append(b.asyncSubs, asyncSub{id: id, kind: kind, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeAsync(id) })
	}
}

func (b *Bus) removeAsync(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.asyncSubs {
		if s.id == id {
			b.asyncSubs = append(b.asyncSubs[:i], b.asyncSubs[i+1:]...)
			return
		}
	}
}

// SubscribeSafe wraps h so that a panic or returned error invokes onErr
// instead of propagating out of Publish — one bad subscriber (the artifact
// writer's own handlers) never poisons the bus.
func (b *Bus) SubscribeSafe(kind Kind, h func(Event) error, onErr func(Event, error)) func() {
	wrapped := func(evt Event) {
		defer func() {
			if r := recover(); r != nil {
				onErr(evt, fmt.Errorf("subscriber panic: %v", r))
			}
		}()
		if err := h(evt); err != nil {
			onErr(evt, err)
		}
	}
	return b.subscribeSync(kind, wrapped)
}

// Flush blocks until every async subscriber invocation launched so far has
// returned, then returns an aggregated error for any that failed (nil if
// none did). If ctx is cancelled first, it returns ctx.Err().
func (b *Bus) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	b.errMu.Lock()
	defer b.errMu.Unlock()
	if len(b.errs) == 0 {
		return nil
	}
	err := aggregateErrors(b.errs)
	b.errs = nil
	return err
}

type aggregatedError struct {
	errs []error
}

func aggregateErrors(errs []error) error {
	cp := make([]error, len(errs))
	copy(cp, errs)
	return &aggregatedError{errs: cp}
}

func (e *aggregatedError) Error() string {
	if len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	msg := fmt.Sprintf("%d async subscriber errors:", len(e.errs))
	for _, err := range e.errs {
		msg += " " + err.Error() + ";"
	}
	return msg
}

// Unwrap exposes the joined causes for errors.Is/As.
func (e *aggregatedError) Unwrap() []error {
	return e.errs
}

// Sequence returns the number of events published so far.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
