// Package batch implements the bounded-concurrency executor that runs one
// batch of plan entries at a time. It follows a worker-pool/reservation
// style — a fixed pool of worker slots, acquired and released around each
// unit of work — adapted from a long-lived session queue to a single
// fixed-size batch with completion-order results and a should_stop probe
// consulted between launches.
package batch

import (
	"context"
	"fmt"
	"sync"
)

// Result pairs one entry's output with its position in the submitted
// slice, since results are returned in completion order rather than
// submission order.
type Result[R any] struct {
	Index int
	Value R
}

// Outcome is the result of running one batch.
type Outcome[R any] struct {
	Results    []Result[R]
	Stopped    bool
	StopReason string
}

// Run launches up to workers concurrent invocations of execute over
// entries. Before each new launch it consults shouldStop; once shouldStop
// reports true, no further work is launched (in-flight executions still
// run to completion). If any execution returns an error, that error is
// returned and no further work is launched either — the caller observes
// the rejection and any already-collected results. workers must be >= 1.
func Run[T any, R any](
	ctx context.Context,
	entries []T,
	workers int,
	shouldStop func() (stop bool, reason string),
	execute func(context.Context, T) (R, error),
	onWorkerStatus func(workerID int, busy bool),
) (Outcome[R], error) {
	if workers < 1 {
		return Outcome[R]{}, fmt.Errorf("batch: workers must be >= 1, got %d", workers)
	}

	slots := make(chan int, workers)
	for i := 0; i < workers; i++ {
		slots <- i
	}

	var (
		mu         sync.Mutex
		results    = make([]Result[R], 0, len(entries))
		firstErr   error
		stopped    bool
		stopReason string
		wg         sync.WaitGroup
	)

	for i, entry := range entries {
		var workerID int
		var acquired bool
		select {
		case workerID = <-slots:
			acquired = true
		case <-ctx.Done():
			mu.Lock()
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			mu.Unlock()
		}
		if !acquired {
			break
		}

		mu.Lock()
		blocked := firstErr != nil
		mu.Unlock()
		if blocked {
			slots <- workerID
			break
		}

		if stop, reason := shouldStop(); stop {
			slots <- workerID
			stopped = true
			stopReason = reason
			break
		}

		if onWorkerStatus != nil {
			onWorkerStatus(workerID, true)
		}

		wg.Add(1)
		go func(idx int, entry T, workerID int) {
			defer wg.Done()
			value, err := execute(ctx, entry)

			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			results = append(results, Result[R]{Index: idx, Value: value})
			mu.Unlock()

			if onWorkerStatus != nil {
				onWorkerStatus(workerID, false)
			}
			slots <- workerID
		}(i, entry, workerID)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return Outcome[R]{Results: results}, firstErr
	}
	return Outcome[R]{Results: results, Stopped: stopped, StopReason: stopReason}, nil
}
