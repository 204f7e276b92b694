package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishStampsMonotonicSequence(t *testing.T) {
	b := New()
	e1 := b.Publish(KindRunStarted, RunStartedPayload{RunID: "r1"})
	e2 := b.Publish(KindBatchStarted, BatchStartedPayload{BatchNumber: 1})

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.False(t, e1.EmittedAt.IsZero())
}

func TestSubscribeReceivesOnlyMatchingKind(t *testing.T) {
	b := New()
	var got []Kind
	b.Subscribe(KindTrialCompleted, func(e Event) { got = append(got, e.Kind) })

	b.Publish(KindTrialPlanned, TrialPlannedPayload{TrialID: 1})
	b.Publish(KindTrialCompleted, TrialCompletedPayload{TrialID: 1})

	assert.Equal(t, []Kind{KindTrialCompleted}, got)
}

func TestSubscribeAllReceivesEveryKind(t *testing.T) {
	b := New()
	var got []Kind
	b.SubscribeAll(func(e Event) { got = append(got, e.Kind) })

	b.Publish(KindRunStarted, RunStartedPayload{})
	b.Publish(KindTrialCompleted, TrialCompletedPayload{})
	b.Publish(KindRunCompleted, RunCompletedPayload{})

	assert.Equal(t, []Kind{KindRunStarted, KindTrialCompleted, KindRunCompleted}, got)
}

func TestSyncSubscribersDeliveredInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	var mu sync.Mutex
	b.Subscribe(KindWarningRaised, func(e Event) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	b.Subscribe(KindWarningRaised, func(e Event) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	b.Publish(KindWarningRaised, WarningRaisedPayload{Message: "x"})

	assert.Equal(t, []int{1, 2}, order)
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(KindWarningRaised, func(e Event) { count++ })

	b.Publish(KindWarningRaised, WarningRaisedPayload{})
	unsub()
	unsub() // idempotent — must not panic
	b.Publish(KindWarningRaised, WarningRaisedPayload{})

	assert.Equal(t, 1, count)
}

func TestUnsubscribeDuringDispatchDoesNotAffectCurrentDispatch(t *testing.T) {
	b := New()
	var calls []int
	var unsub func()
	unsub = b.Subscribe(KindWarningRaised, func(e Event) {
		calls = append(calls, 1)
		unsub() // unsubscribe self mid-dispatch
	})
	b.Subscribe(KindWarningRaised, func(e Event) { calls = append(calls, 2) })

	b.Publish(KindWarningRaised, WarningRaisedPayload{})
	assert.Equal(t, []int{1, 2}, calls)

	calls = nil
	b.Publish(KindWarningRaised, WarningRaisedPayload{})
	assert.Equal(t, []int{2}, calls)
}

func TestSubscribeAsyncTracksCompletionAndFlushReturnsNilOnSuccess(t *testing.T) {
	b := New()
	done := make(chan struct{})
	b.SubscribeAsync(KindArtifactWritten, func(e Event) error {
		close(done)
		return nil
	})

	b.Publish(KindArtifactWritten, ArtifactWrittenPayload{Path: "x"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}

	err := b.Flush(context.Background())
	assert.NoError(t, err)
}

func TestFlushAggregatesAsyncErrors(t *testing.T) {
	b := New()
	b.SubscribeAsync(KindArtifactWritten, func(e Event) error {
		return errors.New("disk full")
	})
	b.SubscribeAsync(KindArtifactWritten, func(e Event) error {
		return errors.New("permission denied")
	})

	b.Publish(KindArtifactWritten, ArtifactWrittenPayload{})

	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "permission denied")

	// Errors are drained after a Flush; a second Flush with no new activity
	// returns nil.
	err = b.Flush(context.Background())
	assert.NoError(t, err)
}

func TestFlushRespectsContextCancellation(t *testing.T) {
	b := New()
	release := make(chan struct{})
	b.SubscribeAsync(KindArtifactWritten, func(e Event) error {
		<-release
		return nil
	})
	b.Publish(KindArtifactWritten, ArtifactWrittenPayload{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestSubscribeSafeInvokesOnErrInsteadOfPropagating(t *testing.T) {
	b := New()
	var caught error
	b.SubscribeSafe(KindWarningRaised, func(e Event) error {
		return errors.New("handler exploded")
	}, func(e Event, err error) {
		caught = err
	})

	assert.NotPanics(t, func() {
		b.Publish(KindWarningRaised, WarningRaisedPayload{})
	})
	require.Error(t, caught)
	assert.Contains(t, caught.Error(), "handler exploded")
}

func TestSubscribeSafeRecoversFromPanic(t *testing.T) {
	b := New()
	var caught error
	b.SubscribeSafe(KindWarningRaised, func(e Event) error {
		panic("boom")
	}, func(e Event, err error) {
		caught = err
	})

	assert.NotPanics(t, func() {
		b.Publish(KindWarningRaised, WarningRaisedPayload{})
	})
	require.Error(t, caught)
}
