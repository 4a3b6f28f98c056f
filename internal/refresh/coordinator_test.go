package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvlar/examsync/internal/access"
	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/errs"
	"github.com/kvlar/examsync/internal/guard"
	"github.com/kvlar/examsync/internal/kvstore"
	"github.com/kvlar/examsync/internal/model"
	"github.com/kvlar/examsync/internal/protocol"
)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	requests  []protocol.Envelope
	respond   func(env protocol.Envelope) (protocol.Envelope, error)
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Request(_ context.Context, env protocol.Envelope, _ time.Duration) (protocol.Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, env)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return protocol.Envelope{}, errs.ErrTimeout
	}
	return respond(env)
}

func (f *fakeChannel) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func batchResult(results map[string]model.AccessSignal) func(protocol.Envelope) (protocol.Envelope, error) {
	return func(protocol.Envelope) (protocol.Envelope, error) {
		return protocol.NewEnvelope(protocol.TypeBatchAccessResult, protocol.BatchAccessResultPayload{Results: results})
	}
}

func newCoordinator(t *testing.T, clk *clock.Fake, ch *fakeChannel, ids []string) (*Coordinator, *access.Reconciler) {
	t.Helper()
	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })
	rec := access.NewReconciler(store, clk, nil)
	c := New(Options{
		Collection: "exam-a",
		UserID:     "u1",
		Channel:    ch,
		Reconciler: rec,
		Guard:      guard.New(clk, 1000),
		Clock:      clk,
		Items:      func() []string { return ids },
	})
	return c, rec
}

func TestTrigger_BatchesAllItems(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	ch := &fakeChannel{connected: true, respond: batchResult(map[string]model.AccessSignal{
		"c1": {HasAccess: true},
		"c2": {HasAccess: false},
	})}
	c, rec := newCoordinator(t, clk, ch, []string{"c1", "c2"})

	require.True(t, c.Trigger(context.Background()))
	require.Equal(t, 1, ch.requestCount())

	var p protocol.CheckAccessBatchPayload
	require.NoError(t, ch.requests[0].ParsePayload(&p))
	require.Equal(t, []string{"c1", "c2"}, p.ContentIDs)

	r1, ok := rec.Record("u1", "c1")
	require.True(t, ok)
	require.True(t, r1.HasAccess)
	r2, ok := rec.Record("u1", "c2")
	require.True(t, ok)
	require.False(t, r2.HasAccess)
	require.Equal(t, clk.Now(), c.LastFullRefresh())
}

func TestTrigger_DebouncedWithinWindow(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	ch := &fakeChannel{connected: true, respond: batchResult(nil)}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	require.True(t, c.Trigger(context.Background()))
	require.False(t, c.Trigger(context.Background()), "trigger inside debounce window must be dropped")
	require.Equal(t, 1, ch.requestCount())

	clk.Advance(DebounceWindow)
	require.True(t, c.Trigger(context.Background()))
	require.Equal(t, 2, ch.requestCount())
}

func TestForceRefresh_BypassesDebounce(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	ch := &fakeChannel{connected: true, respond: batchResult(nil)}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	require.True(t, c.Trigger(context.Background()))
	require.True(t, c.ForceRefresh(context.Background()))
	require.Equal(t, 2, ch.requestCount())
}

func TestRefresh_InFlightTriggerDropped(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	enter := make(chan struct{})
	release := make(chan struct{})
	ch := &fakeChannel{connected: true}
	ch.respond = func(protocol.Envelope) (protocol.Envelope, error) {
		close(enter)
		<-release
		return protocol.NewEnvelope(protocol.TypeBatchAccessResult, protocol.BatchAccessResultPayload{})
	}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	done := make(chan bool, 1)
	go func() { done <- c.ForceRefresh(context.Background()) }()
	<-enter

	require.True(t, c.Loading())
	require.False(t, c.ForceRefresh(context.Background()), "concurrent trigger must be dropped, not queued")

	close(release)
	require.True(t, <-done)
	require.False(t, c.Loading())
	require.Equal(t, 1, ch.requestCount())
}

func TestRefresh_StuckLoadingFlagForceCleared(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	enter := make(chan struct{})
	release := make(chan struct{})
	ch := &fakeChannel{connected: true}
	ch.respond = func(protocol.Envelope) (protocol.Envelope, error) {
		close(enter)
		<-release
		return protocol.Envelope{}, errs.ErrTimeout
	}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	done := make(chan bool, 1)
	go func() { done <- c.ForceRefresh(context.Background()) }()
	<-enter
	require.True(t, c.Loading())

	clk.Advance(RequestTimeout)
	require.Eventually(t, func() bool { return !c.Loading() }, time.Second, time.Millisecond,
		"safety timeout must force-clear the loading flag")

	close(release)
	require.False(t, <-done)
}

func TestRefresh_LateSuccessAfterForceClearIsStale(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	enter := make(chan struct{})
	release := make(chan struct{})
	ch := &fakeChannel{connected: true}
	ch.respond = func(protocol.Envelope) (protocol.Envelope, error) {
		close(enter)
		<-release
		return protocol.NewEnvelope(protocol.TypeBatchAccessResult, protocol.BatchAccessResultPayload{
			Results: map[string]model.AccessSignal{"c1": {HasAccess: true}},
		})
	}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	done := make(chan bool, 1)
	go func() { done <- c.ForceRefresh(context.Background()) }()
	<-enter

	clk.Advance(RequestTimeout)
	require.Eventually(t, func() bool { return !c.Loading() }, time.Second, time.Millisecond)

	// The server answer finally arrives, but the slot was already reclaimed.
	close(release)
	require.False(t, <-done, "a completion that outlived the safety timeout must not count")
	require.True(t, c.LastFullRefresh().IsZero())
	require.False(t, c.Loading())
}

func TestRefresh_FailedBatchKeepsLastRefreshZero(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	ch := &fakeChannel{connected: true} // nil respond: every request times out
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	require.False(t, c.ForceRefresh(context.Background()))
	require.True(t, c.LastFullRefresh().IsZero())
	require.False(t, c.Loading())
}

func TestRefresh_SkipsWhenDisconnectedOrEmpty(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))

	ch := &fakeChannel{connected: false, respond: batchResult(nil)}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})
	require.False(t, c.ForceRefresh(context.Background()))
	require.Equal(t, 0, ch.requestCount())

	ch2 := &fakeChannel{connected: true, respond: batchResult(nil)}
	c2, _ := newCoordinator(t, clk, ch2, nil)
	require.False(t, c2.ForceRefresh(context.Background()))
	require.Equal(t, 0, ch2.requestCount())
}

func TestTrigger_LoopGuardBlocksStorm(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	ch := &fakeChannel{connected: true, respond: batchResult(nil)}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	for i := 0; i < loopMaxTriggers; i++ {
		c.Trigger(context.Background())
		clk.Advance(time.Second)
	}
	require.False(t, c.Trigger(context.Background()), "trigger storm must trip the loop guard")
}

func TestRun_FreshnessFloorRefreshes(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	ch := &fakeChannel{connected: true, respond: batchResult(nil)}
	c, _ := newCoordinator(t, clk, ch, []string{"c1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		clk.Advance(FreshnessFloor)
		return ch.requestCount() >= 1
	}, time.Second, 5*time.Millisecond)
}
