// Package refresh batches and debounces bulk entitlement re-checks for a
// content collection, with a periodic freshness floor.
package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kvlar/examsync/internal/access"
	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/guard"
	"github.com/kvlar/examsync/internal/model"
	"github.com/kvlar/examsync/internal/protocol"
)

const (
	// DebounceWindow collapses repeated refresh triggers to one call.
	DebounceWindow = 15 * time.Second
	// RequestTimeout bounds the batched check.
	RequestTimeout = 10 * time.Second
	// FreshnessFloor forces a refresh even absent user action.
	FreshnessFloor = 15 * time.Minute

	loopMaxTriggers = 20
	loopWindow      = time.Minute
)

// Channel is the slice of the connection manager the coordinator needs.
type Channel interface {
	Request(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error)
	Connected() bool
}

// ItemsFunc supplies the current paid item ids of the collection.
type ItemsFunc func() []string

// Coordinator drives batched entitlement checks for one collection.
type Coordinator struct {
	collection string
	userID     string
	channel    Channel
	rec        *access.Reconciler
	guard      *guard.Guard
	clock      clock.Clock
	log        *zap.Logger
	items      ItemsFunc

	mu    sync.Mutex
	sched model.RefreshSchedule
	gen   int // invalidates stale completions after a forced flag clear
}

// Options configures a Coordinator.
type Options struct {
	Collection string
	UserID     string
	Channel    Channel
	Reconciler *access.Reconciler
	Guard      *guard.Guard
	Clock      clock.Clock
	Logger     *zap.Logger
	Items      ItemsFunc
}

// New constructs a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(opts.Clock, 0)
	}
	return &Coordinator{
		collection: opts.Collection,
		userID:     opts.UserID,
		channel:    opts.Channel,
		rec:        opts.Reconciler,
		guard:      opts.Guard,
		clock:      opts.Clock,
		log:        opts.Logger,
		items:      opts.Items,
	}
}

// Loading reports whether a refresh is currently in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched.InFlight
}

// LastFullRefresh reports when the collection last refreshed completely.
func (c *Coordinator) LastFullRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched.LastFullRefreshAt
}

// Trigger requests a refresh. Triggers within the debounce window, while one
// is in flight, or during a loop cooldown are dropped, not queued.
func (c *Coordinator) Trigger(ctx context.Context) bool {
	loopKey := "refresh:" + c.collection
	if c.guard.IsBlocked(loopKey) {
		return false
	}
	if c.guard.DetectLoop(loopKey, loopMaxTriggers, loopWindow) {
		c.log.Warn("refresh trigger loop blocked", zap.String("collection", c.collection))
		return false
	}
	if !c.guard.Throttle("refresh:debounce:"+c.collection, DebounceWindow) {
		return false
	}
	return c.refresh(ctx)
}

// ForceRefresh bypasses the debounce (freshness floor and explicit user
// retries); an in-flight refresh still rejects it.
func (c *Coordinator) ForceRefresh(ctx context.Context) bool {
	return c.refresh(ctx)
}

func (c *Coordinator) refresh(ctx context.Context) bool {
	ids := c.items()
	if len(ids) == 0 {
		return false
	}

	c.mu.Lock()
	if c.sched.InFlight {
		c.mu.Unlock()
		return false
	}
	c.sched.InFlight = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	// The safety timeout force-clears a stuck loading flag even if the
	// request below never resolves.
	stuck := c.clock.After(RequestTimeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-stuck:
			c.mu.Lock()
			if c.sched.InFlight && c.gen == gen {
				c.sched.InFlight = false
				// Invalidate the slow request so a late success cannot
				// advance the refresh timestamp.
				c.gen++
				c.log.Warn("force-clearing stuck refresh", zap.String("collection", c.collection))
			}
			c.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	ok := c.runBatch(ctx, ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// The safety timeout already released the slot and a newer refresh
		// owns it now; this completion is stale.
		return false
	}
	c.sched.InFlight = false
	if ok {
		c.sched.LastFullRefreshAt = c.clock.Now()
	}
	return ok
}

// runBatch performs the single batched entitlement check for all ids.
func (c *Coordinator) runBatch(ctx context.Context, ids []string) bool {
	if c.channel == nil || !c.channel.Connected() {
		return false
	}
	env, err := protocol.NewEnvelope(protocol.TypeCheckAccessBatch, protocol.CheckAccessBatchPayload{
		UserID:     c.userID,
		ContentIDs: ids,
	})
	if err != nil {
		return false
	}
	resp, err := c.channel.Request(ctx, env, RequestTimeout)
	if err != nil {
		c.log.Debug("batch access check failed", zap.Error(err))
		return false
	}
	var result protocol.BatchAccessResultPayload
	if err := resp.ParsePayload(&result); err != nil {
		c.log.Debug("malformed batch access result", zap.Error(err))
		return false
	}
	for id, sig := range result.Results {
		c.rec.ApplySignal(c.userID, model.ContentMeta{ID: id}, sig)
	}
	return true
}

// Run enforces the freshness floor until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	t := c.clock.NewTicker(FreshnessFloor)
	defer t.Stop()
	for {
		select {
		case <-t.C():
			c.ForceRefresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}
