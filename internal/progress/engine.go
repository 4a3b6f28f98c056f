// Package progress implements local-first persistence of answer progress with
// throttled, acknowledged pushes to the server and timestamp-based merging.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/guard"
	"github.com/kvlar/examsync/internal/kvstore"
	"github.com/kvlar/examsync/internal/model"
	"github.com/kvlar/examsync/internal/protocol"
)

const (
	// AckTimeout bounds how long a push waits for the server acknowledgement.
	AckTimeout = 5 * time.Second
	// PushThrottle is the minimum gap between pushes for one content id,
	// unless forced.
	PushThrottle = 10 * time.Second
	// RetryInterval is the periodic retry cadence while snapshots are pending.
	RetryInterval = 5 * time.Minute

	keyPrefix = "progress:"

	loopMaxPushes = 10
	loopWindow    = time.Minute
)

// Channel is the slice of the connection manager the engine needs.
type Channel interface {
	Request(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error)
	Connected() bool
}

// Beacon is a best-effort fire-and-forget sender used on teardown.
type Beacon interface {
	SendBeacon(payload any)
}

// Engine keeps one user's progress snapshots consistent between the local
// store and the server. The local store is written synchronously on every
// answer; the server copy trails behind under throttling and retries.
type Engine struct {
	store   kvstore.Store
	channel Channel
	guard   *guard.Guard
	clock   clock.Clock
	log     *zap.Logger
	beacon  Beacon
	userID  string

	mu       sync.Mutex
	pending  map[string]bool
	lastSync map[string]time.Time
	unsub    func()
}

// Options configures an Engine.
type Options struct {
	Store   kvstore.Store
	Channel Channel
	Guard   *guard.Guard
	Clock   clock.Clock
	Logger  *zap.Logger
	Beacon  Beacon
	UserID  string
}

// NewEngine constructs an Engine and subscribes to store changes so writes by
// other instances converge with local bookkeeping instead of clobbering it.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(opts.Clock, 0)
	}
	e := &Engine{
		store:    opts.Store,
		channel:  opts.Channel,
		guard:    opts.Guard,
		clock:    opts.Clock,
		log:      opts.Logger,
		beacon:   opts.Beacon,
		userID:   opts.UserID,
		pending:  make(map[string]bool),
		lastSync: make(map[string]time.Time),
	}
	// Change events are dispatched off the writer's goroutine: a synchronous
	// backend would otherwise re-enter the engine mutex on our own writes.
	e.unsub = opts.Store.Subscribe(e.prefix(), func(ev kvstore.Event) {
		go e.onStoreChange(ev)
	})
	e.scanPending()
	return e
}

func (e *Engine) prefix() string { return keyPrefix + e.userID + ":" }

func (e *Engine) key(contentID string) string { return e.prefix() + contentID }

// RecordAnswer persists the updated snapshot write-through with
// PendingSync=true, then attempts a throttled push. A crash after this call
// cannot lose the answer.
func (e *Engine) RecordAnswer(ctx context.Context, contentID string, item model.AnsweredItem, timeSpentDelta int) error {
	now := e.clock.Now()
	if item.UpdatedAt == 0 {
		item.UpdatedAt = now.UnixMilli()
	}

	e.mu.Lock()
	snap := e.loadLocked(contentID)
	if snap == nil {
		snap = &model.ProgressSnapshot{}
	}
	if cur := snap.Item(item.ItemIndex); cur != nil {
		if item.UpdatedAt >= cur.UpdatedAt {
			*cur = item
		}
	} else {
		snap.AnsweredItems = append(snap.AnsweredItems, item)
	}
	if item.ItemIndex > snap.LastItemIndex {
		snap.LastItemIndex = item.ItemIndex
	}
	snap.TimeSpentSeconds += timeSpentDelta
	snap.PendingSync = true
	snap.LastUpdated = now
	err := e.saveLocked(contentID, snap)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.push(ctx, contentID, false)
	return nil
}

// Sync forces a push for one content id, bypassing the per-content throttle.
func (e *Engine) Sync(ctx context.Context, contentID string) bool {
	return e.push(ctx, contentID, true)
}

// LastSync reports when the server last acknowledged contentID.
func (e *Engine) LastSync(contentID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastSync[contentID]
	return t, ok
}

// push attempts one acknowledged snapshot upload. It reports whether the
// server confirmed; on any failure PendingSync stays set for a later retry.
func (e *Engine) push(ctx context.Context, contentID string, force bool) bool {
	if e.channel == nil || !e.channel.Connected() {
		return false
	}
	loopKey := "progress:push:" + contentID
	if e.guard.IsBlocked(loopKey) {
		return false
	}
	if e.guard.DetectLoop(loopKey, loopMaxPushes, loopWindow) {
		e.log.Warn("progress push loop blocked", zap.String("content", contentID))
		return false
	}
	if !force && !e.guard.Throttle("progress:throttle:"+contentID, PushThrottle) {
		return false
	}

	e.mu.Lock()
	snap := e.loadLocked(contentID)
	if snap == nil || !snap.PendingSync {
		// Nothing to upload, so stop re-queueing it on every retry pass.
		delete(e.pending, contentID)
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeProgressUpdate, protocol.ProgressUpdatePayload{
		UserID:    e.userID,
		ContentID: contentID,
		Snapshot:  snap,
	})
	if err != nil {
		e.log.Warn("encode progress update", zap.Error(err))
		return false
	}
	resp, err := e.channel.Request(ctx, env, AckTimeout)
	if err != nil {
		e.log.Debug("progress push failed", zap.String("content", contentID), zap.Error(err))
		return false
	}
	var ack protocol.AckPayload
	if err := resp.ParsePayload(&ack); err != nil || !ack.Success {
		e.log.Debug("progress push rejected",
			zap.String("content", contentID), zap.String("server_error", ack.Error))
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.loadLocked(contentID)
	if cur == nil {
		return true
	}
	if cur.LastUpdated.After(snap.LastUpdated) {
		// A newer answer landed while the push was in flight; it re-armed
		// PendingSync, so this acknowledgement is a no-op.
		return true
	}
	cur.PendingSync = false
	if err := e.saveLocked(contentID, cur); err != nil {
		e.log.Warn("clear pendingSync", zap.Error(err))
		return false
	}
	e.lastSync[contentID] = e.clock.Now()
	delete(e.pending, contentID)
	return true
}

// Load returns the snapshot for contentID, merged with the server copy when
// the channel is up. The server being unreachable or empty leaves the local
// snapshot authoritative.
func (e *Engine) Load(ctx context.Context, contentID string) (*model.ProgressSnapshot, error) {
	e.mu.Lock()
	local := e.loadLocked(contentID)
	e.mu.Unlock()

	if e.channel == nil || !e.channel.Connected() {
		return local, nil
	}
	env, err := protocol.NewEnvelope(protocol.TypeProgressGet, protocol.ProgressGetPayload{
		UserID:    e.userID,
		ContentID: contentID,
	})
	if err != nil {
		return local, nil
	}
	resp, err := e.channel.Request(ctx, env, AckTimeout)
	if err != nil {
		return local, nil
	}
	var data protocol.ProgressDataPayload
	if err := resp.ParsePayload(&data); err != nil {
		e.log.Debug("malformed progress data", zap.Error(err))
		return local, nil
	}

	merged := Merge(local, data.Snapshot)
	if merged == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.saveLocked(contentID, merged); err != nil {
		return merged, err
	}
	return merged, nil
}

// Reset clears a snapshot in two phases: the local clear happens immediately
// and stands even when the server-side deletion fails. It reports whether the
// server confirmed.
func (e *Engine) Reset(ctx context.Context, contentID string) bool {
	e.mu.Lock()
	if err := e.store.Remove(e.key(contentID)); err != nil {
		e.log.Warn("local reset", zap.Error(err))
	}
	delete(e.pending, contentID)
	delete(e.lastSync, contentID)
	e.mu.Unlock()

	if e.channel == nil || !e.channel.Connected() {
		return false
	}
	env, err := protocol.NewEnvelope(protocol.TypeProgressReset, protocol.ProgressResetPayload{
		UserID:    e.userID,
		ContentID: contentID,
	})
	if err != nil {
		return false
	}
	resp, err := e.channel.Request(ctx, env, AckTimeout)
	if err != nil {
		e.log.Debug("server reset failed, local clear stands", zap.Error(err))
		return false
	}
	var res protocol.ResetResultPayload
	if err := resp.ParsePayload(&res); err != nil {
		return false
	}
	return res.Success
}

// RetryPending pushes every snapshot still marked pending.
func (e *Engine) RetryPending(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.push(ctx, id, false)
	}
}

// HandleConnectionState resyncs pending snapshots when the push channel comes
// back.
func (e *Engine) HandleConnectionState(st model.ConnectionState) {
	if st != model.StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), AckTimeout+time.Second)
	defer cancel()
	e.RetryPending(ctx)
}

// Run drives the periodic retry loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := e.clock.NewTicker(RetryInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C():
			e.RetryPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Close performs the teardown beacon flush: one best-effort send per pending
// snapshot, never blocking. PendingSync stays set for the next session.
func (e *Engine) Close() {
	if e.unsub != nil {
		e.unsub()
	}
	if e.beacon == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.pending {
		snap := e.loadLocked(id)
		if snap == nil {
			continue
		}
		e.beacon.SendBeacon(protocol.ProgressUpdatePayload{
			UserID:    e.userID,
			ContentID: id,
			Snapshot:  snap,
		})
	}
}

// loadLocked reads and decodes a snapshot. A malformed record is discarded
// and treated as absent rather than crashing the caller.
func (e *Engine) loadLocked(contentID string) *model.ProgressSnapshot {
	data, ok, err := e.store.Get(e.key(contentID))
	if err != nil || !ok {
		return nil
	}
	var snap model.ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		e.log.Warn("discarding malformed snapshot",
			zap.String("content", contentID), zap.Error(err))
		_ = e.store.Remove(e.key(contentID))
		return nil
	}
	return &snap
}

func (e *Engine) saveLocked(contentID string, snap *model.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := e.store.Set(e.key(contentID), data); err != nil {
		return err
	}
	if snap.PendingSync {
		e.pending[contentID] = true
	}
	return nil
}

// scanPending rebuilds the pending set from the store on startup.
func (e *Engine) scanPending() {
	keys, err := e.store.List(e.prefix())
	if err != nil {
		e.log.Warn("scan pending", zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		id := k[len(e.prefix()):]
		if snap := e.loadLocked(id); snap != nil && snap.PendingSync {
			e.pending[id] = true
		}
	}
}

// onStoreChange keeps the pending set coherent with writes made by other
// instances sharing the store.
func (e *Engine) onStoreChange(ev kvstore.Event) {
	id := ev.Key[len(e.prefix()):]
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Deleted {
		delete(e.pending, id)
		return
	}
	var snap model.ProgressSnapshot
	if err := json.Unmarshal(ev.Value, &snap); err != nil {
		return
	}
	if snap.PendingSync {
		e.pending[id] = true
	} else {
		delete(e.pending, id)
	}
}
