// Package access merges entitlement signals from purchase records, redemption
// records, push updates and the local cache into one canonical per-item
// access state.
package access

import (
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/kvstore"
	"github.com/kvlar/examsync/internal/model"
	"github.com/kvlar/examsync/internal/protocol"
)

// CacheTTL bounds how long a cached access record may serve, so a stale
// positive cannot outlive it.
const CacheTTL = 24 * time.Hour

const keyPrefix = "access:"

// redeemMethod is the payment-method marker for redemption-code unlocks.
const redeemMethod = "redeem"

// DetermineAccessStatus classifies one signal against content metadata.
// Rules apply in order; expiry dominates every other positive flag.
func DetermineAccessStatus(meta model.ContentMeta, sig model.AccessSignal) model.AccessStatus {
	if meta.IsFree {
		return model.AccessStatus{HasAccess: true, AccessType: model.AccessTrial}
	}
	if sig.RemainingDays != nil && *sig.RemainingDays <= 0 {
		return model.AccessStatus{HasAccess: false, AccessType: model.AccessExpired, RemainingDays: sig.RemainingDays}
	}
	if strings.EqualFold(sig.PaymentMethod, redeemMethod) {
		return model.AccessStatus{HasAccess: sig.HasAccess, AccessType: model.AccessRedeemed, RemainingDays: sig.RemainingDays}
	}
	if sig.HasAccess {
		return model.AccessStatus{HasAccess: true, AccessType: model.AccessPaid, RemainingDays: sig.RemainingDays}
	}
	// An unpurchased paid item stays "paid": downgrading it to trial would
	// mislabel it as free content.
	return model.AccessStatus{HasAccess: false, AccessType: model.AccessPaid, RemainingDays: sig.RemainingDays}
}

// Sources collects everything the aggregation consults besides the cache.
type Sources struct {
	RedeemedIDs []string
	Purchases   []model.Purchase
}

// Reconciler owns the per-user access cache.
type Reconciler struct {
	store kvstore.Store
	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	records map[string]model.AccessRecord // key: userID:contentID
}

// NewReconciler constructs a Reconciler over the shared store.
func NewReconciler(store kvstore.Store, clk clock.Clock, log *zap.Logger) *Reconciler {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		clock:   clk,
		log:     log,
		records: make(map[string]model.AccessRecord),
	}
}

func key(userID, contentID string) string {
	return keyPrefix + userID + ":" + contentID
}

// ApplySignal folds one qualifying source event into the canonical record.
// Applying the same signal twice yields an identical record.
func (r *Reconciler) ApplySignal(userID string, meta model.ContentMeta, sig model.AccessSignal) model.AccessRecord {
	status := DetermineAccessStatus(meta, sig)
	ts := sig.Timestamp
	if ts == 0 {
		ts = r.clock.Now().UnixMilli()
	}
	rec := model.AccessRecord{
		HasAccess:       status.HasAccess,
		AccessType:      status.AccessType,
		RemainingDays:   status.RemainingDays,
		PaymentMethod:   sig.PaymentMethod,
		SourceTimestamp: ts,
	}

	r.mu.Lock()
	r.records[key(userID, meta.ID)] = rec
	r.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		r.log.Warn("marshal access record", zap.Error(err))
		return rec
	}
	if err := r.store.SetTTL(key(userID, meta.ID), data, int64(CacheTTL.Seconds())); err != nil {
		r.log.Warn("persist access record", zap.Error(err))
	}
	return rec
}

// Record returns the cached record for (user, content). TTL-expired entries
// are evicted to force re-verification; malformed entries are discarded and
// reported as absent.
func (r *Reconciler) Record(userID, contentID string) (model.AccessRecord, bool) {
	k := key(userID, contentID)

	r.mu.Lock()
	rec, ok := r.records[k]
	r.mu.Unlock()
	if ok {
		if r.expired(rec) {
			r.evict(k)
			return model.AccessRecord{}, false
		}
		return rec, true
	}

	data, ok, err := r.store.Get(k)
	if err != nil || !ok {
		return model.AccessRecord{}, false
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		r.log.Warn("discarding malformed access record",
			zap.String("key", k), zap.Error(err))
		_ = r.store.Remove(k)
		return model.AccessRecord{}, false
	}
	if r.expired(rec) {
		r.evict(k)
		return model.AccessRecord{}, false
	}
	r.mu.Lock()
	r.records[k] = rec
	r.mu.Unlock()
	return rec, true
}

func (r *Reconciler) expired(rec model.AccessRecord) bool {
	age := r.clock.Now().UnixMilli() - rec.SourceTimestamp
	return age > CacheTTL.Milliseconds()
}

func (r *Reconciler) evict(k string) {
	r.mu.Lock()
	delete(r.records, k)
	r.mu.Unlock()
	_ = r.store.Remove(k)
}

// CheckFullAccessFromAllSources returns true when ANY source confirms access.
// Fail-open on purpose: denying a paying user is worse than a transient false
// positive, which the cache TTL bounds. Expiry still dominates within each
// individual source.
func (r *Reconciler) CheckFullAccessFromAllSources(userID string, meta model.ContentMeta, src Sources) bool {
	if meta.IsFree {
		return true
	}

	// Local cache.
	if rec, ok := r.Record(userID, meta.ID); ok && rec.HasAccess {
		return true
	}

	// Redeemed-id list.
	for _, id := range src.RedeemedIDs {
		if id == meta.ID {
			return true
		}
	}

	// Purchase-list expiry math.
	now := r.clock.Now()
	for _, p := range src.Purchases {
		if p.ContentID == meta.ID && p.RemainingDays(now) > 0 {
			return true
		}
	}

	// Direct property on the content object.
	return meta.HasAccess
}

// Sweep evicts TTL-expired in-memory records; the store handles its own TTLs.
func (r *Reconciler) Sweep() {
	r.mu.Lock()
	var stale []string
	for k, rec := range r.records {
		if r.expired(rec) {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		delete(r.records, k)
	}
	r.mu.Unlock()
	for _, k := range stale {
		_ = r.store.Remove(k)
	}
}

// HandleAccessUpdate consumes questionSet:accessUpdate pushes.
func (r *Reconciler) HandleAccessUpdate(userID string, env protocol.Envelope) {
	var p protocol.AccessUpdatePayload
	if err := env.ParsePayload(&p); err != nil {
		r.log.Debug("malformed access update", zap.Error(err))
		return
	}
	r.ApplySignal(userID, model.ContentMeta{ID: p.ContentID}, p.Signal)
}

// HandleQuestionSetUpdate consumes unsolicited questionSet:update pushes; a
// content change without an access signal just evicts the cached record so
// the next check re-verifies.
func (r *Reconciler) HandleQuestionSetUpdate(userID string, env protocol.Envelope) {
	var p protocol.QuestionSetUpdatePayload
	if err := env.ParsePayload(&p); err != nil {
		r.log.Debug("malformed question set update", zap.Error(err))
		return
	}
	if p.Signal != nil {
		r.ApplySignal(userID, model.ContentMeta{ID: p.ContentID}, *p.Signal)
		return
	}
	r.evict(key(userID, p.ContentID))
}

// RunSweeper evicts expired records periodically until ctx is done.
func (r *Reconciler) RunSweeper(done <-chan struct{}, interval time.Duration) {
	t := r.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C():
			r.Sweep()
		case <-done:
			return
		}
	}
}
