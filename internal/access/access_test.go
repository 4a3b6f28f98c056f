package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvlar/examsync/internal/clock"
	"github.com/kvlar/examsync/internal/kvstore"
	"github.com/kvlar/examsync/internal/model"
	"github.com/kvlar/examsync/internal/protocol"
)

func days(n int) *int { return &n }

func TestDetermineAccessStatus_Rules(t *testing.T) {
	t.Parallel()
	paid := model.ContentMeta{ID: "c1"}

	tests := []struct {
		name string
		meta model.ContentMeta
		sig  model.AccessSignal
		want model.AccessStatus
	}{
		{
			name: "free content is always trial",
			meta: model.ContentMeta{ID: "c1", IsFree: true},
			sig:  model.AccessSignal{HasAccess: false},
			want: model.AccessStatus{HasAccess: true, AccessType: model.AccessTrial},
		},
		{
			name: "redeem payment method",
			meta: paid,
			sig:  model.AccessSignal{HasAccess: true, PaymentMethod: "redeem", RemainingDays: days(10)},
			want: model.AccessStatus{HasAccess: true, AccessType: model.AccessRedeemed, RemainingDays: days(10)},
		},
		{
			name: "expiry dominates a positive flag",
			meta: paid,
			sig:  model.AccessSignal{HasAccess: true, RemainingDays: days(0)},
			want: model.AccessStatus{HasAccess: false, AccessType: model.AccessExpired, RemainingDays: days(0)},
		},
		{
			name: "expiry dominates redeem",
			meta: paid,
			sig:  model.AccessSignal{HasAccess: true, PaymentMethod: "redeem", RemainingDays: days(-3)},
			want: model.AccessStatus{HasAccess: false, AccessType: model.AccessExpired, RemainingDays: days(-3)},
		},
		{
			name: "paid with access",
			meta: paid,
			sig:  model.AccessSignal{HasAccess: true, RemainingDays: days(5)},
			want: model.AccessStatus{HasAccess: true, AccessType: model.AccessPaid, RemainingDays: days(5)},
		},
		{
			name: "unpurchased paid item is never downgraded to trial",
			meta: paid,
			sig:  model.AccessSignal{HasAccess: false},
			want: model.AccessStatus{HasAccess: false, AccessType: model.AccessPaid},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetermineAccessStatus(tc.meta, tc.sig))
		})
	}
}

func newTestReconciler() (*Reconciler, *kvstore.MemoryStore, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := kvstore.NewMemory()
	store.SetNowFunc(clk.Now)
	return NewReconciler(store, clk, nil), store, clk
}

func TestApplySignal_Idempotent(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler()
	meta := model.ContentMeta{ID: "c1"}
	sig := model.AccessSignal{HasAccess: true, RemainingDays: days(5), Timestamp: 1_700_000_000_000}

	first := r.ApplySignal("u1", meta, sig)
	second := r.ApplySignal("u1", meta, sig)
	assert.Equal(t, first, second)

	rec, ok := r.Record("u1", "c1")
	require.True(t, ok)
	assert.Equal(t, first, rec)
}

func TestExpiryDominance_SignalOrdering(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler()
	meta := model.ContentMeta{ID: "c1"}

	// Signal A: active access. Signal B arrives later with zero days left.
	r.ApplySignal("u1", meta, model.AccessSignal{HasAccess: true, RemainingDays: days(5), Timestamp: 1})
	r.ApplySignal("u1", meta, model.AccessSignal{HasAccess: true, RemainingDays: days(0), Timestamp: 2})

	rec, ok := r.Record("u1", "c1")
	require.True(t, ok)
	assert.False(t, rec.HasAccess)
	assert.Equal(t, model.AccessExpired, rec.AccessType)
}

func TestRecord_TTLForcesReverification(t *testing.T) {
	t.Parallel()
	r, store, clk := newTestReconciler()
	meta := model.ContentMeta{ID: "c1"}
	r.ApplySignal("u1", meta, model.AccessSignal{HasAccess: true, RemainingDays: days(30), Timestamp: clk.Now().UnixMilli()})

	clk.Advance(23 * time.Hour)
	_, ok := r.Record("u1", "c1")
	assert.True(t, ok, "within TTL")

	clk.Advance(2 * time.Hour)
	_, ok = r.Record("u1", "c1")
	assert.False(t, ok, "TTL expired, record evicted")

	_, present, err := store.Get("access:u1:c1")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestRecord_MalformedCacheDiscarded(t *testing.T) {
	t.Parallel()
	r, store, _ := newTestReconciler()
	require.NoError(t, store.Set("access:u1:c1", []byte("{broken")))

	_, ok := r.Record("u1", "c1")
	assert.False(t, ok, "malformed entry treated as absent")
	_, present, _ := store.Get("access:u1:c1")
	assert.False(t, present, "offending entry removed")
}

func TestCheckFullAccess_ORAcrossSources(t *testing.T) {
	t.Parallel()
	r, _, clk := newTestReconciler()
	meta := model.ContentMeta{ID: "c1"}

	assert.False(t, r.CheckFullAccessFromAllSources("u1", meta, Sources{}),
		"no source confirms")

	assert.True(t, r.CheckFullAccessFromAllSources("u1", model.ContentMeta{ID: "c1", IsFree: true}, Sources{}),
		"free content")

	assert.True(t, r.CheckFullAccessFromAllSources("u1", meta, Sources{RedeemedIDs: []string{"c1"}}),
		"redeemed-id list")

	assert.True(t, r.CheckFullAccessFromAllSources("u1", meta, Sources{
		Purchases: []model.Purchase{{ContentID: "c1", ExpiresAt: clk.Now().Add(48 * time.Hour)}},
	}), "purchase expiry math")

	assert.False(t, r.CheckFullAccessFromAllSources("u1", meta, Sources{
		Purchases: []model.Purchase{{ContentID: "c1", ExpiresAt: clk.Now().Add(-time.Hour)}},
	}), "expired purchase does not confirm")

	assert.True(t, r.CheckFullAccessFromAllSources("u1", model.ContentMeta{ID: "c1", HasAccess: true}, Sources{}),
		"direct content property")

	r.ApplySignal("u1", meta, model.AccessSignal{HasAccess: true, RemainingDays: days(3), Timestamp: clk.Now().UnixMilli()})
	assert.True(t, r.CheckFullAccessFromAllSources("u1", meta, Sources{}),
		"cache source")
}

func TestCheckFullAccess_ExpiredCacheIsNegative(t *testing.T) {
	t.Parallel()
	r, _, clk := newTestReconciler()
	meta := model.ContentMeta{ID: "c1"}
	r.ApplySignal("u1", meta, model.AccessSignal{HasAccess: true, RemainingDays: days(0), Timestamp: clk.Now().UnixMilli()})

	assert.False(t, r.CheckFullAccessFromAllSources("u1", meta, Sources{}))
}

func TestHandleAccessUpdate_Push(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler()
	env, err := protocol.NewEnvelope(protocol.TypeAccessUpdate, protocol.AccessUpdatePayload{
		ContentID: "c9",
		Signal:    model.AccessSignal{HasAccess: true, RemainingDays: days(7), Timestamp: 1_700_000_000_000},
	})
	require.NoError(t, err)

	r.HandleAccessUpdate("u1", env)
	rec, ok := r.Record("u1", "c9")
	require.True(t, ok)
	assert.True(t, rec.HasAccess)
	assert.Equal(t, model.AccessPaid, rec.AccessType)
}

func TestHandleQuestionSetUpdate_EvictsWithoutSignal(t *testing.T) {
	t.Parallel()
	r, _, clk := newTestReconciler()
	meta := model.ContentMeta{ID: "c2"}
	r.ApplySignal("u1", meta, model.AccessSignal{HasAccess: true, RemainingDays: days(9), Timestamp: clk.Now().UnixMilli()})

	env, err := protocol.NewEnvelope(protocol.TypeQuestionSetUpdate, protocol.QuestionSetUpdatePayload{ContentID: "c2"})
	require.NoError(t, err)
	r.HandleQuestionSetUpdate("u1", env)

	_, ok := r.Record("u1", "c2")
	assert.False(t, ok, "content change forces re-verification")
}

func TestSweep(t *testing.T) {
	t.Parallel()
	r, _, clk := newTestReconciler()
	r.ApplySignal("u1", model.ContentMeta{ID: "old"}, model.AccessSignal{HasAccess: true, RemainingDays: days(9), Timestamp: clk.Now().UnixMilli()})
	clk.Advance(25 * time.Hour)
	r.ApplySignal("u1", model.ContentMeta{ID: "new"}, model.AccessSignal{HasAccess: true, RemainingDays: days(9), Timestamp: clk.Now().UnixMilli()})

	r.Sweep()
	_, okOld := r.Record("u1", "old")
	_, okNew := r.Record("u1", "new")
	assert.False(t, okOld)
	assert.True(t, okNew)
}
