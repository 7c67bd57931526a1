package tier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
)

func setup(t *testing.T) (*kvstore.Adapter, *annindex.Index, *annindex.Index) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "tier.db"), nil)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv, annindex.New(16, 200, 100), annindex.New(16, 200, 100)
}

func newRecord(id string, dim int) *record.MemoryRecord {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(i) / float32(dim)
	}
	now := time.Now()
	return &record.MemoryRecord{
		ID: id, Text: "hello", Embedding: vec, Timestamp: now, LastAccessed: now,
		Importance: 0.5, CurrentTier: record.TierWarm,
	}
}

func TestShouldPromoteOnUsageThreshold(t *testing.T) {
	_, hot, warm := setup(t)
	cfg := DefaultConfig()
	e := New(nil, hot, warm, cfg, nil)

	r := newRecord("a", 8)
	r.UsageCount = cfg.UHot
	r.Importance = 0
	if !e.ShouldPromote(r, time.Now()) {
		t.Error("expected promotion when usage_count >= U_hot")
	}
}

func TestShouldPromoteOnEffectiveWeight(t *testing.T) {
	_, hot, warm := setup(t)
	cfg := DefaultConfig()
	e := New(nil, hot, warm, cfg, nil)

	r := newRecord("a", 8)
	r.Importance = 1.0
	r.Timestamp = time.Now()
	if !e.ShouldPromote(r, time.Now()) {
		t.Error("expected promotion when effective_weight >= I_hot")
	}
}

func TestShouldNotPromoteAlreadyHot(t *testing.T) {
	_, hot, warm := setup(t)
	e := New(nil, hot, warm, DefaultConfig(), nil)

	r := newRecord("a", 8)
	r.CurrentTier = record.TierHot
	r.UsageCount = 100
	if e.ShouldPromote(r, time.Now()) {
		t.Error("already-HOT record should never be promoted again")
	}
}

func TestShouldDemoteOnDecayAndLowUsage(t *testing.T) {
	_, hot, warm := setup(t)
	cfg := DefaultConfig()
	e := New(nil, hot, warm, cfg, nil)

	r := newRecord("a", 8)
	r.CurrentTier = record.TierHot
	r.Timestamp = time.Now().Add(-90 * 24 * time.Hour)
	r.UsageCount = 0
	if !e.ShouldDemote(r, time.Now()) {
		t.Error("expected demotion for old, low-usage HOT record")
	}
}

func TestPromoteThenDemoteRoundTrip(t *testing.T) {
	kv, hot, warm := setup(t)
	e := New(kv, hot, warm, DefaultConfig(), nil)
	ctx := context.Background()

	r := newRecord("a", 8)
	if err := e.StoreWarm(ctx, r); err != nil {
		t.Fatalf("store warm: %v", err)
	}
	if r.WarmIndexHandle == "" {
		t.Fatal("expected warm handle set")
	}

	if err := e.Promote(ctx, r); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if r.CurrentTier != record.TierHot {
		t.Errorf("expected tier HOT after promote, got %s", r.CurrentTier)
	}
	if r.HotIndexHandle == "" || r.WarmIndexHandle != "" {
		t.Errorf("expected hot handle set and warm handle cleared, got hot=%q warm=%q", r.HotIndexHandle, r.WarmIndexHandle)
	}
	if _, found, _ := kv.Get(ctx, kvstore.Warm, r.ID); found {
		t.Error("expected warm KV entry removed after promote")
	}

	if err := e.Demote(ctx, r); err != nil {
		t.Fatalf("demote: %v", err)
	}
	if r.CurrentTier != record.TierWarm {
		t.Errorf("expected tier WARM after demote, got %s", r.CurrentTier)
	}
	if r.WarmIndexHandle == "" || r.HotIndexHandle != "" {
		t.Errorf("expected warm handle set and hot handle cleared, got hot=%q warm=%q", r.HotIndexHandle, r.WarmIndexHandle)
	}
}

func TestReconstructFromWarmThenCold(t *testing.T) {
	kv, hot, warm := setup(t)
	e := New(kv, hot, warm, DefaultConfig(), nil)
	ctx := context.Background()

	r := newRecord("a", 8)
	if err := e.StoreWarm(ctx, r); err != nil {
		t.Fatalf("store warm: %v", err)
	}

	bare := &record.MemoryRecord{ID: "a"}
	if err := e.Reconstruct(ctx, bare); err != nil {
		t.Fatalf("reconstruct from warm: %v", err)
	}
	if len(bare.Embedding) != 8 {
		t.Errorf("expected reconstructed embedding of dim 8, got %d", len(bare.Embedding))
	}

	kv.Delete(ctx, kvstore.Warm, "a")
	if err := e.StoreCold(ctx, r); err != nil {
		t.Fatalf("store cold: %v", err)
	}

	bare2 := &record.MemoryRecord{ID: "a"}
	if err := e.Reconstruct(ctx, bare2); err != nil {
		t.Fatalf("reconstruct from cold: %v", err)
	}
	if len(bare2.Embedding) != 8 {
		t.Errorf("expected reconstructed embedding of dim 8, got %d", len(bare2.Embedding))
	}
}

func TestReconstructMissingReturnsNotFound(t *testing.T) {
	kv, hot, warm := setup(t)
	e := New(kv, hot, warm, DefaultConfig(), nil)

	bare := &record.MemoryRecord{ID: "ghost"}
	if err := e.Reconstruct(context.Background(), bare); err == nil {
		t.Fatal("expected not-found error for unknown id")
	}
}
