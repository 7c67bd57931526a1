package prune

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/codec"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tier"
)

const testSalt = "test-salt"

func setup(t *testing.T) (*Pruner, *kvstore.Adapter, *tier.Engine) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "prune.db"), nil)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	hot := annindex.New(16, 200, 100)
	warm := annindex.New(16, 200, 100)
	te := tier.New(kv, hot, warm, tier.DefaultConfig(), nil)

	cfg := DefaultConfig()
	cfg.Salt = testSalt
	p := New(kv, hot, warm, te, cfg, nil, nil)
	return p, kv, te
}

func coldRecord(id string, age time.Duration, usage int64, text string) *record.MemoryRecord {
	now := time.Now().Add(-age)
	return &record.MemoryRecord{
		ID: id, Text: text, Embedding: []float32{1, 2, 3}, Timestamp: now, LastAccessed: now,
		Importance: 0.5, UsageCount: usage, CurrentTier: record.TierCold,
		IntegrityHash: codec.ContentHash(text, testSalt),
	}
}

func TestRunDeletesDecayedUnusedColdRecords(t *testing.T) {
	p, kv, te := setup(t)

	old := coldRecord("old", 365*24*time.Hour, 0, "ancient note")
	fresh := coldRecord("fresh", time.Hour, 0, "recent note")
	used := coldRecord("used", 365*24*time.Hour, 5, "ancient but used")

	for _, r := range []*record.MemoryRecord{old, fresh, used} {
		if err := te.StoreCold(context.Background(), r); err != nil {
			t.Fatalf("store cold: %v", err)
		}
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Deleted) != 1 || result.Deleted[0] != "old" {
		t.Errorf("expected only 'old' deleted, got %v", result.Deleted)
	}

	n, err := kv.Count(context.Background(), kvstore.Cold)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cold records remaining, got %d", n)
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	p, _, _ := setup(t)
	if !p.pruneLock.TryAcquire() {
		t.Fatal("expected to acquire lock")
	}
	defer p.pruneLock.Release()

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error when skipping, got %v", err)
	}
	if result.Deleted != nil {
		t.Errorf("expected empty result when lock held, got %v", result)
	}
}

func TestVerifyIntegrityQuarantinesTamperedRecord(t *testing.T) {
	p, kv, te := setup(t)

	good := coldRecord("good", time.Hour, 1, "untouched text")
	if err := te.StoreCold(context.Background(), good); err != nil {
		t.Fatalf("store cold: %v", err)
	}

	tampered := coldRecord("tampered", time.Hour, 1, "original text")
	if err := te.StoreCold(context.Background(), tampered); err != nil {
		t.Fatalf("store cold: %v", err)
	}
	tampered.Text = "edited text after hash was computed"
	if err := te.StoreCold(context.Background(), tampered); err != nil {
		t.Fatalf("re-store cold: %v", err)
	}

	result, err := p.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(result.Quarantined) != 1 || result.Quarantined[0] != "tampered" {
		t.Errorf("expected only 'tampered' quarantined, got %v", result.Quarantined)
	}

	n, err := kv.Count(context.Background(), kvstore.Cold)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cold record remaining after quarantine, got %d", n)
	}
}
