package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tier"
)

// hashEncoder is a small deterministic fake encoder good enough to
// exercise ranking without pulling in a real model: identical text yields
// an identical (near-unit) vector, and unrelated texts land far apart.
type hashEncoder struct{ dim int }

func (h *hashEncoder) Dim() int { return h.dim }

func (h *hashEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for i := 0; i < len(text); i++ {
		vec[i%h.dim] += float32(text[i])
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1) / sqrt32(norm)
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func sqrt32(v float32) float32 {
	x := v
	for i := 0; i < 20; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

func (h *hashEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func setupPipeline(t *testing.T) (*Pipeline, *tier.Engine) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "search.db"), nil)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	hot := annindex.New(16, 200, 100)
	warm := annindex.New(16, 200, 100)
	te := tier.New(kv, hot, warm, tier.DefaultConfig(), nil)
	enc := &hashEncoder{dim: 16}
	p := New(kv, hot, warm, te, enc, 1000, nil)
	return p, te
}

func insertWarm(t *testing.T, te *tier.Engine, enc *hashEncoder, id, text string, importance float64) {
	t.Helper()
	vec, _ := enc.Embed(context.Background(), text)
	now := time.Now()
	rec := &record.MemoryRecord{
		ID: id, Text: text, Embedding: vec, Timestamp: now, LastAccessed: now,
		Importance: importance, CurrentTier: record.TierWarm,
	}
	if err := te.StoreWarm(context.Background(), rec); err != nil {
		t.Fatalf("store warm: %v", err)
	}
}

func TestWriteThenReadFindsMatch(t *testing.T) {
	p, te := setupPipeline(t)
	enc := &hashEncoder{dim: 16}

	insertWarm(t, te, enc, "paris", "Paris is the capital of France", 0.5)
	insertWarm(t, te, enc, "eiffel", "The Eiffel Tower is in Paris", 0.5)
	insertWarm(t, te, enc, "seine", "The Seine flows through Paris", 0.5)

	results, err := p.Search(context.Background(), "Paris is the capital of France", Options{K: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Record.ID != "paris" {
		t.Errorf("expected id paris, got %s", results[0].Record.ID)
	}
	if results[0].Similarity < 0.99 {
		t.Errorf("expected near-exact match similarity, got %f", results[0].Similarity)
	}
}

func TestSimulateDoesNotBumpUsageCount(t *testing.T) {
	p, te := setupPipeline(t)
	enc := &hashEncoder{dim: 16}
	insertWarm(t, te, enc, "a", "hello world", 0.5)

	for i := 0; i < 3; i++ {
		if _, err := p.Search(context.Background(), "hello world", Options{K: 1, Simulate: true}); err != nil {
			t.Fatalf("search: %v", err)
		}
	}

	results, err := p.Search(context.Background(), "hello world", Options{K: 1, Simulate: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results[0].Record.UsageCount != 0 {
		t.Errorf("expected usage_count unaffected by simulate, got %d", results[0].Record.UsageCount)
	}
}

func TestFiltersExcludeNonMatchingRecords(t *testing.T) {
	p, te := setupPipeline(t)
	enc := &hashEncoder{dim: 16}
	insertWarm(t, te, enc, "low", "hello world", 0.1)

	results, err := p.Search(context.Background(), "hello world", Options{K: 5, Filters: Filters{MinImportance: 0.9}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected importance filter to exclude low-importance record, got %d results", len(results))
	}
}

func TestPromotionAfterRepeatedSearches(t *testing.T) {
	p, te := setupPipeline(t)
	enc := &hashEncoder{dim: 16}
	insertWarm(t, te, enc, "a", "hello world", 0.1)

	cfg := tier.DefaultConfig()
	var lastTier record.Tier
	for i := int64(0); i < cfg.UHot+1; i++ {
		results, err := p.Search(context.Background(), "hello world", Options{K: 1})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(results) == 0 {
			t.Fatal("expected a result")
		}
		lastTier = results[0].Record.CurrentTier
	}

	if lastTier != record.TierHot {
		t.Errorf("expected record promoted to HOT after %d searches, still %s", cfg.UHot+1, lastTier)
	}
}
