package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
)

func openTestKV(t *testing.T) *kvstore.Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	kv, err := kvstore.Open(path, nil)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	kv := openTestKV(t)
	ctx := context.Background()
	j, err := Open(ctx, kv, 10000, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	var prev int64
	for i := 0; i < 50; i++ {
		id, err := j.Append(ctx, &record.MemoryRecord{ID: "r"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if id <= prev {
			t.Fatalf("expected strictly increasing ids, got %d after %d", id, prev)
		}
		prev = id
	}
	if j.Counter() != 50 {
		t.Errorf("expected counter 50, got %d", j.Counter())
	}
}

func TestCounterSurvivesReopen(t *testing.T) {
	kv := openTestKV(t)
	ctx := context.Background()

	j1, _ := Open(ctx, kv, 10000, nil)
	for i := 0; i < 25; i++ {
		j1.Append(ctx, &record.MemoryRecord{ID: "r"})
	}

	j2, err := Open(ctx, kv, 10000, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if j2.Counter() != 25 {
		t.Errorf("expected counter restored to 25, got %d", j2.Counter())
	}

	id, _ := j2.Append(ctx, &record.MemoryRecord{ID: "r"})
	if id != 26 {
		t.Errorf("expected next id 26, got %d", id)
	}
}

func TestReplayReturnsAllSurvivingEntries(t *testing.T) {
	kv := openTestKV(t)
	ctx := context.Background()
	j, _ := Open(ctx, kv, 10000, nil)

	for i := 0; i < 5; i++ {
		j.Append(ctx, &record.MemoryRecord{ID: "r", Text: "hello"})
	}

	entries, err := j.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Snapshot.Text != "hello" {
			t.Errorf("entry %d: expected snapshot text preserved", i)
		}
	}
}

func TestRotateKeepsOnlyMostRecentEntries(t *testing.T) {
	kv := openTestKV(t)
	ctx := context.Background()
	j, _ := Open(ctx, kv, 10, nil)

	for i := 0; i < 25; i++ {
		if _, err := j.Append(ctx, &record.MemoryRecord{ID: "r"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := j.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n > 10 {
		t.Errorf("expected rotation to cap retained entries near 10, got %d", n)
	}
	if j.Counter() != 25 {
		t.Errorf("rotation must not affect lifetime counter, got %d", j.Counter())
	}
}
