package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tieredmem/tieredmem/pkg/tmerr"
)

func openTest(t *testing.T) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	a, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPutGetRoundTrip(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	if err := a.Put(ctx, Core, "k1", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, found, err := a.Get(ctx, Core, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(v) != "v1" {
		t.Fatalf("expected v1, got %q found=%v", v, found)
	}
}

func TestGetMissingKeyNotFoundNotError(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	_, found, err := a.Get(ctx, Core, "missing")
	if err != nil {
		t.Fatalf("expected no error for missing key, got %v", err)
	}
	if found {
		t.Fatal("expected found=false")
	}
}

func TestStoresAreIsolated(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	if err := a.Put(ctx, Core, "shared-key", []byte("core-value")); err != nil {
		t.Fatalf("put core: %v", err)
	}
	if err := a.Put(ctx, Warm, "shared-key", []byte("warm-value")); err != nil {
		t.Fatalf("put warm: %v", err)
	}

	v, _, _ := a.Get(ctx, Core, "shared-key")
	if string(v) != "core-value" {
		t.Errorf("core store polluted: %q", v)
	}
	v, _, _ = a.Get(ctx, Warm, "shared-key")
	if string(v) != "warm-value" {
		t.Errorf("warm store polluted: %q", v)
	}
}

func TestPutBatchAndCount(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	entries := []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	}
	if err := a.PutBatch(ctx, Cold, entries); err != nil {
		t.Fatalf("put_batch: %v", err)
	}

	n, err := a.Count(ctx, Cold)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}
}

func TestDeleteAbsentKeyIsNoop(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	if err := a.Delete(ctx, Core, "never-existed"); err != nil {
		t.Fatalf("expected delete of absent key to succeed, got %v", err)
	}
}

func TestClearRemovesOnlyTargetStore(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	a.Put(ctx, Core, "k", []byte("v"))
	a.Put(ctx, Warm, "k", []byte("v"))

	if err := a.Clear(ctx, Core); err != nil {
		t.Fatalf("clear: %v", err)
	}

	n, _ := a.Count(ctx, Core)
	if n != 0 {
		t.Errorf("expected core cleared, count=%d", n)
	}
	n, _ = a.Count(ctx, Warm)
	if n != 1 {
		t.Errorf("expected warm untouched, count=%d", n)
	}
}

func TestScanChunksDeliversAllEntriesInChunks(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	total := 25
	entries := make([]Entry, total)
	for i := range entries {
		entries[i] = Entry{Key: string(rune('a' + i%26)), Value: []byte{byte(i)}}
	}
	for i, e := range entries {
		a.PutSeq(ctx, Cold, e.Key+"-"+string(rune('A'+i)), e.Value, int64(i))
	}

	out, errc := a.ScanChunks(ctx, Cold, 10)
	seen := 0
	chunkCount := 0
	for chunk := range out {
		chunkCount++
		seen += len(chunk)
		if len(chunk) > 10 {
			t.Errorf("chunk too large: %d", len(chunk))
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("scan_chunks error: %v", err)
	}
	if seen != total {
		t.Errorf("expected %d entries total, saw %d across %d chunks", total, seen, chunkCount)
	}
}

func TestKeysReturnsAllKeysForStore(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	a.Put(ctx, Meta, "x", []byte("1"))
	a.Put(ctx, Meta, "y", []byte("2"))

	keys, err := a.Keys(ctx, Meta)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d: %v", len(keys), keys)
	}
}

func TestOpenInvalidPathReturnsStoreIOError(t *testing.T) {
	_, err := Open("/nonexistent-dir-xyz/db.sqlite", nil)
	if err == nil {
		t.Fatal("expected error opening db in nonexistent directory")
	}
	if !errors.Is(err, tmerr.ErrStoreIO) {
		t.Errorf("expected ErrStoreIO, got %v", err)
	}
}
