package annindex

import (
	"math/rand"
	"testing"
)

func randVec(n int, r *rand.Rand) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestInsertAndSearchFindsExactMatch(t *testing.T) {
	idx := New(16, 200, 100)
	r := rand.New(rand.NewSource(1))

	vecs := make([][]float32, 50)
	handles := make([]Handle, 50)
	for i := range vecs {
		vecs[i] = randVec(8, r)
		h, err := idx.InsertWithMetadata(vecs[i], map[string]string{"i": "x"})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		handles[i] = h
	}

	results, err := idx.Search(vecs[10], 1, 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Handle != handles[10] {
		t.Errorf("expected exact match handle %s, got %s (sim=%f)", handles[10], results[0].Handle, results[0].Similarity)
	}
}

func TestSoftDeleteExcludesFromSearch(t *testing.T) {
	idx := New(16, 200, 100)
	r := rand.New(rand.NewSource(2))

	v := randVec(8, r)
	h, _ := idx.InsertWithMetadata(v, nil)
	for i := 0; i < 10; i++ {
		idx.InsertWithMetadata(randVec(8, r), nil)
	}

	if err := idx.SoftDelete(h); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	results, _ := idx.Search(v, 20, 50)
	for _, res := range results {
		if res.Handle == h {
			t.Error("soft-deleted handle should not appear in search results")
		}
	}
}

func TestCompactRemovesDeletedNodesAndPreservesLiveHandles(t *testing.T) {
	idx := New(16, 200, 100)
	r := rand.New(rand.NewSource(3))

	var liveHandles []Handle
	var deadHandles []Handle
	for i := 0; i < 30; i++ {
		h, _ := idx.InsertWithMetadata(randVec(8, r), map[string]string{"n": "v"})
		if i%3 == 0 {
			deadHandles = append(deadHandles, h)
		} else {
			liveHandles = append(liveHandles, h)
		}
	}
	for _, h := range deadHandles {
		idx.SoftDelete(h)
	}

	removed, err := idx.Compact()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != len(deadHandles) {
		t.Errorf("expected %d removed, got %d", len(deadHandles), removed)
	}

	meta := idx.GetAllMetadata()
	if len(meta) != len(liveHandles) {
		t.Errorf("expected %d live entries after compact, got %d", len(liveHandles), len(meta))
	}
	for _, h := range liveHandles {
		if _, ok := meta[h]; !ok {
			t.Errorf("live handle %s missing after compact", h)
		}
	}
	if idx.DeletedSinceCompact() != 0 {
		t.Errorf("expected deleted counter reset after compact, got %d", idx.DeletedSinceCompact())
	}
}

func TestUpdateMetadataReplacesMap(t *testing.T) {
	idx := New(16, 200, 100)
	h, _ := idx.InsertWithMetadata(randVec(4, rand.New(rand.NewSource(4))), map[string]string{"a": "1"})

	if err := idx.UpdateMetadata(h, map[string]string{"b": "2"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	meta := idx.GetAllMetadata()
	if meta[h]["b"] != "2" || meta[h]["a"] != "" {
		t.Errorf("expected metadata fully replaced, got %v", meta[h])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := New(16, 200, 100)
	r := rand.New(rand.NewSource(5))

	var handles []Handle
	for i := 0; i < 20; i++ {
		h, _ := idx.InsertWithMetadata(randVec(8, r), map[string]string{"tier": "warm"})
		handles = append(handles, h)
	}

	data, err := idx.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(data, 100)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Size() != idx.Size() {
		t.Errorf("expected size %d after load, got %d", idx.Size(), loaded.Size())
	}
	meta := loaded.GetAllMetadata()
	for _, h := range handles {
		if meta[h]["tier"] != "warm" {
			t.Errorf("expected metadata preserved for handle %s", h)
		}
	}
}

func TestSoftDeleteUnknownHandleReturnsNotFound(t *testing.T) {
	idx := New(16, 200, 100)
	if err := idx.SoftDelete("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}
