package lifecycle

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/journal"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/prune"
	"github.com/tieredmem/tieredmem/pkg/tier"
)

type countingSaver struct{ calls int32 }

func (s *countingSaver) SaveIndexes(ctx context.Context) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

func setup(t *testing.T) (*Manager, *countingSaver) {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "lifecycle.db"), nil)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	hot := annindex.New(16, 200, 100)
	warm := annindex.New(16, 200, 100)
	te := tier.New(kv, hot, warm, tier.DefaultConfig(), nil)
	j, err := journal.Open(context.Background(), kv, 10000, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	pruneCfg := prune.DefaultConfig()
	pruneCfg.Salt = "salt"
	p := prune.New(kv, hot, warm, te, pruneCfg, nil, nil)

	saver := &countingSaver{}
	cfg := DefaultConfig()
	cfg.AutosaveEnabled = false
	m := New(kv, hot, warm, te, p, j, saver, nil, cfg, nil)
	return m, saver
}

func TestRecordMutationTriggersSaveAtBatchSize(t *testing.T) {
	m, saver := setup(t)
	m.cfg.MutationBatchSize = 3
	m.Start(context.Background())
	defer m.Stop()

	for i := 0; i < 3; i++ {
		m.RecordMutation()
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&saver.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&saver.calls) == 0 {
		t.Fatal("expected a save to have been triggered")
	}
}

func TestSuspendSavesImmediately(t *testing.T) {
	m, saver := setup(t)
	m.Suspend(context.Background())
	if atomic.LoadInt32(&saver.calls) != 1 {
		t.Errorf("expected exactly 1 save on suspend, got %d", saver.calls)
	}
}

func TestShutdownFlushesPendingMutations(t *testing.T) {
	m, saver := setup(t)
	m.Start(context.Background())

	atomic.StoreInt64(&m.mutationsSinceSave, 1)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if atomic.LoadInt32(&saver.calls) != 1 {
		t.Errorf("expected shutdown to flush one pending save, got %d", saver.calls)
	}
}

func TestMemoryPressureCriticalTriggersCleanup(t *testing.T) {
	m, _ := setup(t)
	m.memStat = func() uint64 { return 10 << 20 }
	m.checkMemoryPressure(context.Background())
}

func TestMemoryPressureHealthyDoesNothing(t *testing.T) {
	m, _ := setup(t)
	m.memStat = func() uint64 { return 1 << 30 }
	m.checkMemoryPressure(context.Background())
}
