// Package lifecycle implements the Lifecycle Manager (spec.md §4.9):
// autosave scheduling, mutation-batch save triggers, suspend hooks, a
// memory-pressure monitor, and graceful shutdown. Background maintenance
// runs as goroutines draining buffered channels — one per maintenance
// kind — mirroring the background-goroutine-over-a-channel pattern the
// teacher's pkg/core/streaming.go uses for its own long-running worker.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/journal"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/prune"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tier"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

// Config holds the lifecycle thresholds from spec.md §6.
type Config struct {
	AutosaveEnabled         bool
	AutosaveInterval        time.Duration
	MutationBatchSize       int64
	MemoryCheckInterval     time.Duration
	MemoryWarningThreshold  uint64
	MemoryCriticalThreshold uint64
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		AutosaveEnabled: true, AutosaveInterval: 5 * time.Minute, MutationBatchSize: 10,
		MemoryCheckInterval: 60 * time.Second, MemoryWarningThreshold: 100 << 20, MemoryCriticalThreshold: 50 << 20,
	}
}

// MemoryStatFunc reports currently available storage/memory in bytes, to
// decouple the monitor from a concrete OS call (tests inject a fake).
type MemoryStatFunc func() uint64

// Saver persists both ANN indexes, invoked on autosave, mutation-batch
// triggers, suspend, and shutdown.
type Saver interface {
	SaveIndexes(ctx context.Context) error
}

// Manager runs the autosave scheduler, mutation-batch trigger, and
// memory-pressure monitor as background goroutines until Stop is called.
type Manager struct {
	kv         *kvstore.Adapter
	hot, warm  *annindex.Index
	tierEngine *tier.Engine
	pruner     *prune.Pruner
	j          *journal.Journal
	saver      Saver
	memStat    MemoryStatFunc
	cfg        Config
	logger     tmlog.Logger

	mutationsSinceSave int64
	saveRequests       chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager. memStat defaults to a function reporting an
// always-healthy amount of memory if nil (tests and callers that don't
// care about pressure monitoring can pass nil).
func New(kv *kvstore.Adapter, hot, warm *annindex.Index, tierEngine *tier.Engine, pruner *prune.Pruner, j *journal.Journal, saver Saver, memStat MemoryStatFunc, cfg Config, logger tmlog.Logger) *Manager {
	if logger == nil {
		logger = tmlog.Nop()
	}
	if memStat == nil {
		memStat = func() uint64 { return 1 << 30 }
	}
	return &Manager{
		kv: kv, hot: hot, warm: warm, tierEngine: tierEngine, pruner: pruner, j: j, saver: saver,
		memStat: memStat, cfg: cfg, logger: logger,
		saveRequests: make(chan struct{}, 1), stopCh: make(chan struct{}),
	}
}

// Start launches the background autosave and memory-pressure goroutines.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.AutosaveEnabled {
		m.wg.Add(1)
		go m.autosaveLoop(ctx)
	}
	m.wg.Add(1)
	go m.memoryMonitorLoop(ctx)
	m.wg.Add(1)
	go m.saveWorker(ctx)
}

// RecordMutation bumps the mutation counter; once it crosses
// mutation_batch_size an immediate save is enqueued (not awaited, per
// spec.md Design Note c).
func (m *Manager) RecordMutation() {
	n := atomic.AddInt64(&m.mutationsSinceSave, 1)
	if n >= m.cfg.MutationBatchSize {
		m.enqueueSave()
	}
}

func (m *Manager) enqueueSave() {
	select {
	case m.saveRequests <- struct{}{}:
	default:
	}
}

func (m *Manager) saveWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-m.saveRequests:
			if err := m.saver.SaveIndexes(ctx); err != nil {
				m.logger.Warn("lifecycle: save failed", "err", err)
				continue
			}
			atomic.StoreInt64(&m.mutationsSinceSave, 0)
		}
	}
}

func (m *Manager) autosaveLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt64(&m.mutationsSinceSave) > 0 {
				m.enqueueSave()
			}
		}
	}
}

// Suspend performs a best-effort save on a process/window suspension
// event; failures are logged, never returned, since suspend hooks have no
// caller to report to.
func (m *Manager) Suspend(ctx context.Context) {
	if err := m.saver.SaveIndexes(ctx); err != nil {
		m.logger.Warn("lifecycle: suspend save failed", "err", err)
		return
	}
	atomic.StoreInt64(&m.mutationsSinceSave, 0)
}

func (m *Manager) memoryMonitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkMemoryPressure(ctx)
		}
	}
}

func (m *Manager) checkMemoryPressure(ctx context.Context) {
	available := m.memStat()

	switch {
	case available < m.cfg.MemoryCriticalThreshold:
		m.logger.Warn("lifecycle: critical memory pressure, running aggressive cleanup", "available", available)
		result, err := m.pruner.Run(ctx)
		if err != nil {
			m.logger.Warn("lifecycle: prune failed under critical pressure", "err", err)
		}
		m.aggressiveDemote(ctx)
		m.compact()
		if err := m.j.Rotate(ctx); err != nil {
			m.logger.Warn("lifecycle: journal rotation failed", "err", err)
		}
		_ = result

	case available < m.cfg.MemoryWarningThreshold:
		result, err := m.pruner.Run(ctx)
		if err != nil {
			m.logger.Warn("lifecycle: prune failed under warning pressure", "err", err)
			return
		}
		if len(result.Deleted) > 0 {
			m.compact()
		}
	}
}

// compact acquires the compact flag shared with pkg/prune (via
// pruner.CompactLock) so memory-pressure-triggered compaction and
// prune-triggered compaction never run concurrently; it skips and logs if
// the flag is already held, per spec.md §5.
func (m *Manager) compact() {
	lock := m.pruner.CompactLock()
	if !lock.TryAcquire() {
		m.logger.Info("compact: lock already held, skipping")
		return
	}
	defer lock.Release()

	if _, err := m.hot.Compact(); err != nil {
		m.logger.Warn("lifecycle: hot compaction failed", "err", err)
	}
	if _, err := m.warm.Compact(); err != nil {
		m.logger.Warn("lifecycle: warm compaction failed", "err", err)
	}
}

// aggressiveDemote demotes every HOT record with usage_count < 5 to WARM,
// the critical-pressure escalation spec.md §4.9 requires beyond the
// tier engine's ordinary decay-driven demotion rule.
func (m *Manager) aggressiveDemote(ctx context.Context) {
	for handle, md := range m.hot.GetAllMetadata() {
		rec := tier.RecordFromMetadata(md)
		if rec.UsageCount >= 5 {
			continue
		}
		rec.HotIndexHandle = string(handle)
		rec.CurrentTier = record.TierHot
		if err := m.tierEngine.Demote(ctx, rec); err != nil {
			m.logger.Warn("lifecycle: aggressive demote failed", "id", rec.ID, "err", err)
		}
	}
}

// Stop halts all background goroutines and waits for them to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Shutdown flushes a pending save and stops all monitors, releasing no
// locks itself (each lock is already non-reentrant and self-releasing).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()
	if atomic.LoadInt64(&m.mutationsSinceSave) > 0 {
		if err := m.saver.SaveIndexes(ctx); err != nil {
			return err
		}
		atomic.StoreInt64(&m.mutationsSinceSave, 0)
	}
	return nil
}
