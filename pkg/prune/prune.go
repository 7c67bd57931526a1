// Package prune implements the Pruner and Integrity checker (spec.md
// §4.8): deleting COLD records that have decayed below epsilon with no
// usage, and quarantining any live record whose content hash no longer
// matches its stored text. The prune pass is single-flight via
// pkg/tmlock.Flag, skip-and-log when already held; the integrity check
// takes no lock.
package prune

import (
	"context"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/codec"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tier"
	"github.com/tieredmem/tieredmem/pkg/tmlock"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

// Config holds pruning thresholds from spec.md §6.
type Config struct {
	Epsilon              float64
	CompactionThreshold  int
	Salt                 string
}

// DefaultConfig matches spec.md §6's defaults. Salt must be set by the
// caller to the engine's persisted per-store salt.
func DefaultConfig() Config {
	return Config{Epsilon: 0.01, CompactionThreshold: 100}
}

// Result summarizes one Pruner or Integrity pass.
type Result struct {
	Deleted     []string
	Quarantined []string
	Compacted   bool
}

// Pruner deletes decayed, unused COLD records and checks content integrity.
type Pruner struct {
	kv         *kvstore.Adapter
	hot        *annindex.Index
	warm       *annindex.Index
	tierEngine *tier.Engine
	cfg        Config
	pruneLock  *tmlock.Flag
	compactLck *tmlock.Flag
	logger     tmlog.Logger
}

// New constructs a Pruner. compactLock is shared with the lifecycle
// manager so compaction triggered from either caller observes the same
// skip-when-held rule.
func New(kv *kvstore.Adapter, hot, warm *annindex.Index, tierEngine *tier.Engine, cfg Config, compactLock *tmlock.Flag, logger tmlog.Logger) *Pruner {
	if logger == nil {
		logger = tmlog.Nop()
	}
	if compactLock == nil {
		compactLock = tmlock.NewFlag()
	}
	return &Pruner{kv: kv, hot: hot, warm: warm, tierEngine: tierEngine, cfg: cfg, pruneLock: tmlock.NewFlag(), compactLck: compactLock, logger: logger}
}

// CompactLock exposes the shared compaction flag so a lifecycle manager can
// reuse it for memory-pressure-triggered compaction.
func (p *Pruner) CompactLock() *tmlock.Flag { return p.compactLck }

// Run deletes COLD records with effective_weight < epsilon and
// usage_count == 0, compacting the WARM/HOT indexes if the deletion count
// crosses the configured threshold. Returns an empty Result without error
// if the prune lock is already held.
func (p *Pruner) Run(ctx context.Context) (Result, error) {
	if !p.pruneLock.TryAcquire() {
		p.logger.Info("prune: lock already held, skipping")
		return Result{}, nil
	}
	defer p.pruneLock.Release()

	var deleted []string
	chunkCh, errc := p.kv.ScanChunks(ctx, kvstore.Cold, 500)
	for chunk := range chunkCh {
		for _, entry := range chunk {
			rec, err := tier.DecodeCold(entry.Value)
			if err != nil {
				continue
			}
			if rec.EffectiveWeight(time.Now()) < p.cfg.Epsilon && rec.UsageCount == 0 {
				if err := p.kv.Delete(ctx, kvstore.Cold, rec.ID); err != nil {
					p.logger.Warn("prune: failed to delete cold record", "id", rec.ID, "err", err)
					continue
				}
				deleted = append(deleted, rec.ID)
			}
		}
	}
	if err := <-errc; err != nil {
		return Result{}, err
	}

	result := Result{Deleted: deleted}
	if len(deleted) >= p.cfg.CompactionThreshold {
		if p.compact() {
			result.Compacted = true
		}
	}

	return result, nil
}

// compact runs ANN compaction under the shared compact lock, skipping if
// already held.
func (p *Pruner) compact() bool {
	if !p.compactLck.TryAcquire() {
		p.logger.Info("compact: lock already held, skipping")
		return false
	}
	defer p.compactLck.Release()

	if _, err := p.hot.Compact(); err != nil {
		p.logger.Warn("compact: hot index compaction failed", "err", err)
	}
	if _, err := p.warm.Compact(); err != nil {
		p.logger.Warn("compact: warm index compaction failed", "err", err)
	}
	return true
}

// VerifyIntegrity recomputes the salted content hash for every live HOT,
// WARM, and COLD record, quarantining any record whose hash no longer
// matches: soft-deleted from its ANN index, removed from the WARM/COLD KV
// store, and reported rather than repaired (spec.md §4.8).
func (p *Pruner) VerifyIntegrity(ctx context.Context) (Result, error) {
	var quarantined []string

	for handle, md := range p.hot.GetAllMetadata() {
		rec := tier.RecordFromMetadata(md)
		if !p.matches(rec) {
			if err := p.hot.SoftDelete(handle); err != nil {
				p.logger.Warn("integrity: failed to quarantine hot record", "id", rec.ID, "err", err)
				continue
			}
			quarantined = append(quarantined, rec.ID)
		}
	}

	if ids, err := p.verifyStore(ctx, kvstore.Warm, tier.DecodeWarm, p.warm); err != nil {
		return Result{}, err
	} else {
		quarantined = append(quarantined, ids...)
	}

	if ids, err := p.verifyColdStore(ctx); err != nil {
		return Result{}, err
	} else {
		quarantined = append(quarantined, ids...)
	}

	return Result{Quarantined: quarantined}, nil
}

func (p *Pruner) matches(rec *record.MemoryRecord) bool {
	if rec.IntegrityHash == "" {
		return true
	}
	return codec.ContentHash(rec.Text, p.cfg.Salt) == rec.IntegrityHash
}

func (p *Pruner) verifyStore(ctx context.Context, store kvstore.Store, decode func([]byte) (*record.MemoryRecord, error), idx *annindex.Index) ([]string, error) {
	var quarantined []string
	chunkCh, errc := p.kv.ScanChunks(ctx, store, 500)
	for chunk := range chunkCh {
		for _, entry := range chunk {
			rec, err := decode(entry.Value)
			if err != nil {
				continue
			}
			if p.matches(rec) {
				continue
			}
			if rec.WarmIndexHandle != "" {
				if err := idx.SoftDelete(annindex.Handle(rec.WarmIndexHandle)); err != nil {
					p.logger.Warn("integrity: failed to soft-delete ann node", "id", rec.ID, "err", err)
				}
			}
			if err := p.kv.Delete(ctx, store, rec.ID); err != nil {
				p.logger.Warn("integrity: failed to delete quarantined record", "id", rec.ID, "err", err)
				continue
			}
			quarantined = append(quarantined, rec.ID)
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return quarantined, nil
}

func (p *Pruner) verifyColdStore(ctx context.Context) ([]string, error) {
	var quarantined []string
	chunkCh, errc := p.kv.ScanChunks(ctx, kvstore.Cold, 500)
	for chunk := range chunkCh {
		for _, entry := range chunk {
			rec, err := tier.DecodeCold(entry.Value)
			if err != nil {
				continue
			}
			if p.matches(rec) {
				continue
			}
			if err := p.kv.Delete(ctx, kvstore.Cold, rec.ID); err != nil {
				p.logger.Warn("integrity: failed to delete quarantined cold record", "id", rec.ID, "err", err)
				continue
			}
			quarantined = append(quarantined, rec.ID)
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return quarantined, nil
}
