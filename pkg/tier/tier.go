// Package tier implements the Tier Engine (spec.md §4.4): promotion and
// demotion policy between HOT, WARM, and COLD, and embedding reconstruction
// for ANN results whose vector was dropped for memory efficiency.
package tier

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tmerr"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

func parseInt64(s string) (int64, error)   { return strconv.ParseInt(s, 10, 64) }
func parseFloat64(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

// Config holds the promotion/demotion thresholds from spec.md §6.
type Config struct {
	UHot                   int64
	IHot                   float64
	DWarm                  float64
	DemotionUsageThreshold int64
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{UHot: 10, IHot: 0.8, DWarm: 0.1, DemotionUsageThreshold: 2}
}

// Engine applies the tier placement policy and owns the storage mechanics
// for moving a record between tiers.
type Engine struct {
	kv     *kvstore.Adapter
	hot    *annindex.Index
	warm   *annindex.Index
	cfg    Config
	logger tmlog.Logger
}

// New constructs a tier Engine bound to the given KV adapter and ANN
// indexes.
func New(kv *kvstore.Adapter, hot, warm *annindex.Index, cfg Config, logger tmlog.Logger) *Engine {
	if logger == nil {
		logger = tmlog.Nop()
	}
	return &Engine{kv: kv, hot: hot, warm: warm, cfg: cfg, logger: logger}
}

// ShouldPromote implements spec.md §4.4's promotion rule:
// effective_weight >= I_hot OR usage_count >= U_hot.
func (e *Engine) ShouldPromote(r *record.MemoryRecord, now time.Time) bool {
	if r.CurrentTier == record.TierHot {
		return false
	}
	return r.EffectiveWeight(now) >= e.cfg.IHot || r.UsageCount >= e.cfg.UHot
}

// ShouldDemote implements spec.md §4.4's demotion rule:
// decay_score < D_warm AND usage_count < demotion_usage_threshold.
func (e *Engine) ShouldDemote(r *record.MemoryRecord, now time.Time) bool {
	if r.CurrentTier != record.TierHot {
		return false
	}
	return r.DecayScore(now) < e.cfg.DWarm && r.UsageCount < e.cfg.DemotionUsageThreshold
}

// Promote moves r into the HOT index, removing it from WARM/COLD storage.
// The record is mutated in place: CurrentTier, HotIndexHandle, and
// WarmIndexHandle are updated.
func (e *Engine) Promote(ctx context.Context, r *record.MemoryRecord) error {
	if r.Embedding == nil {
		if err := e.Reconstruct(ctx, r); err != nil {
			return tmerr.Wrap("tier.promote", err)
		}
	}

	handle, err := e.hot.InsertWithMetadata(r.Embedding, recordMetadata(r))
	if err != nil {
		return tmerr.Wrap("tier.promote", err)
	}

	if r.WarmIndexHandle != "" {
		e.warm.SoftDelete(annindex.Handle(r.WarmIndexHandle))
	}
	if err := e.kv.Delete(ctx, kvstore.Warm, r.ID); err != nil {
		return tmerr.Wrap("tier.promote", err)
	}
	if err := e.kv.Delete(ctx, kvstore.Cold, r.ID); err != nil {
		return tmerr.Wrap("tier.promote", err)
	}

	r.CurrentTier = record.TierHot
	r.HotIndexHandle = string(handle)
	r.WarmIndexHandle = ""
	return nil
}

// Demote moves r from HOT into WARM: the HOT node is soft-deleted and the
// record is re-inserted into the WARM index and KV store.
func (e *Engine) Demote(ctx context.Context, r *record.MemoryRecord) error {
	if err := e.StoreWarm(ctx, r); err != nil {
		return tmerr.Wrap("tier.demote", err)
	}

	if r.HotIndexHandle != "" {
		e.hot.SoftDelete(annindex.Handle(r.HotIndexHandle))
	}
	r.CurrentTier = record.TierWarm
	r.HotIndexHandle = ""
	return nil
}

// DemoteToCold moves r from WARM into COLD. If r carries no embedding it
// first reloads one with Reconstruct (per spec.md §9 Open Question (b)).
// The memory-pressure monitor does not call it; its cleanup path demotes
// HOT records to WARM with Demote.
func (e *Engine) DemoteToCold(ctx context.Context, r *record.MemoryRecord) error {
	if r.Embedding == nil {
		if err := e.Reconstruct(ctx, r); err != nil {
			return tmerr.Wrap("tier.demote_to_cold", err)
		}
	}

	if err := e.StoreCold(ctx, r); err != nil {
		return tmerr.Wrap("tier.demote_to_cold", err)
	}

	if r.WarmIndexHandle != "" {
		e.warm.SoftDelete(annindex.Handle(r.WarmIndexHandle))
	}
	if err := e.kv.Delete(ctx, kvstore.Warm, r.ID); err != nil {
		return tmerr.Wrap("tier.demote_to_cold", err)
	}

	r.CurrentTier = record.TierCold
	r.WarmIndexHandle = ""
	return nil
}

// StoreWarm inserts r into the WARM ANN index and KV store (float16
// embedding), updating r.WarmIndexHandle.
func (e *Engine) StoreWarm(ctx context.Context, r *record.MemoryRecord) error {
	handle, err := e.warm.InsertWithMetadata(r.Embedding, recordMetadata(r))
	if err != nil {
		return tmerr.Wrap("tier.store_warm", err)
	}
	r.WarmIndexHandle = string(handle)

	payload, err := marshalWarm(r)
	if err != nil {
		return err
	}
	if err := e.kv.Put(ctx, kvstore.Warm, r.ID, payload); err != nil {
		return tmerr.Wrap("tier.store_warm", err)
	}
	return nil
}

// StoreCold inserts r into the COLD KV store (int8 embedding, no ANN
// index).
func (e *Engine) StoreCold(ctx context.Context, r *record.MemoryRecord) error {
	payload, err := marshalCold(r)
	if err != nil {
		return err
	}
	if err := e.kv.Put(ctx, kvstore.Cold, r.ID, payload); err != nil {
		return tmerr.Wrap("tier.store_cold", err)
	}
	return nil
}

// Reconstruct reloads r.Embedding from the WARM or COLD KV store by id,
// for ANN results whose vector was dropped internally for memory
// efficiency (spec.md §4.4).
func (e *Engine) Reconstruct(ctx context.Context, r *record.MemoryRecord) error {
	if raw, found, err := e.kv.Get(ctx, kvstore.Warm, r.ID); err != nil {
		return tmerr.Wrap("tier.reconstruct", err)
	} else if found {
		rec, err := unmarshalWarm(raw)
		if err != nil {
			return err
		}
		r.Embedding = rec.Embedding
		return nil
	}

	if raw, found, err := e.kv.Get(ctx, kvstore.Cold, r.ID); err != nil {
		return tmerr.Wrap("tier.reconstruct", err)
	} else if found {
		rec, err := unmarshalCold(raw)
		if err != nil {
			return err
		}
		r.Embedding = rec.Embedding
		return nil
	}

	return tmerr.Wrap("tier.reconstruct", tmerr.ErrNotFound)
}

// System metadata keys mirrored onto every ANN node so HOT-tier records
// (which have no KV-backed copy, per spec.md §4.4's promotion rule) can be
// fully reconstructed from the index alone. User-supplied metadata is
// namespaced under "u_" to avoid collisions with these.
const (
	mdID            = "_id"
	mdText          = "_text"
	mdTimestamp     = "_timestamp_ms"
	mdLastAccessed  = "_last_accessed_ms"
	mdEpisodic      = "_episodic"
	mdImportance    = "_importance"
	mdUsageCount    = "_usage_count"
	mdClusterID     = "_cluster_id"
	mdIntegrityHash = "_integrity_hash"
	mdEmbeddingHash = "_embedding_hash"
	userPrefix      = "u_"
)

// MetadataForRecord exposes recordMetadata for callers outside this
// package that need to refresh an ANN node's metadata after mutating a
// record in place (e.g. the search pipeline bumping usage_count on a HOT
// hit).
func MetadataForRecord(r *record.MemoryRecord) map[string]string { return recordMetadata(r) }

// recordMetadata flattens every scalar field of r into a string map
// suitable for an ANN node's metadata, so the record can be rebuilt from
// the index alone once its embedding is HOT-resident only.
func recordMetadata(r *record.MemoryRecord) map[string]string {
	md := map[string]string{
		mdID:            r.ID,
		mdText:          r.Text,
		mdTimestamp:     fmt.Sprintf("%d", r.Timestamp.UnixMilli()),
		mdLastAccessed:  fmt.Sprintf("%d", r.LastAccessed.UnixMilli()),
		mdEpisodic:      fmt.Sprintf("%t", r.Episodic),
		mdImportance:    fmt.Sprintf("%g", r.Importance),
		mdUsageCount:    fmt.Sprintf("%d", r.UsageCount),
		mdClusterID:     r.SemanticClusterID,
		mdIntegrityHash: r.IntegrityHash,
		mdEmbeddingHash: r.EmbeddingHash,
	}
	for k, v := range r.Metadata {
		md[userPrefix+k] = v
	}
	return md
}

// RecordFromMetadata rebuilds a MemoryRecord's scalar fields from an ANN
// node's metadata map, used to materialize HOT-tier search candidates
// which have no KV-backed copy.
func RecordFromMetadata(md map[string]string) *record.MemoryRecord {
	r := &record.MemoryRecord{
		ID: md[mdID], Text: md[mdText],
		SemanticClusterID: md[mdClusterID], IntegrityHash: md[mdIntegrityHash],
		EmbeddingHash: md[mdEmbeddingHash],
		Metadata:      make(map[string]string),
	}
	if v, err := parseInt64(md[mdTimestamp]); err == nil {
		r.Timestamp = time.UnixMilli(v)
	}
	if v, err := parseInt64(md[mdLastAccessed]); err == nil {
		r.LastAccessed = time.UnixMilli(v)
	}
	r.Episodic = md[mdEpisodic] == "true"
	if v, err := parseFloat64(md[mdImportance]); err == nil {
		r.Importance = v
	}
	if v, err := parseInt64(md[mdUsageCount]); err == nil {
		r.UsageCount = v
	}
	for k, v := range md {
		if len(k) > len(userPrefix) && k[:len(userPrefix)] == userPrefix {
			r.Metadata[k[len(userPrefix):]] = v
		}
	}
	return r
}
