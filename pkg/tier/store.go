package tier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tieredmem/tieredmem/pkg/codec"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tmerr"
)

// warmEntry is the on-disk shape of a WARM-tier record: the embedding is
// float16-quantized, everything else mirrors MemoryRecord's scalar fields.
type warmEntry struct {
	ID                string            `json:"id"`
	Text              string            `json:"text"`
	EmbeddingF16      []uint16          `json:"embedding_f16"`
	Timestamp         int64             `json:"timestamp"`
	LastAccessed      int64             `json:"last_accessed"`
	Episodic          bool              `json:"episodic"`
	Importance        float64           `json:"importance"`
	UsageCount        int64             `json:"usage_count"`
	SemanticClusterID string            `json:"semantic_cluster_id"`
	IntegrityHash     string            `json:"integrity_hash"`
	EmbeddingHash     string            `json:"embedding_hash"`
	WarmIndexHandle   string            `json:"warm_index_handle"`
	Metadata          map[string]string `json:"metadata"`
}

// coldEntry is the on-disk shape of a COLD-tier record: the embedding is
// int8-quantized and there is no index handle (COLD has no ANN index).
type coldEntry struct {
	ID                string            `json:"id"`
	Text              string            `json:"text"`
	EmbeddingI8       []int8            `json:"embedding_i8"`
	Timestamp         int64             `json:"timestamp"`
	LastAccessed      int64             `json:"last_accessed"`
	Episodic          bool              `json:"episodic"`
	Importance        float64           `json:"importance"`
	UsageCount        int64             `json:"usage_count"`
	SemanticClusterID string            `json:"semantic_cluster_id"`
	IntegrityHash     string            `json:"integrity_hash"`
	EmbeddingHash     string            `json:"embedding_hash"`
	Metadata          map[string]string `json:"metadata"`
}

func toWarmEntry(r *record.MemoryRecord) warmEntry {
	return warmEntry{
		ID: r.ID, Text: r.Text, EmbeddingF16: codec.QuantizeFloat16(r.Embedding),
		Timestamp: r.Timestamp.UnixMilli(), LastAccessed: r.LastAccessed.UnixMilli(),
		Episodic: r.Episodic, Importance: r.Importance, UsageCount: r.UsageCount,
		SemanticClusterID: r.SemanticClusterID, IntegrityHash: r.IntegrityHash,
		EmbeddingHash: r.EmbeddingHash, WarmIndexHandle: r.WarmIndexHandle, Metadata: r.Metadata,
	}
}

func (e warmEntry) toRecord() *record.MemoryRecord {
	return &record.MemoryRecord{
		ID: e.ID, Text: e.Text, Embedding: codec.DequantizeFloat16(e.EmbeddingF16),
		Timestamp: time.UnixMilli(e.Timestamp), LastAccessed: time.UnixMilli(e.LastAccessed),
		Episodic: e.Episodic, Importance: e.Importance, UsageCount: e.UsageCount,
		SemanticClusterID: e.SemanticClusterID, IntegrityHash: e.IntegrityHash,
		EmbeddingHash: e.EmbeddingHash, WarmIndexHandle: e.WarmIndexHandle, Metadata: e.Metadata,
		CurrentTier: record.TierWarm,
	}
}

func toColdEntry(r *record.MemoryRecord) coldEntry {
	return coldEntry{
		ID: r.ID, Text: r.Text, EmbeddingI8: codec.QuantizeInt8(r.Embedding),
		Timestamp: r.Timestamp.UnixMilli(), LastAccessed: r.LastAccessed.UnixMilli(),
		Episodic: r.Episodic, Importance: r.Importance, UsageCount: r.UsageCount,
		SemanticClusterID: r.SemanticClusterID, IntegrityHash: r.IntegrityHash,
		EmbeddingHash: r.EmbeddingHash, Metadata: r.Metadata,
	}
}

func (e coldEntry) toRecord() *record.MemoryRecord {
	return &record.MemoryRecord{
		ID: e.ID, Text: e.Text, Embedding: codec.DequantizeInt8(e.EmbeddingI8),
		Timestamp: time.UnixMilli(e.Timestamp), LastAccessed: time.UnixMilli(e.LastAccessed),
		Episodic: e.Episodic, Importance: e.Importance, UsageCount: e.UsageCount,
		SemanticClusterID: e.SemanticClusterID, IntegrityHash: e.IntegrityHash,
		EmbeddingHash: e.EmbeddingHash, Metadata: e.Metadata,
		CurrentTier: record.TierCold,
	}
}

func marshalWarm(r *record.MemoryRecord) ([]byte, error) {
	b, err := json.Marshal(toWarmEntry(r))
	if err != nil {
		return nil, tmerr.Wrap("tier.marshal_warm", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return b, nil
}

func unmarshalWarm(data []byte) (*record.MemoryRecord, error) {
	var e warmEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, tmerr.Wrap("tier.unmarshal_warm", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return e.toRecord(), nil
}

func marshalCold(r *record.MemoryRecord) ([]byte, error) {
	b, err := json.Marshal(toColdEntry(r))
	if err != nil {
		return nil, tmerr.Wrap("tier.marshal_cold", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return b, nil
}

func unmarshalCold(data []byte) (*record.MemoryRecord, error) {
	var e coldEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, tmerr.Wrap("tier.unmarshal_cold", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return e.toRecord(), nil
}

// DecodeWarm exposes unmarshalWarm for callers outside this package (the
// search pipeline materializes WARM candidates this way).
func DecodeWarm(data []byte) (*record.MemoryRecord, error) { return unmarshalWarm(data) }

// DecodeCold exposes unmarshalCold for callers outside this package (the
// search pipeline's COLD linear scan materializes candidates this way).
func DecodeCold(data []byte) (*record.MemoryRecord, error) { return unmarshalCold(data) }
