// Package search implements the Search Pipeline (spec.md §4.6): a cascaded
// HOT→WARM→COLD retrieval with decay-weighted rescoring, filter
// application, and read-driven tier transitions. The per-call lock follows
// spec.md §5's "single in-flight search unless simulate" rule, implemented
// with singleflight.Group so concurrent callers collapse onto one
// in-flight search and share its result rather than queuing duplicate work
// (grounded on the dedup pattern the teacher's hindsight package applies to
// multi-strategy recall, pkg/hindsight/hindsight.go).
package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/codec"
	"github.com/tieredmem/tieredmem/pkg/embedder"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tier"
	"github.com/tieredmem/tieredmem/pkg/tmerr"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

// Filters restricts which records a search may return.
type Filters struct {
	Episodic      *bool
	MinImportance float64
	Metadata      map[string]string
}

func (f Filters) match(r *record.MemoryRecord) bool {
	if f.Episodic != nil && r.Episodic != *f.Episodic {
		return false
	}
	if r.Importance < f.MinImportance {
		return false
	}
	for k, v := range f.Metadata {
		if r.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Options configures a single Search call.
type Options struct {
	K        int
	Simulate bool
	Filters  Filters
}

// ScoredResult is a single ranked search hit.
type ScoredResult struct {
	Record     *record.MemoryRecord
	Similarity float64
	Score      float64
}

// Pipeline is the search cascade over HOT, WARM, and COLD.
type Pipeline struct {
	kv            *kvstore.Adapter
	hot           *annindex.Index
	warm          *annindex.Index
	tierEngine    *tier.Engine
	encoder       embedder.Encoder
	coldChunkSize int
	lockTimeout   time.Duration
	logger        tmlog.Logger

	sf singleflight.Group
}

// New constructs a search Pipeline.
func New(kv *kvstore.Adapter, hot, warm *annindex.Index, tierEngine *tier.Engine, encoder embedder.Encoder, coldChunkSize int, logger tmlog.Logger) *Pipeline {
	if coldChunkSize <= 0 {
		coldChunkSize = 1000
	}
	if logger == nil {
		logger = tmlog.Nop()
	}
	return &Pipeline{
		kv: kv, hot: hot, warm: warm, tierEngine: tierEngine, encoder: encoder,
		coldChunkSize: coldChunkSize, lockTimeout: 30 * time.Second, logger: logger,
	}
}

// candidate is an internal cascade hit before reconstruction/scoring.
type candidate struct {
	id         string
	tier       record.Tier
	handle     string
	embedding  []float32
	metadata   map[string]string
	full       *record.MemoryRecord
	similarity float64
}

// Search embeds queryText, cascades HOT→WARM→COLD for candidates, rescores
// by effective weight, applies filters, evaluates promotion/demotion on the
// retained top-k (skipped when simulating), and returns up to k results
// sorted by composite score.
func (p *Pipeline) Search(ctx context.Context, queryText string, opts Options) ([]ScoredResult, error) {
	if opts.K <= 0 {
		opts.K = 10
	}

	if opts.Simulate {
		return p.search(ctx, queryText, opts)
	}

	type outcome struct {
		results []ScoredResult
		err     error
	}
	ch := p.sf.DoChan("search", func() (interface{}, error) {
		results, err := p.search(ctx, queryText, opts)
		return outcome{results: results}, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(outcome).results, nil
	case <-time.After(p.lockTimeout):
		return nil, tmerr.Wrap("search.search", tmerr.ErrLockTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) search(ctx context.Context, queryText string, opts Options) ([]ScoredResult, error) {
	vector, err := p.encoder.Embed(ctx, queryText)
	if err != nil {
		return nil, tmerr.Wrap("search.search", err)
	}
	if len(vector) != p.encoder.Dim() {
		return nil, tmerr.Wrap("search.search", tmerr.ErrDimensionMismatch)
	}

	target := 2 * opts.K
	candidates, err := p.cascade(ctx, vector, target, opts.K)
	if err != nil {
		return nil, tmerr.Wrap("search.search", err)
	}

	now := time.Now()
	results := make([]ScoredResult, 0, len(candidates))
	for _, c := range candidates {
		rec, err := p.toRecord(ctx, c)
		if err != nil {
			p.logger.Warn("search: failed to materialize candidate", "id", c.id, "err", err)
			continue
		}

		rec.Access(now, opts.Simulate)

		if !opts.Filters.match(rec) {
			continue
		}

		score := c.similarity * rec.EffectiveWeight(now)
		results = append(results, ScoredResult{Record: rec, Similarity: c.similarity, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > opts.K {
		results = results[:opts.K]
	}

	for _, res := range results {
		if opts.Simulate {
			break
		}
		if p.tierEngine.ShouldPromote(res.Record, now) {
			if err := p.tierEngine.Promote(ctx, res.Record); err != nil {
				p.logger.Warn("search: promotion failed", "id", res.Record.ID, "err", err)
			}
		} else if p.tierEngine.ShouldDemote(res.Record, now) {
			if err := p.tierEngine.Demote(ctx, res.Record); err != nil {
				p.logger.Warn("search: demotion failed", "id", res.Record.ID, "err", err)
			}
		}

		if !opts.Simulate {
			if err := p.persist(ctx, res.Record); err != nil {
				p.logger.Warn("search: failed to persist updated metadata", "id", res.Record.ID, "err", err)
			}
		}
	}

	return results, nil
}

// cascade gathers up to target candidates from HOT, then WARM for the
// remainder, then a chunked linear scan of COLD, exiting early once the
// pool reaches 5*limit (spec.md §4.6).
func (p *Pipeline) cascade(ctx context.Context, vector []float32, target, limit int) ([]candidate, error) {
	var out []candidate

	hotResults, err := p.hot.Search(vector, target, target*2)
	if err != nil {
		return nil, err
	}
	for _, r := range hotResults {
		out = append(out, candidate{id: r.Metadata[hotIDKey], tier: record.TierHot, handle: string(r.Handle), embedding: r.Vector, metadata: r.Metadata, similarity: float64(r.Similarity)})
	}

	if remainder := target - len(out); remainder > 0 {
		warmResults, err := p.warm.Search(vector, remainder, remainder*2)
		if err != nil {
			return nil, err
		}
		for _, r := range warmResults {
			out = append(out, candidate{id: r.Metadata[hotIDKey], tier: record.TierWarm, handle: string(r.Handle), embedding: r.Vector, metadata: r.Metadata, similarity: float64(r.Similarity)})
		}
	}

	if len(out) >= 5*limit {
		return out, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := false
	coldOut, errc := p.kv.ScanChunks(scanCtx, kvstore.Cold, p.coldChunkSize)
	for chunk := range coldOut {
		for _, entry := range chunk {
			rec, err := p.decodeCold(entry.Value)
			if err != nil {
				continue
			}
			sim, err := similarity(vector, rec.Embedding)
			if err != nil {
				continue
			}
			out = append(out, candidate{id: rec.ID, tier: record.TierCold, embedding: rec.Embedding, similarity: sim, full: rec})
		}
		if len(out) >= 5*limit {
			stopped = true
			cancel()
			break
		}
	}
	if err := <-errc; err != nil && !stopped {
		return nil, err
	}

	return out, nil
}

// hotIDKey is the ANN metadata key holding a node's record id (see
// pkg/tier's recordMetadata, which uses the same "_id" convention).
const hotIDKey = "_id"

func (p *Pipeline) decodeCold(raw []byte) (*record.MemoryRecord, error) {
	return tier.DecodeCold(raw)
}

func similarity(a, b []float32) (float64, error) {
	return codec.CosineSimilarity(a, b)
}

func (p *Pipeline) toRecord(ctx context.Context, c candidate) (*record.MemoryRecord, error) {
	switch c.tier {
	case record.TierHot:
		full := tier.RecordFromMetadata(c.metadata)
		full.Embedding = c.embedding
		full.CurrentTier = record.TierHot
		full.HotIndexHandle = c.handle
		return full, nil
	case record.TierWarm:
		full, err := p.loadFullByID(ctx, c.id)
		if err != nil {
			return nil, err
		}
		if full.Embedding == nil {
			full.Embedding = c.embedding
		}
		full.WarmIndexHandle = c.handle
		return full, nil
	default:
		c.full.CurrentTier = record.TierCold
		return c.full, nil
	}
}

// loadFullByID reloads full record fields from whichever store currently
// holds them, since ANN metadata alone only carries the id.
func (p *Pipeline) loadFullByID(ctx context.Context, id string) (*record.MemoryRecord, error) {
	if raw, found, err := p.kv.Get(ctx, kvstore.Warm, id); err != nil {
		return nil, err
	} else if found {
		return tier.DecodeWarm(raw)
	}
	if raw, found, err := p.kv.Get(ctx, kvstore.Cold, id); err != nil {
		return nil, err
	} else if found {
		return tier.DecodeCold(raw)
	}
	return nil, fmt.Errorf("%w: %s", tmerr.ErrNotFound, id)
}

func (p *Pipeline) persist(ctx context.Context, r *record.MemoryRecord) error {
	switch r.CurrentTier {
	case record.TierWarm:
		return p.tierEngine.StoreWarm(ctx, r)
	case record.TierCold:
		return p.tierEngine.StoreCold(ctx, r)
	default:
		return p.hot.UpdateMetadata(annindex.Handle(r.HotIndexHandle), tier.MetadataForRecord(r))
	}
}
