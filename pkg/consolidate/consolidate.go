// Package consolidate implements the Consolidator (spec.md §4.7): a
// chunked clustering pass over WARM records that synthesizes a summary
// record per cluster. Centroid computation follows the averaging step the
// teacher's IVF k-means training uses (pkg/index/ivf.go's kMeansIVF),
// generalized here to variable-size clusters from HAC or ANN-neighbor
// grouping rather than a fixed k.
package consolidate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/codec"
	"github.com/tieredmem/tieredmem/pkg/embedder"
	"github.com/tieredmem/tieredmem/pkg/journal"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/tier"
	"github.com/tieredmem/tieredmem/pkg/tmlock"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

// Config holds the clustering thresholds from spec.md §6.
type Config struct {
	ChunkSize                   int
	UseAdvancedClustering       bool
	AdvancedClusteringThreshold int
	ClusterDiameter             float64
	MaxClustersPerPass          int
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize: 500, UseAdvancedClustering: true, AdvancedClusteringThreshold: 5000,
		ClusterDiameter: 0.3, MaxClustersPerPass: 100,
	}
}

// SummaryRecord describes one synthesized cluster record, returned to
// callers so they can inspect consolidation results (spec.md §6's
// `consolidate() -> summary_records[]`).
type SummaryRecord struct {
	Record      *record.MemoryRecord
	MemberIDs   []string
	ClusterID   string
}

// Consolidator runs the clustering pass over WARM.
type Consolidator struct {
	kv         *kvstore.Adapter
	warm       *annindex.Index
	tierEngine *tier.Engine
	journal    *journal.Journal
	generator  embedder.Generator
	cfg        Config
	lock       *tmlock.Flag
	logger     tmlog.Logger
}

// New constructs a Consolidator.
func New(kv *kvstore.Adapter, warm *annindex.Index, tierEngine *tier.Engine, j *journal.Journal, generator embedder.Generator, cfg Config, logger tmlog.Logger) *Consolidator {
	if logger == nil {
		logger = tmlog.Nop()
	}
	return &Consolidator{kv: kv, warm: warm, tierEngine: tierEngine, journal: j, generator: generator, cfg: cfg, lock: tmlock.NewFlag(), logger: logger}
}

// Run executes one consolidation pass. When simulate is true no records
// are created or mutated; the clusters that would have been synthesized
// are still returned. If the consolidate lock is already held, Run logs
// and returns an empty result rather than waiting (spec.md §5).
func (c *Consolidator) Run(ctx context.Context, simulate bool) ([]SummaryRecord, error) {
	if !c.lock.TryAcquire() {
		c.logger.Info("consolidate: lock already held, skipping")
		return nil, nil
	}
	defer c.lock.Release()

	records, err := c.loadAllWarm(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	var clusters [][]int
	if c.cfg.UseAdvancedClustering && len(records) >= c.cfg.AdvancedClusteringThreshold {
		clusters = c.graphCluster(records)
	} else {
		clusters = c.hacCluster(records)
	}

	var summaries []SummaryRecord
	now := time.Now()
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}

		memberRecords := make([]*record.MemoryRecord, len(members))
		texts := make([]string, len(members))
		ids := make([]string, len(members))
		for i, idx := range members {
			memberRecords[i] = records[idx]
			texts[i] = records[idx].Text
			ids[i] = records[idx].ID
		}
		sort.Strings(ids)

		summary, err := c.generator.Generate(ctx, summaryPrompt(texts), embedder.GenerateOptions{Temperature: 0.2, MaxTokens: 64})
		if err != nil {
			c.logger.Warn("consolidate: summary generation failed, skipping cluster", "err", err)
			continue
		}

		clusterID := clusterHash(summary, ids)
		centroid := centroidOf(memberRecords)

		summaryRec := &record.MemoryRecord{
			ID: "cluster-" + clusterID, Text: summary, Embedding: centroid,
			Timestamp: now, LastAccessed: now, Episodic: false, Importance: 0.7,
			SemanticClusterID: clusterID, CurrentTier: record.TierWarm,
			Metadata: map[string]string{"cluster_id": clusterID, "member_count": fmt.Sprintf("%d", len(members))},
		}

		if !simulate {
			if _, err := c.journal.Append(ctx, summaryRec); err != nil {
				return nil, err
			}
			if err := c.tierEngine.StoreWarm(ctx, summaryRec); err != nil {
				return nil, err
			}

			for _, m := range memberRecords {
				m.Access(now, false)
				m.SemanticClusterID = clusterID
				m.Importance *= 0.8

				if c.tierEngine.ShouldPromote(m, now) {
					c.tierEngine.Promote(ctx, m)
				} else if c.tierEngine.ShouldDemote(m, now) {
					c.tierEngine.Demote(ctx, m)
				} else if m.CurrentTier == record.TierWarm {
					c.tierEngine.StoreWarm(ctx, m)
				}
			}
		}

		summaries = append(summaries, SummaryRecord{Record: summaryRec, MemberIDs: ids, ClusterID: clusterID})
	}

	return summaries, nil
}

func (c *Consolidator) loadAllWarm(ctx context.Context) ([]*record.MemoryRecord, error) {
	var out []*record.MemoryRecord
	chunkCh, errc := c.kv.ScanChunks(ctx, kvstore.Warm, c.cfg.ChunkSize)
	for chunk := range chunkCh {
		for _, entry := range chunk {
			rec, err := tier.DecodeWarm(entry.Value)
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return out, nil
}

// hacCluster performs average-linkage hierarchical agglomerative
// clustering by cosine similarity, merging the closest pair of clusters
// repeatedly until no pair exceeds the similarity threshold.
func (c *Consolidator) hacCluster(records []*record.MemoryRecord) [][]int {
	threshold := 1 - c.cfg.ClusterDiameter
	clusters := make([][]int, len(records))
	for i := range records {
		clusters[i] = []int{i}
	}

	for {
		bestI, bestJ := -1, -1
		bestSim := threshold
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				sim := avgLinkage(records, clusters[i], clusters[j])
				if sim >= bestSim {
					bestSim = sim
					bestI, bestJ = i, j
				}
			}
		}
		if bestI < 0 {
			break
		}
		clusters[bestI] = append(clusters[bestI], clusters[bestJ]...)
		clusters = append(clusters[:bestJ], clusters[bestJ+1:]...)
	}

	return clusters
}

func avgLinkage(records []*record.MemoryRecord, a, b []int) float64 {
	var sum float64
	var n int
	for _, i := range a {
		for _, j := range b {
			sim, err := codec.CosineSimilarity(records[i].Embedding, records[j].Embedding)
			if err != nil {
				continue
			}
			sum += sim
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// graphCluster builds a temporary ANN index over all vectors and, for each
// unprocessed record, groups its nearest neighbors above the similarity
// threshold into a cluster (spec.md §4.7's above-threshold path).
func (c *Consolidator) graphCluster(records []*record.MemoryRecord) [][]int {
	threshold := 1 - c.cfg.ClusterDiameter
	tmp := annindex.New(16, 200, len(records)+1)

	handleToIdx := make(map[annindex.Handle]int, len(records))
	for i, r := range records {
		h, err := tmp.InsertWithMetadata(r.Embedding, nil)
		if err != nil {
			continue
		}
		handleToIdx[h] = i
	}

	processed := make([]bool, len(records))
	var clusters [][]int

	for i, r := range records {
		if processed[i] || len(clusters) >= c.cfg.MaxClustersPerPass {
			continue
		}

		results, err := tmp.Search(r.Embedding, 50, 100)
		if err != nil {
			continue
		}

		var members []int
		for _, res := range results {
			idx, ok := handleToIdx[res.Handle]
			if !ok || processed[idx] || float64(res.Similarity) < threshold {
				continue
			}
			members = append(members, idx)
		}

		if len(members) >= 2 {
			for _, m := range members {
				processed[m] = true
			}
			clusters = append(clusters, members)
		}
	}

	return clusters
}

func centroidOf(records []*record.MemoryRecord) []float32 {
	if len(records) == 0 {
		return nil
	}
	dim := len(records[0].Embedding)
	centroid := make([]float32, dim)
	for _, r := range records {
		for i, v := range r.Embedding {
			centroid[i] += v
		}
	}
	for i := range centroid {
		centroid[i] /= float32(len(records))
	}
	return centroid
}

func clusterHash(summary string, sortedMemberIDs []string) string {
	h := sha256.New()
	h.Write([]byte(summary))
	for _, id := range sortedMemberIDs {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func summaryPrompt(texts []string) string {
	prompt := "Summarize the following related notes in one sentence:\n"
	for _, t := range texts {
		prompt += "- " + t + "\n"
	}
	return prompt
}
