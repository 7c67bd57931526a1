// Package engine wires the tiered memory store into a single facade,
// following the one-struct-one-constructor shape of the teacher's
// pkg/sqvect/sqvect.go DB type: Open/Initialize loads or creates every
// dependent store, and every domain operation hangs off the resulting
// value.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tieredmem/tieredmem/pkg/annindex"
	"github.com/tieredmem/tieredmem/pkg/codec"
	"github.com/tieredmem/tieredmem/pkg/consolidate"
	"github.com/tieredmem/tieredmem/pkg/embedder"
	"github.com/tieredmem/tieredmem/pkg/journal"
	"github.com/tieredmem/tieredmem/pkg/kvstore"
	"github.com/tieredmem/tieredmem/pkg/lifecycle"
	"github.com/tieredmem/tieredmem/pkg/prune"
	"github.com/tieredmem/tieredmem/pkg/record"
	"github.com/tieredmem/tieredmem/pkg/search"
	"github.com/tieredmem/tieredmem/pkg/tier"
	"github.com/tieredmem/tieredmem/pkg/tmerr"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

// Config bundles every tunable from spec.md §6 into one struct,
// matching the teacher's single-Config-struct/DefaultConfig convention
// rather than a layered file-based config parser.
type Config struct {
	Path string

	EmbedDim int

	Tier        tier.Config
	Consolidate consolidate.Config
	Prune       prune.Config
	Lifecycle   lifecycle.Config

	ConsolidationInterval int64
	ColdSearchChunkSize   int
	RMax                  float64
}

// DefaultConfig returns every default listed in spec.md §6.
func DefaultConfig(path string) Config {
	return Config{
		Path: path, EmbedDim: 768,
		Tier: tier.DefaultConfig(), Consolidate: consolidate.DefaultConfig(),
		Prune: prune.DefaultConfig(), Lifecycle: lifecycle.DefaultConfig(),
		ConsolidationInterval: 100, ColdSearchChunkSize: 1000, RMax: 0.9,
	}
}

// CreateOptions configures a single create_memory_record call.
type CreateOptions struct {
	Episodic   bool
	Importance float64
	Metadata   map[string]string
}

// Stats mirrors spec.md §6's get_stats() shape. GetStats does not fill in
// MutationsSinceLastSave, so that field is always 0.
type Stats struct {
	Total                    int64
	Hot                      int64
	Warm                     int64
	Cold                     int64
	Journal                  int64
	JournalCounter           int64
	RecordsSinceConsolidation int64
	DeletionsSinceCompaction int64
	MutationsSinceLastSave   int64
	Config                   Config
}

// Export mirrors spec.md §6's export() shape: records carry every scalar
// field except the embedding.
type Export struct {
	Version   string
	Timestamp time.Time
	Config    Config
	Stats     Stats
	Records   []*record.MemoryRecord
}

const (
	metaKeyEncryptionKey = "encryption_key"
	metaKeyIV            = "encryption_iv"
	metaKeySalt          = "salt"
	metaKeyHotIndex      = "hot_index"
	metaKeyWarmIndex     = "warm_index"
)

// Engine is the tier-engine facade named throughout spec.md §6.
type Engine struct {
	cfg    Config
	kv     *kvstore.Adapter
	hot    *annindex.Index
	warm   *annindex.Index
	tier   *tier.Engine
	search *search.Pipeline
	cons   *consolidate.Consolidator
	pruner *prune.Pruner
	life   *lifecycle.Manager
	jrnl   *journal.Journal
	logger tmlog.Logger

	encoder   embedder.Encoder
	generator embedder.Generator

	salt          string
	encryptionKey []byte
	iv            []byte

	mu                       sync.Mutex
	recordsSinceConsolidation int64

	initialized bool
}

// Open constructs an Engine but does not yet open any store; call
// Initialize to actually load/create stores and start background tasks.
// The encoder and generator are wrapped with the default retry policy
// (embedder.DefaultRetryConfig) unless they are already retrying wrappers.
func Open(cfg Config, encoder embedder.Encoder, generator embedder.Generator, logger tmlog.Logger) *Engine {
	if logger == nil {
		logger = tmlog.Nop()
	}
	if _, ok := encoder.(*embedder.RetryingEncoder); !ok {
		encoder = embedder.NewRetryingEncoder(encoder, embedder.DefaultRetryConfig())
	}
	if _, ok := generator.(*embedder.RetryingGenerator); !ok {
		generator = embedder.NewRetryingGenerator(generator, embedder.DefaultRetryConfig())
	}
	return &Engine{cfg: cfg, logger: logger, encoder: encoder, generator: generator}
}

// Initialize opens all stores, loads or creates the ANN indexes and
// encryption material, restores the journal counter, and starts the
// autosave and memory-pressure monitors (spec.md §6's initialize()).
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	kv, err := kvstore.Open(e.cfg.Path, e.logger)
	if err != nil {
		return tmerr.Wrap("engine.Initialize", err)
	}
	e.kv = kv

	salt, err := e.loadOrCreateSalt(ctx)
	if err != nil {
		return tmerr.Wrap("engine.Initialize", err)
	}
	e.salt = salt

	key, iv, err := e.loadOrCreateEncryption(ctx)
	if err != nil {
		return tmerr.Wrap("engine.Initialize", err)
	}
	e.encryptionKey, e.iv = key, iv

	hot, warm, err := e.loadOrCreateIndexes(ctx)
	if err != nil {
		return tmerr.Wrap("engine.Initialize", err)
	}
	e.hot, e.warm = hot, warm

	j, err := journal.Open(ctx, e.kv, 10000, e.logger)
	if err != nil {
		return tmerr.Wrap("engine.Initialize", err)
	}
	e.jrnl = j

	e.tier = tier.New(e.kv, e.hot, e.warm, e.cfg.Tier, e.logger)
	e.search = search.New(e.kv, e.hot, e.warm, e.tier, e.encoder, e.cfg.ColdSearchChunkSize, e.logger)
	e.cons = consolidate.New(e.kv, e.warm, e.tier, e.jrnl, e.generator, e.cfg.Consolidate, e.logger)
	e.pruner = prune.New(e.kv, e.hot, e.warm, e.tier, e.withSalt(e.cfg.Prune), nil, e.logger)

	e.life = lifecycle.New(e.kv, e.hot, e.warm, e.tier, e.pruner, e.jrnl, e, nil, e.cfg.Lifecycle, e.logger)
	e.life.Start(ctx)

	e.initialized = true
	return nil
}

func (e *Engine) withSalt(cfg prune.Config) prune.Config {
	cfg.Salt = e.salt
	return cfg
}

func (e *Engine) loadOrCreateSalt(ctx context.Context) (string, error) {
	if raw, found, err := e.kv.Get(ctx, kvstore.Meta, metaKeySalt); err != nil {
		return "", err
	} else if found {
		return string(raw), nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	salt := hex.EncodeToString(buf)
	if err := e.kv.Put(ctx, kvstore.Meta, metaKeySalt, []byte(salt)); err != nil {
		return "", err
	}
	return salt, nil
}

func (e *Engine) loadOrCreateEncryption(ctx context.Context) (key, iv []byte, err error) {
	key, found, err := e.kv.Get(ctx, kvstore.Meta, metaKeyEncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	if found {
		iv, _, err = e.kv.Get(ctx, kvstore.Meta, metaKeyIV)
		return key, iv, err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	iv = make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	if err := e.kv.Put(ctx, kvstore.Meta, metaKeyEncryptionKey, key); err != nil {
		return nil, nil, err
	}
	if err := e.kv.Put(ctx, kvstore.Meta, metaKeyIV, iv); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

func (e *Engine) loadOrCreateIndexes(ctx context.Context) (hot, warm *annindex.Index, err error) {
	hot, err = e.loadOrCreateIndex(ctx, metaKeyHotIndex)
	if err != nil {
		return nil, nil, err
	}
	warm, err = e.loadOrCreateIndex(ctx, metaKeyWarmIndex)
	if err != nil {
		return nil, nil, err
	}
	return hot, warm, nil
}

func (e *Engine) loadOrCreateIndex(ctx context.Context, key string) (*annindex.Index, error) {
	raw, found, err := e.kv.Get(ctx, kvstore.Meta, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return annindex.New(16, 200, e.cfg.Prune.CompactionThreshold), nil
	}
	return annindex.Load(raw, e.cfg.Prune.CompactionThreshold)
}

// SaveIndexes implements lifecycle.Saver by persisting both ANN indexes
// through the meta KV store (spec.md §4.3.1).
func (e *Engine) SaveIndexes(ctx context.Context) error {
	hotBytes, err := e.hot.Save()
	if err != nil {
		return err
	}
	if err := e.kv.Put(ctx, kvstore.Meta, metaKeyHotIndex, hotBytes); err != nil {
		return err
	}
	warmBytes, err := e.warm.Save()
	if err != nil {
		return err
	}
	return e.kv.Put(ctx, kvstore.Meta, metaKeyWarmIndex, warmBytes)
}

// CreateMemoryRecord implements spec.md §4.5's write path for one record.
func (e *Engine) CreateMemoryRecord(ctx context.Context, text string, opts CreateOptions) (*record.MemoryRecord, error) {
	if !e.initialized {
		return nil, tmerr.Wrap("engine.CreateMemoryRecord", tmerr.ErrNotInitialized)
	}
	if text == "" {
		return nil, tmerr.Wrap("engine.CreateMemoryRecord", tmerr.ErrInvalidInput)
	}

	vec, err := e.encoder.Embed(ctx, text)
	if err != nil {
		return nil, tmerr.Wrap("engine.CreateMemoryRecord", err)
	}
	if len(vec) != e.encoder.Dim() {
		return nil, tmerr.Wrap("engine.CreateMemoryRecord", tmerr.ErrDimensionMismatch)
	}

	now := time.Now()
	rec := &record.MemoryRecord{
		ID: uuid.NewString(), Text: text, Embedding: vec, Timestamp: now, LastAccessed: now,
		Episodic: opts.Episodic, Importance: opts.Importance, CurrentTier: record.TierWarm,
		Metadata: opts.Metadata, IntegrityHash: codec.ContentHash(text, e.salt), EmbeddingHash: codec.EmbeddingFingerprint(vec),
	}

	if _, err := e.jrnl.Append(ctx, rec); err != nil {
		return nil, tmerr.Wrap("engine.CreateMemoryRecord", err)
	}
	if err := e.tier.StoreWarm(ctx, rec); err != nil {
		return nil, tmerr.Wrap("engine.CreateMemoryRecord", err)
	}

	e.mu.Lock()
	e.recordsSinceConsolidation++
	shouldConsolidate := e.recordsSinceConsolidation >= e.cfg.ConsolidationInterval
	if shouldConsolidate {
		e.recordsSinceConsolidation = 0
	}
	e.mu.Unlock()

	e.life.RecordMutation()
	if shouldConsolidate {
		go func() {
			if _, err := e.cons.Run(context.Background(), false); err != nil {
				e.logger.Warn("engine: scheduled consolidation failed", "err", err)
			}
		}()
	}

	return rec, nil
}

// CreateMemoryRecords implements the batch form by calling
// CreateMemoryRecord for each text in turn: every text is embedded with its
// own Embed call (EmbedBatch is not used), and each record is journaled and
// stored individually, with no cross-record transactional guarantee. It
// stops at the first failure and returns the records created so far.
func (e *Engine) CreateMemoryRecords(ctx context.Context, texts []string, opts CreateOptions) ([]*record.MemoryRecord, error) {
	out := make([]*record.MemoryRecord, 0, len(texts))
	for _, text := range texts {
		rec, err := e.CreateMemoryRecord(ctx, text, opts)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Search runs the search pipeline (spec.md §4.6).
func (e *Engine) Search(ctx context.Context, queryText string, k int, opts search.Options) ([]search.ScoredResult, error) {
	if !e.initialized {
		return nil, tmerr.Wrap("engine.Search", tmerr.ErrNotInitialized)
	}
	opts.K = k
	return e.search.Search(ctx, queryText, opts)
}

// Consolidate runs the Consolidator (spec.md §4.7).
func (e *Engine) Consolidate(ctx context.Context, simulate bool) ([]consolidate.SummaryRecord, error) {
	if !e.initialized {
		return nil, tmerr.Wrap("engine.Consolidate", tmerr.ErrNotInitialized)
	}
	return e.cons.Run(ctx, simulate)
}

// Prune runs the Pruner (spec.md §4.8). When simulate is true the scan
// still runs but nothing is deleted.
func (e *Engine) Prune(ctx context.Context, simulate bool) ([]string, error) {
	if !e.initialized {
		return nil, tmerr.Wrap("engine.Prune", tmerr.ErrNotInitialized)
	}
	if simulate {
		return e.simulatePrune(ctx)
	}
	result, err := e.pruner.Run(ctx)
	if err != nil {
		return nil, tmerr.Wrap("engine.Prune", err)
	}
	return result.Deleted, nil
}

func (e *Engine) simulatePrune(ctx context.Context) ([]string, error) {
	var candidates []string
	chunkCh, errc := e.kv.ScanChunks(ctx, kvstore.Cold, 500)
	now := time.Now()
	for chunk := range chunkCh {
		for _, entry := range chunk {
			rec, err := tier.DecodeCold(entry.Value)
			if err != nil {
				continue
			}
			if rec.EffectiveWeight(now) < e.cfg.Prune.Epsilon && rec.UsageCount == 0 {
				candidates = append(candidates, rec.ID)
			}
		}
	}
	if err := <-errc; err != nil {
		return nil, tmerr.Wrap("engine.Prune", err)
	}
	return candidates, nil
}

// VerifyIntegrity runs the Integrity checker (spec.md §4.8).
func (e *Engine) VerifyIntegrity(ctx context.Context) ([]string, error) {
	if !e.initialized {
		return nil, tmerr.Wrap("engine.VerifyIntegrity", tmerr.ErrNotInitialized)
	}
	result, err := e.pruner.VerifyIntegrity(ctx)
	if err != nil {
		return nil, tmerr.Wrap("engine.VerifyIntegrity", err)
	}
	return result.Quarantined, nil
}

// GetAllRecords returns every live record across all three tiers.
func (e *Engine) GetAllRecords(ctx context.Context) ([]*record.MemoryRecord, error) {
	if !e.initialized {
		return nil, tmerr.Wrap("engine.GetAllRecords", tmerr.ErrNotInitialized)
	}

	var out []*record.MemoryRecord
	for _, md := range e.hot.GetAllMetadata() {
		out = append(out, tier.RecordFromMetadata(md))
	}

	for _, store := range []kvstore.Store{kvstore.Warm, kvstore.Cold} {
		decode := tier.DecodeWarm
		if store == kvstore.Cold {
			decode = tier.DecodeCold
		}
		chunkCh, errc := e.kv.ScanChunks(ctx, store, 500)
		for chunk := range chunkCh {
			for _, entry := range chunk {
				rec, err := decode(entry.Value)
				if err != nil {
					continue
				}
				out = append(out, rec)
			}
		}
		if err := <-errc; err != nil {
			return nil, tmerr.Wrap("engine.GetAllRecords", err)
		}
	}

	return out, nil
}

// GetStats implements spec.md §6's get_stats() shape.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	if !e.initialized {
		return Stats{}, tmerr.Wrap("engine.GetStats", tmerr.ErrNotInitialized)
	}

	warmCount, err := e.kv.Count(ctx, kvstore.Warm)
	if err != nil {
		return Stats{}, tmerr.Wrap("engine.GetStats", err)
	}
	coldCount, err := e.kv.Count(ctx, kvstore.Cold)
	if err != nil {
		return Stats{}, tmerr.Wrap("engine.GetStats", err)
	}
	journalCount, err := e.jrnl.Len(ctx)
	if err != nil {
		return Stats{}, tmerr.Wrap("engine.GetStats", err)
	}
	hotCount := int64(e.hot.Size())

	e.mu.Lock()
	sinceConsolidation := e.recordsSinceConsolidation
	e.mu.Unlock()

	return Stats{
		Total: hotCount + warmCount + coldCount, Hot: hotCount, Warm: warmCount, Cold: coldCount,
		Journal: journalCount, JournalCounter: e.jrnl.Counter(),
		RecordsSinceConsolidation: sinceConsolidation,
		DeletionsSinceCompaction:  int64(e.hot.DeletedSinceCompact() + e.warm.DeletedSinceCompact()),
		Config:                    e.cfg,
	}, nil
}

// Save flushes both ANN indexes now.
func (e *Engine) Save(ctx context.Context) error {
	if !e.initialized {
		return tmerr.Wrap("engine.Save", tmerr.ErrNotInitialized)
	}
	return tmerr.Wrap("engine.Save", e.SaveIndexes(ctx))
}

// Export returns an export() snapshot (spec.md §6): every record's
// scalar fields, with embeddings stripped.
func (e *Engine) Export(ctx context.Context) (*Export, error) {
	if !e.initialized {
		return nil, tmerr.Wrap("engine.Export", tmerr.ErrNotInitialized)
	}
	records, err := e.GetAllRecords(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		r.Embedding = nil
	}
	stats, err := e.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Export{Version: "1", Timestamp: time.Now(), Config: e.cfg, Stats: stats, Records: records}, nil
}

// Clear deletes every record from every store and resets both ANN
// indexes, leaving configuration and encryption material untouched.
func (e *Engine) Clear(ctx context.Context) error {
	if !e.initialized {
		return tmerr.Wrap("engine.Clear", tmerr.ErrNotInitialized)
	}
	for _, store := range []kvstore.Store{kvstore.Core, kvstore.Warm, kvstore.Cold, kvstore.Journal} {
		if err := e.kv.Clear(ctx, store); err != nil {
			return tmerr.Wrap("engine.Clear", err)
		}
	}
	e.hot = annindex.New(16, 200, e.cfg.Prune.CompactionThreshold)
	e.warm = annindex.New(16, 200, e.cfg.Prune.CompactionThreshold)
	e.tier = tier.New(e.kv, e.hot, e.warm, e.cfg.Tier, e.logger)
	e.search = search.New(e.kv, e.hot, e.warm, e.tier, e.encoder, e.cfg.ColdSearchChunkSize, e.logger)
	return nil
}

// Shutdown flushes a pending save, stops background monitors, and closes
// the underlying store (spec.md §4.9's Shutdown step).
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.initialized {
		return nil
	}
	if err := e.life.Shutdown(ctx); err != nil {
		e.logger.Warn("engine: shutdown save failed", "err", err)
	}
	return tmerr.Wrap("engine.Shutdown", e.kv.Close())
}
