// Package annindex implements the Index Manager (spec.md §4.3): an
// approximate-nearest-neighbor index with stable opaque handles, soft
// delete plus deferred physical compaction, and per-node metadata — none
// of which the teacher's container/heap-based HNSW (pkg/index/hnsw.go)
// offers, so this package generalizes its graph-construction and search
// algorithm rather than reusing it directly.
package annindex

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tieredmem/tieredmem/pkg/codec"
	"github.com/tieredmem/tieredmem/pkg/tmerr"
)

// Handle is a stable, opaque reference to an indexed vector. It never
// changes for the lifetime of the record, even across Compact.
type Handle string

// node is a single HNSW graph node, extended with metadata and the
// bookkeeping Compact needs to drop dead entries without disturbing live
// handles.
type node struct {
	Handle    Handle
	Vector    []float32
	Level     int
	Neighbors [][]Handle
	Deleted   bool
	Metadata  map[string]string
}

// Index is a generalized HNSW index usable for both the HOT and WARM
// tiers. M and EfConstruction follow the teacher's defaults.
type Index struct {
	mu sync.RWMutex

	m              int
	maxM           int
	efConstruction int

	nodes      map[Handle]*node
	entryPoint Handle

	rng *rand.Rand

	deletedSinceCompact int
	compactionThreshold  int
}

// New creates an empty index. compactionThreshold (default 100) is stored
// on the index but not acted on: the index never compacts itself, and
// Compact runs only when a caller invokes it.
func New(m, efConstruction, compactionThreshold int) *Index {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 200
	}
	if compactionThreshold <= 0 {
		compactionThreshold = 100
	}
	seed := time.Now().UnixNano()
	return &Index{
		m:                   m,
		maxM:                m * 2,
		efConstruction:       efConstruction,
		nodes:               make(map[Handle]*node),
		rng:                 rand.New(rand.NewSource(seed)),
		compactionThreshold: compactionThreshold,
	}
}

// Size returns the number of live (non-deleted) vectors in the index.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, nd := range idx.nodes {
		if !nd.Deleted {
			n++
		}
	}
	return n
}

// DeletedSinceCompact reports how many soft deletes have accumulated since
// the last Compact call. The engine reports it in its stats; no scheduler
// compares it against a threshold.
func (idx *Index) DeletedSinceCompact() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.deletedSinceCompact
}

// InsertWithMetadata adds vector to the index with an attached metadata
// map and returns a stable handle that Compact never invalidates.
func (idx *Index) InsertWithMetadata(vector []float32, metadata map[string]string) (Handle, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	handle := Handle(uuid.NewString())
	level := idx.selectLevel()

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	n := &node{
		Handle:    handle,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]Handle, level+1),
		Metadata:  md,
	}
	for i := range n.Neighbors {
		n.Neighbors[i] = make([]Handle, 0)
	}

	idx.nodes[handle] = n

	if idx.entryPoint == "" {
		idx.entryPoint = handle
		return handle, nil
	}

	currNearest := []Handle{idx.entryPoint}
	entryNode := idx.nodes[idx.entryPoint]
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = idx.searchLayerClosest(vector, currNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		maxConn := idx.m
		if lc == 0 {
			maxConn = idx.maxM
		}

		candidates := idx.searchLayer(vector, currNearest, idx.efConstruction, lc)
		neighbors := idx.selectNeighbors(vector, candidates, maxConn)

		n.Neighbors[lc] = neighbors
		for _, nb := range neighbors {
			idx.addConnection(nb, handle, lc)

			nbNode := idx.nodes[nb]
			if lc < len(nbNode.Neighbors) && len(nbNode.Neighbors[lc]) > maxConn {
				nbNode.Neighbors[lc] = idx.selectNeighbors(nbNode.Vector, nbNode.Neighbors[lc], maxConn)
			}
		}

		currNearest = neighbors
	}

	if level > idx.nodes[idx.entryPoint].Level {
		idx.entryPoint = handle
	}

	return handle, nil
}

// Result is a single search hit.
type Result struct {
	Handle     Handle
	Similarity float32
	Metadata   map[string]string
	Vector     []float32
}

// Search returns up to k nearest neighbors of query by cosine similarity,
// skipping soft-deleted nodes.
func (idx *Index) Search(query []float32, k, ef int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" {
		return nil, nil
	}
	if ef < k {
		ef = k * 2
	}

	entryNode := idx.nodes[idx.entryPoint]
	currNearest := []Handle{idx.entryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = idx.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := idx.searchLayer(query, currNearest, ef, 0)

	results := make([]Result, 0, len(candidates))
	for _, h := range candidates {
		n, ok := idx.nodes[h]
		if !ok || n.Deleted {
			continue
		}
		sim, err := codec.CosineSimilarity(query, n.Vector)
		if err != nil {
			continue
		}
		results = append(results, Result{Handle: h, Similarity: float32(sim), Metadata: n.Metadata, Vector: n.Vector})
	}

	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// UpdateMetadata replaces the metadata map attached to handle.
func (idx *Index) UpdateMetadata(handle Handle, metadata map[string]string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[handle]
	if !ok {
		return tmerr.Wrap("annindex.update_metadata", tmerr.ErrNotFound)
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	n.Metadata = md
	return nil
}

// SoftDelete marks handle as deleted without removing it from the graph.
// Physical removal happens on the next Compact.
func (idx *Index) SoftDelete(handle Handle) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[handle]
	if !ok {
		return tmerr.Wrap("annindex.soft_delete", tmerr.ErrNotFound)
	}
	if n.Deleted {
		return nil
	}
	n.Deleted = true
	idx.deletedSinceCompact++

	if idx.entryPoint == handle {
		idx.entryPoint = ""
		for h, other := range idx.nodes {
			if !other.Deleted {
				idx.entryPoint = h
				break
			}
		}
	}
	return nil
}

// GetAllMetadata returns the metadata of every live node, keyed by handle.
func (idx *Index) GetAllMetadata() map[Handle]map[string]string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[Handle]map[string]string, len(idx.nodes))
	for h, n := range idx.nodes {
		if n.Deleted {
			continue
		}
		md := make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			md[k] = v
		}
		out[h] = md
	}
	return out
}

// Compact physically removes every soft-deleted node and strips them from
// surviving neighbor lists. It is single-threaded across both the HOT and
// WARM indexes at the engine level (spec.md §5's compact lock) — this
// method itself only locks its own index.
func (idx *Index) Compact() (removed int, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for h, n := range idx.nodes {
		if n.Deleted {
			delete(idx.nodes, h)
			removed++
		}
	}

	for _, n := range idx.nodes {
		for lc := range n.Neighbors {
			filtered := n.Neighbors[lc][:0]
			for _, nb := range n.Neighbors[lc] {
				if _, ok := idx.nodes[nb]; ok {
					filtered = append(filtered, nb)
				}
			}
			n.Neighbors[lc] = filtered
		}
	}

	if idx.entryPoint != "" {
		if _, ok := idx.nodes[idx.entryPoint]; !ok {
			idx.entryPoint = ""
			for h := range idx.nodes {
				idx.entryPoint = h
				break
			}
		}
	}

	idx.deletedSinceCompact = 0
	return removed, nil
}

// gobNode and gobIndex mirror node/Index but use exported fields so gob can
// encode the unexported internal representation.
type gobNode struct {
	Handle    Handle
	Vector    []float32
	Level     int
	Neighbors [][]Handle
	Deleted   bool
	Metadata  map[string]string
}

type gobIndex struct {
	M              int
	MaxM           int
	EfConstruction int
	EntryPoint     Handle
	Nodes          []gobNode
}

// Save serializes the index with gob, the same codec the teacher's HNSW
// uses, but routed through the caller's storage rather than a bare file.
func (idx *Index) Save() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	g := gobIndex{M: idx.m, MaxM: idx.maxM, EfConstruction: idx.efConstruction, EntryPoint: idx.entryPoint}
	for _, n := range idx.nodes {
		g.Nodes = append(g.Nodes, gobNode{
			Handle: n.Handle, Vector: n.Vector, Level: n.Level,
			Neighbors: n.Neighbors, Deleted: n.Deleted, Metadata: n.Metadata,
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&g); err != nil {
		return nil, tmerr.Wrap("annindex.save", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return buf.Bytes(), nil
}

// Load restores an index previously produced by Save.
func Load(data []byte, compactionThreshold int) (*Index, error) {
	var g gobIndex
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, tmerr.Wrap("annindex.load", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}

	idx := New(g.M, g.EfConstruction, compactionThreshold)
	idx.maxM = g.MaxM
	idx.entryPoint = g.EntryPoint
	idx.nodes = make(map[Handle]*node, len(g.Nodes))
	for _, n := range g.Nodes {
		idx.nodes[n.Handle] = &node{
			Handle: n.Handle, Vector: n.Vector, Level: n.Level,
			Neighbors: n.Neighbors, Deleted: n.Deleted, Metadata: n.Metadata,
		}
	}
	return idx, nil
}

func (idx *Index) selectLevel() int {
	level := 0
	for idx.rng.Float64() < 0.5 {
		level++
		if level > 16 {
			break
		}
	}
	return level
}

func (idx *Index) distance(query []float32, n *node) float32 {
	sim, err := codec.CosineSimilarity(query, n.Vector)
	if err != nil {
		return math.MaxFloat32
	}
	return 1 - float32(sim)
}

type heapItem struct {
	handle Handle
	dist   float32
}

type distHeap []*heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool   { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{})  { *h = append(*h, x.(*heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (idx *Index) searchLayer(query []float32, entryPoints []Handle, ef, layer int) []Handle {
	visited := make(map[Handle]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{}

	for _, p := range entryPoints {
		n, ok := idx.nodes[p]
		if !ok {
			continue
		}
		dist := idx.distance(query, n)
		heap.Push(candidates, &heapItem{handle: p, dist: dist})
		heap.Push(dynamicList, &heapItem{handle: p, dist: -dist})
		visited[p] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*dynamicList)[0].dist {
				break
			}
		}

		current := heap.Pop(candidates).(*heapItem)
		currentNode, ok := idx.nodes[current.handle]
		if !ok || layer >= len(currentNode.Neighbors) {
			continue
		}

		for _, nb := range currentNode.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true

			nbNode, ok := idx.nodes[nb]
			if !ok {
				continue
			}
			dist := idx.distance(query, nbNode)

			if dynamicList.Len() < ef || dist < -(*dynamicList)[0].dist {
				heap.Push(candidates, &heapItem{handle: nb, dist: dist})
				heap.Push(dynamicList, &heapItem{handle: nb, dist: -dist})
				if dynamicList.Len() > ef {
					heap.Pop(dynamicList)
				}
			}
		}
	}

	result := make([]Handle, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		item := heap.Pop(dynamicList).(*heapItem)
		result = append(result, item.handle)
	}
	for i := 0; i < len(result)/2; i++ {
		result[i], result[len(result)-1-i] = result[len(result)-1-i], result[i]
	}
	return result
}

func (idx *Index) searchLayerClosest(query []float32, entryPoints []Handle, num, layer int) []Handle {
	candidates := idx.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

func (idx *Index) selectNeighbors(query []float32, candidates []Handle, m int) []Handle {
	if len(candidates) <= m {
		return candidates
	}

	type pair struct {
		handle Handle
		dist   float32
	}
	pairs := make([]pair, 0, len(candidates))
	for _, c := range candidates {
		n, ok := idx.nodes[c]
		if !ok {
			continue
		}
		pairs = append(pairs, pair{handle: c, dist: idx.distance(query, n)})
	}

	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}

	limit := m
	if limit > len(pairs) {
		limit = len(pairs)
	}
	result := make([]Handle, limit)
	for i := 0; i < limit; i++ {
		result[i] = pairs[i].handle
	}
	return result
}

func (idx *Index) addConnection(from, to Handle, layer int) {
	fromNode, ok := idx.nodes[from]
	if !ok || layer >= len(fromNode.Neighbors) {
		return
	}
	for _, nb := range fromNode.Neighbors[layer] {
		if nb == to {
			return
		}
	}
	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}
