package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

// EncodeVector converts a float32 vector to a little-endian BLOB with a
// length prefix. This is the binding form used for the vec table.
func EncodeVector(vec []float32) ([]byte, error) {
	if vec == nil {
		return nil, enginerr.New(enginerr.ErrCodeInvalidInput, "nil vector", nil)
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vec))); err != nil {
		return nil, err
	}
	for _, v := range vec {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeVector converts a BLOB produced by EncodeVector back to floats.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, enginerr.New(enginerr.ErrCodeInvalidInput, "vector blob too short", nil)
	}
	buf := bytes.NewReader(data)
	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length < 0 || int(length)*4 != len(data)-4 {
		return nil, enginerr.Newf(enginerr.ErrCodeInvalidInput, "vector blob length mismatch: header %d, payload %d bytes", length, len(data)-4)
	}
	vec := make([]float32, length)
	for i := range vec {
		if err := binary.Read(buf, binary.LittleEndian, &vec[i]); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

// VectorHit is one nearest-neighbor result.
type VectorHit struct {
	Rowid    int64
	Distance float32
	Score    float32
}

// VectorIndex serves approximate nearest-neighbor queries over the
// vectors persisted in vec_default_dense. The graph is held in memory,
// keyed by document rowid, and rebuilt from the table on open; writers
// stage updates during their transaction and apply them after commit.
type VectorIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[int64]
	dimensions int
	metric     string

	// collections maps rowid to its owning collection for scope
	// filtering; tombstones marks rowids lazily removed from the graph.
	collections map[int64]string
	tombstones  map[int64]struct{}
}

// NewVectorIndex creates an empty index for the given dimension and
// metric ("cos" or "l2").
func NewVectorIndex(dimensions int, metric string) *VectorIndex {
	graph := hnsw.NewGraph[int64]()
	switch metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		metric = "cos"
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = 16
	graph.EfSearch = 40
	graph.Ml = 0.25

	return &VectorIndex{
		graph:       graph,
		dimensions:  dimensions,
		metric:      metric,
		collections: make(map[int64]string),
		tombstones:  make(map[int64]struct{}),
	}
}

// Dimensions returns the configured vector dimension.
func (v *VectorIndex) Dimensions() int { return v.dimensions }

// Add inserts or replaces the vector for a rowid.
func (v *VectorIndex) Add(rowid int64, collection string, vec []float32) error {
	if len(vec) != v.dimensions {
		return enginerr.Newf(enginerr.ErrCodeDimensionMismatch, "vector dimension %d, collection expects %d", len(vec), v.dimensions)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	cp := make([]float32, len(vec))
	copy(cp, vec)
	if v.metric == "cos" {
		normalizeInPlace(cp)
	}

	_, live := v.collections[rowid]
	_, dead := v.tombstones[rowid]
	if live || dead {
		// The graph panics when Add meets an existing key, so the old
		// node goes first; a sole node is replaced by a fresh graph.
		if v.graph.Len() == 1 {
			fresh := hnsw.NewGraph[int64]()
			fresh.Distance, fresh.M, fresh.EfSearch, fresh.Ml = v.graph.Distance, v.graph.M, v.graph.EfSearch, v.graph.Ml
			v.graph = fresh
		} else {
			v.graph.Delete(rowid)
		}
	}
	v.graph.Add(hnsw.MakeNode(rowid, cp))
	v.collections[rowid] = collection
	delete(v.tombstones, rowid)
	return nil
}

// Delete lazily removes a rowid. The node stays in the graph (removing
// the last node corrupts it) but is filtered out of search results.
func (v *VectorIndex) Delete(rowid int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.collections, rowid)
	v.tombstones[rowid] = struct{}{}
}

// Len returns the number of live vectors.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.collections)
}

// Search returns the k nearest live vectors within the collection.
func (v *VectorIndex) Search(collection string, query []float32, k int) ([]VectorHit, error) {
	if len(query) != v.dimensions {
		return nil, enginerr.Newf(enginerr.ErrCodeDimensionMismatch, "query dimension %d, collection expects %d", len(query), v.dimensions)
	}
	if k <= 0 {
		return []VectorHit{}, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.graph.Len() == 0 {
		return []VectorHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if v.metric == "cos" {
		normalizeInPlace(normalized)
	}

	// Oversample: tombstoned and out-of-collection nodes are filtered
	// after the graph search.
	fetch := k * 4
	if fetch < 16 {
		fetch = 16
	}
	if fetch > v.graph.Len() {
		fetch = v.graph.Len()
	}

	nodes := v.graph.Search(normalized, fetch)
	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		if _, dead := v.tombstones[node.Key]; dead {
			continue
		}
		owner, ok := v.collections[node.Key]
		if !ok || owner != collection {
			continue
		}
		distance := v.graph.Distance(normalized, node.Value)
		hits = append(hits, VectorHit{
			Rowid:    node.Key,
			Distance: distance,
			Score:    distanceToScore(distance, v.metric),
		})
	}
	// The graph returns candidates unordered; rank by distance.
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Rebuild reloads one collection's vectors from the vec table.
func (v *VectorIndex) Rebuild(ctx context.Context, db *DB, collection string) error {
	rows, err := db.Select(ctx, `SELECT rowid, collection, embedding FROM vec_default_dense WHERE collection = ?`, collection)
	if err != nil {
		return err
	}

	v.mu.Lock()
	graph := hnsw.NewGraph[int64]()
	graph.Distance = v.graph.Distance
	graph.M = v.graph.M
	graph.EfSearch = v.graph.EfSearch
	graph.Ml = v.graph.Ml
	v.graph = graph
	v.collections = make(map[int64]string, len(rows))
	v.tombstones = make(map[int64]struct{})
	v.mu.Unlock()

	for _, row := range rows {
		rowid, ok := row["rowid"].(int64)
		if !ok {
			continue
		}
		collection, _ := row["collection"].(string)
		blob, ok := row["embedding"].([]byte)
		if !ok {
			continue
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("decode vector for rowid %d: %w", rowid, err)
		}
		if err := v.Add(rowid, collection, vec); err != nil {
			return err
		}
	}
	return nil
}

// normalizeInPlace scales a vector to unit length for cosine distance.
func normalizeInPlace(vec []float32) {
	var sumSquares float64
	for _, val := range vec {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] *= inv
	}
}

// distanceToScore converts a distance to a similarity score in [0, 1].
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		// Cosine distance ranges 0 (identical) to 2 (opposite).
		return 1.0 - distance/2.0
	}
}
