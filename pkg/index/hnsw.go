// Package index keeps an in-process nearest neighbour index of memory
// embeddings for recall queries.
package index

import (
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/similarity"
)

// Hit is a search result with its cosine similarity to the query
type Hit struct {
	ID         model.MemoryID
	Similarity float64
}

// HNSW wraps a coder/hnsw graph keyed by memory ID. It holds vectors only;
// callers resolve hits to records. The vector dimension is fixed by the first
// added vector.
type HNSW struct {
	graph *hnsw.Graph[string]
	dim   int
	ids   map[string]struct{}
	mu    sync.Mutex
}

func NewHNSW() *HNSW {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	return &HNSW{
		graph: g,
		ids:   make(map[string]struct{}),
	}
}

func (x *HNSW) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ids)
}

// Add indexes the vector of a record. Adding an ID twice is ignored.
func (x *HNSW) Add(id model.MemoryID, vec []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(vec) == 0 {
		return goerr.New("empty embedding", goerr.V("id", id))
	}
	if x.dim == 0 {
		x.dim = len(vec)
	}
	if len(vec) != x.dim {
		return goerr.New("embedding dimension mismatch",
			goerr.V("id", id), goerr.V("expected", x.dim), goerr.V("actual", len(vec)))
	}
	if _, ok := x.ids[string(id)]; ok {
		return nil
	}

	x.graph.Add(hnsw.MakeNode(string(id), vec))
	x.ids[string(id)] = struct{}{}
	return nil
}

// Search returns up to k record IDs whose similarity to query is at least
// minSimilarity, most similar first.
func (x *HNSW) Search(query []float32, k int, minSimilarity float64) ([]*Hit, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.ids) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, goerr.New("query dimension mismatch", goerr.V("expected", x.dim), goerr.V("actual", len(query)))
	}

	var hits []*Hit
	for _, node := range x.graph.Search(query, k) {
		sim, err := similarity.Cosine(query, node.Value)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to score neighbour", goerr.V("id", node.Key))
		}
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, &Hit{ID: model.MemoryID(node.Key), Similarity: sim})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	return hits, nil
}
