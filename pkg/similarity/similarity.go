// Package similarity provides pairwise content similarity of memory records,
// used by the consolidation engine to decide which records belong together.
package similarity

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/model"
)

// Measure returns a similarity in [0, 1] of two records
type Measure interface {
	Similarity(ctx context.Context, a, b *model.Memory) (float64, error)
}

// New returns the measure configured by cfg.Similarity. The embedding measure
// requires an embedder.
func New(cfg *config.Config, embedder interfaces.Embedder) (Measure, error) {
	switch cfg.Similarity {
	case "", config.SimilarityLexical:
		return &Lexical{}, nil
	case config.SimilarityEmbedding:
		if embedder == nil {
			return nil, goerr.New("embedding similarity requires an embedder")
		}
		return NewEmbedding(embedder), nil
	default:
		return nil, goerr.New("unknown similarity measure", goerr.V("similarity", cfg.Similarity))
	}
}

// Lexical is the Jaccard overlap of the lower-cased alphanumeric tokens
type Lexical struct{}

func (x *Lexical) Similarity(_ context.Context, a, b *model.Memory) (float64, error) {
	return Jaccard(Tokens(a.Content), Tokens(b.Content)), nil
}

// Tokens splits text into a set of lower-cased alphanumeric words
func Tokens(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets have similarity 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Embedding is the cosine similarity of record embeddings, negative values
// clamped to 0. Embeddings are cached per record ID for the life of the value.
type Embedding struct {
	embedder interfaces.Embedder
	mu       sync.Mutex
	cache    map[model.MemoryID][]float32
}

func NewEmbedding(embedder interfaces.Embedder) *Embedding {
	return &Embedding{
		embedder: embedder,
		cache:    make(map[model.MemoryID][]float32),
	}
}

func (x *Embedding) vector(ctx context.Context, mem *model.Memory) ([]float32, error) {
	x.mu.Lock()
	vec, ok := x.cache[mem.ID]
	x.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := x.embedder.Embed(ctx, mem.Content)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed memory", goerr.V("id", mem.ID))
	}

	x.mu.Lock()
	x.cache[mem.ID] = vec
	x.mu.Unlock()
	return vec, nil
}

func (x *Embedding) Similarity(ctx context.Context, a, b *model.Memory) (float64, error) {
	va, err := x.vector(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := x.vector(ctx, b)
	if err != nil {
		return 0, err
	}

	sim, err := Cosine(va, vb)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to compare embeddings", goerr.V("a", a.ID), goerr.V("b", b.ID))
	}
	return math.Max(0, math.Min(1, sim)), nil
}

// Cosine returns the cosine similarity of two vectors of the same dimension.
// A zero vector has similarity 0 with anything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, goerr.New("vector dimension mismatch", goerr.V("a", len(a)), goerr.V("b", len(b)))
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
