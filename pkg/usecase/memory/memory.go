// Package memory implements the user facing operations on the memory store
package memory

import (
	"sync"
	"time"

	"github.com/m-mizutani/hypnos/pkg/adapter"
	"github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/policy"
	"github.com/m-mizutani/hypnos/pkg/scorer"
)

// UseCase provides memory-related operations
type UseCase struct {
	repo     interfaces.Repository
	cfg      *config.Config
	tagger   *policy.Tagger
	embedder interfaces.Embedder
	storage  adapter.Storage
	scorer   scorer.Strategy
	now      func() time.Time

	vecMu   sync.Mutex
	vectors map[model.MemoryID][]float32
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithTagger applies a tagging policy to every remembered record
func WithTagger(t *policy.Tagger) Option {
	return func(uc *UseCase) {
		uc.tagger = t
	}
}

// WithEmbedder enables vector recall
func WithEmbedder(e interfaces.Embedder) Option {
	return func(uc *UseCase) {
		uc.embedder = e
	}
}

// WithStorage enables backup and restore
func WithStorage(s adapter.Storage) Option {
	return func(uc *UseCase) {
		uc.storage = s
	}
}

// WithScorer overrides the scorer used by Status
func WithScorer(s scorer.Strategy) Option {
	return func(uc *UseCase) {
		uc.scorer = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a new memory UseCase instance
func New(repo interfaces.Repository, cfg *config.Config, opts ...Option) *UseCase {
	uc := &UseCase{
		repo:    repo,
		cfg:     cfg,
		scorer:  &scorer.TagGroups{MinClusterSize: cfg.MinClusterSize},
		now:     time.Now,
		vectors: make(map[model.MemoryID][]float32),
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}
