package interfaces

import (
	"context"

	"github.com/m-mizutani/hypnos/pkg/model"
)

// Summarizer condenses related records into one text. Implementations report
// backend failures wrapped with model.ErrSummarizerUnavailable.
type Summarizer interface {
	Summarize(ctx context.Context, records []*model.Memory) (string, error)
}

// Embedder computes an embedding vector for text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// StatsSink receives the statistics record of each consolidation pass
type StatsSink interface {
	Emit(ctx context.Context, stats *model.CycleStats) error
}
