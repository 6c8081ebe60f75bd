package interfaces

import (
	"context"

	"github.com/m-mizutani/hypnos/pkg/model"
)

// Repository defines the interface for memory record persistence
type Repository interface {
	// PutMemory appends a record. The record is stored as given, including
	// SupersededBy, so restores keep supersession links.
	PutMemory(ctx context.Context, mem *model.Memory) error

	// GetMemory retrieves a record by ID
	GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error)

	// ListMemories returns every valid record, superseded ones included, in
	// insertion order. Corrupt records are skipped.
	ListMemories(ctx context.Context) ([]*model.Memory, error)

	// CommitConsolidation appends the summary record and marks every merged
	// record as superseded by it. Either all changes are applied or none.
	CommitConsolidation(ctx context.Context, result *model.ConsolidationResult) error

	Close() error
}
