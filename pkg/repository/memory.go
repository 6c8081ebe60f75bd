package repository

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
)

// Memory is an in-process store. Its contents are lost on exit.
type Memory struct {
	mu      sync.RWMutex
	records map[model.MemoryID]*model.Memory
	order   []model.MemoryID
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[model.MemoryID]*model.Memory),
	}
}

func (r *Memory) PutMemory(ctx context.Context, mem *model.Memory) error {
	if err := mem.Validate(); err != nil {
		return goerr.Wrap(model.ErrInvalidMemory, "refused to store invalid memory", goerr.V("reason", err.Error()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[mem.ID]; ok {
		return goerr.Wrap(model.ErrDuplicateID, "memory id already used", goerr.V("id", mem.ID))
	}
	r.records[mem.ID] = mem.Clone()
	r.order = append(r.order, mem.ID)
	return nil
}

func (r *Memory) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mem, ok := r.records[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrMemoryNotFound, "memory not found", goerr.V("id", id))
	}
	return mem.Clone(), nil
}

func (r *Memory) ListMemories(ctx context.Context) ([]*model.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Memory, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out, nil
}

func (r *Memory) CommitConsolidation(ctx context.Context, result *model.ConsolidationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lookup := func(id model.MemoryID) (*model.Memory, bool) {
		mem, ok := r.records[id]
		return mem, ok
	}
	if err := checkCommit(result, lookup); err != nil {
		return err
	}

	r.records[result.Summary.ID] = result.Summary.Clone()
	r.order = append(r.order, result.Summary.ID)
	for _, id := range result.MergedIDs {
		r.records[id].SupersededBy = result.Summary.ID
	}
	return nil
}

func (r *Memory) Close() error { return nil }
