package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
)

type ListOptions struct {
	IncludeSuperseded bool
	Tag               string
	Offset            int
	Limit             int
}

// List returns records in insertion order. Superseded records are hidden
// unless IncludeSuperseded is set. A zero Limit returns everything.
func (u *UseCase) List(ctx context.Context, opts ListOptions) ([]*model.Memory, error) {
	if opts.Offset < 0 || opts.Limit < 0 {
		return nil, goerr.New("offset and limit must not be negative",
			goerr.V("offset", opts.Offset), goerr.V("limit", opts.Limit))
	}

	records, err := u.repo.ListMemories(ctx)
	if err != nil {
		return nil, err
	}

	var filtered []*model.Memory
	for _, r := range records {
		if !opts.IncludeSuperseded && !r.IsLive() {
			continue
		}
		if opts.Tag != "" && !r.HasTag(opts.Tag) {
			continue
		}
		filtered = append(filtered, r)
	}

	if opts.Offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[opts.Offset:]
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

func (u *UseCase) Show(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	return u.repo.GetMemory(ctx, id)
}
