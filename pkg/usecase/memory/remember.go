package memory

import (
	"context"

	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

func (u *UseCase) Remember(ctx context.Context, content string, tags []string, importance float64) (*model.Memory, error) {
	mem, err := model.NewMemory(content, tags, importance)
	if err != nil {
		return nil, err
	}
	mem.CreatedAt = u.now().UTC()

	mem, err = u.tagger.Apply(ctx, mem)
	if err != nil {
		return nil, err
	}

	if err := u.repo.PutMemory(ctx, mem); err != nil {
		return nil, err
	}

	logging.From(ctx).Debug("memory stored", "id", mem.ID, "tags", mem.Tags)
	return mem, nil
}
