package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

// Snapshot reads the store and returns an immutable view of its live records
func Snapshot(ctx context.Context, repo interfaces.Repository, now time.Time) (*model.Snapshot, error) {
	records, err := repo.ListMemories(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories for snapshot")
	}
	return model.NewSnapshot(records, now), nil
}

// checkCommit verifies that a consolidation result can be applied to the
// current store state. lookup returns the latest version of a record.
func checkCommit(result *model.ConsolidationResult, lookup func(model.MemoryID) (*model.Memory, bool)) error {
	if result == nil || result.Summary == nil {
		return goerr.New("consolidation result has no summary record")
	}
	if len(result.MergedIDs) < 2 {
		return goerr.Wrap(model.ErrInsufficientData, "consolidation result merges fewer than two records",
			goerr.V("merged", len(result.MergedIDs)))
	}
	if err := result.Summary.Validate(); err != nil {
		return goerr.Wrap(err, "invalid summary record")
	}
	if !result.Summary.IsLive() {
		return goerr.New("summary record must be live", goerr.V("id", result.Summary.ID))
	}
	if _, ok := lookup(result.Summary.ID); ok {
		return goerr.Wrap(model.ErrDuplicateID, "summary id already used", goerr.V("id", result.Summary.ID))
	}

	seen := make(map[model.MemoryID]struct{}, len(result.MergedIDs))
	for _, id := range result.MergedIDs {
		if id == result.Summary.ID {
			return goerr.New("summary record cannot supersede itself", goerr.V("id", id))
		}
		if _, ok := seen[id]; ok {
			return goerr.New("merged id listed twice", goerr.V("id", id))
		}
		seen[id] = struct{}{}

		mem, ok := lookup(id)
		if !ok {
			return goerr.Wrap(model.ErrMemoryNotFound, "merged record not found", goerr.V("id", id))
		}
		if !mem.IsLive() {
			return goerr.Wrap(model.ErrAlreadySuperseded, "merged record already superseded",
				goerr.V("id", id), goerr.V("superseded_by", mem.SupersededBy))
		}
	}

	return nil
}

func logSkippedRow(ctx context.Context, err error) {
	logging.From(ctx).Warn("skipped corrupt memory record", "error", err)
}
