package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

// BackupKey is the default object key for a backup taken at the clock time
func (u *UseCase) BackupKey() string {
	return "hypnos/backup/" + u.now().UTC().Format("20060102T150405Z") + ".jsonl"
}

// Backup writes every record, superseded ones included, as JSON lines to key
func (u *UseCase) Backup(ctx context.Context, key string) (int, error) {
	if u.storage == nil {
		return 0, goerr.New("backup storage is not configured")
	}

	records, err := u.repo.ListMemories(ctx)
	if err != nil {
		return 0, err
	}

	w, err := u.storage.Put(ctx, key)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to open backup object", goerr.V("key", key))
	}

	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = w.Close()
			return 0, goerr.Wrap(err, "failed to write backup", goerr.V("key", key), goerr.V("id", r.ID))
		}
	}
	if err := w.Close(); err != nil {
		return 0, goerr.Wrap(err, "failed to commit backup", goerr.V("key", key))
	}

	logging.From(ctx).Info("memory backup written", "key", key, "records", len(records))
	return len(records), nil
}

// RestoreResult counts what Restore did with each backup line
type RestoreResult struct {
	Restored int `json:"restored"`
	Existing int `json:"existing"`
	Invalid  int `json:"invalid"`
}

// Restore loads records from a backup object. Records whose ID already exists
// are left alone; undecodable or invalid lines are skipped and logged.
func (u *UseCase) Restore(ctx context.Context, key string) (*RestoreResult, error) {
	if u.storage == nil {
		return nil, goerr.New("backup storage is not configured")
	}

	r, err := u.storage.Get(ctx, key)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open backup object", goerr.V("key", key))
	}
	defer r.Close()

	logger := logging.From(ctx)
	result := &RestoreResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var mem model.Memory
		if err := json.Unmarshal(scanner.Bytes(), &mem); err != nil {
			result.Invalid++
			logger.Warn("skipped undecodable backup line", "key", key, "line", line, "error", err)
			continue
		}

		err := u.repo.PutMemory(ctx, &mem)
		switch {
		case err == nil:
			result.Restored++
		case errors.Is(err, model.ErrDuplicateID):
			result.Existing++
		case errors.Is(err, model.ErrInvalidMemory):
			result.Invalid++
			logger.Warn("skipped invalid backup record", "key", key, "line", line, "error", err)
		default:
			return result, goerr.Wrap(err, "failed to restore memory", goerr.V("id", mem.ID))
		}
	}
	if err := scanner.Err(); err != nil {
		return result, goerr.Wrap(err, "failed to read backup", goerr.V("key", key))
	}

	logger.Info("memory backup restored", "key", key,
		"restored", result.Restored, "existing", result.Existing, "invalid", result.Invalid)
	return result, nil
}

// Backups lists backup object keys
func (u *UseCase) Backups(ctx context.Context) ([]string, error) {
	if u.storage == nil {
		return nil, goerr.New("backup storage is not configured")
	}
	return u.storage.List(ctx, "hypnos/backup/")
}
