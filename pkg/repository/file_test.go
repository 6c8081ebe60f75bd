package repository_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

func TestFileSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.jsonl")
	good := newRecord(t, "valid memory", "x")

	repo, err := repository.NewFile(path)
	gt.NoError(t, err)
	gt.NoError(t, repo.PutMemory(context.Background(), good))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	gt.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	gt.NoError(t, err)
	_, err = f.WriteString(`{"id":"x1","content":"","tags":[],"created_at":"2024-01-01T00:00:00Z","importance":0.5,"superseded_by":""}` + "\n")
	gt.NoError(t, err)
	gt.NoError(t, f.Close())

	buf := &bytes.Buffer{}
	ctx := logging.With(context.Background(), logging.New("warn", buf))

	list, err := repo.ListMemories(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(1)
	gt.Equal(t, list[0].ID, good.ID)
	gt.S(t, buf.String()).Contains("skipped corrupt memory record")
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memories.jsonl")
	ctx := context.Background()

	repo, err := repository.NewFile(path)
	gt.NoError(t, err)
	a := newRecord(t, "alpha", "x")
	b := newRecord(t, "beta", "x")
	gt.NoError(t, repo.PutMemory(ctx, a))
	gt.NoError(t, repo.PutMemory(ctx, b))
	result := newSummary(t, a, b)
	gt.NoError(t, repo.CommitConsolidation(ctx, result))
	gt.NoError(t, repo.Close())

	reopened, err := repository.NewFile(path)
	gt.NoError(t, err)
	got, err := reopened.GetMemory(ctx, b.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.SupersededBy, result.Summary.ID)

	list, err := reopened.ListMemories(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(3)
}

func TestFileAppendsAfterUnterminatedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.jsonl")
	ctx := context.Background()

	repo, err := repository.NewFile(path)
	gt.NoError(t, err)
	a := newRecord(t, "alpha", "x")
	gt.NoError(t, repo.PutMemory(ctx, a))

	raw, err := os.ReadFile(path)
	gt.NoError(t, err)
	gt.NoError(t, os.WriteFile(path, bytes.TrimRight(raw, "\n"), 0644))

	b := newRecord(t, "beta", "x")
	gt.NoError(t, repo.PutMemory(ctx, b))

	list, err := repo.ListMemories(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(2)
}

func TestFileCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.jsonl")
	ctx := context.Background()

	repo, err := repository.NewFile(path)
	gt.NoError(t, err)
	var records []*model.Memory
	for _, c := range []string{"alpha", "beta", "gamma"} {
		mem := newRecord(t, c, "x")
		gt.NoError(t, repo.PutMemory(ctx, mem))
		records = append(records, mem)
	}
	gt.NoError(t, repo.CommitConsolidation(ctx, newSummary(t, records[0], records[1])))

	gt.NoError(t, repo.PutMemory(ctx, newRecord(t, "delta", "y")))

	raw, err := os.ReadFile(path)
	gt.NoError(t, err)
	gt.Equal(t, strings.Count(string(raw), "\n"), 5)
	gt.S(t, string(raw)).Contains(`"commit"`)

	n, err := repo.Compact(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 5)

	raw, err = os.ReadFile(path)
	gt.NoError(t, err)
	gt.Equal(t, strings.Count(string(raw), "\n"), 5)
	gt.S(t, string(raw)).NotContains(`"commit"`)

	got, err := repo.GetMemory(ctx, records[0].ID)
	gt.NoError(t, err)
	gt.False(t, got.IsLive())

	list, err := repo.ListMemories(ctx)
	gt.NoError(t, err)
	gt.Equal(t, list[0].ID, records[0].ID)
}

func TestFileTornCommitIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.jsonl")
	ctx := context.Background()

	repo, err := repository.NewFile(path)
	gt.NoError(t, err)
	a := newRecord(t, "alpha", "x")
	b := newRecord(t, "beta", "x")
	gt.NoError(t, repo.PutMemory(ctx, a))
	gt.NoError(t, repo.PutMemory(ctx, b))

	before, err := os.ReadFile(path)
	gt.NoError(t, err)
	result := newSummary(t, a, b)
	gt.NoError(t, repo.CommitConsolidation(ctx, result))
	after, err := os.ReadFile(path)
	gt.NoError(t, err)
	gt.Equal(t, strings.Count(string(after), "\n"), strings.Count(string(before), "\n")+1)

	// cut the commit line in the middle, as a crash during the write would
	commit := after[len(before):]
	gt.NoError(t, os.WriteFile(path, append(before, commit[:len(commit)/2]...), 0644))

	buf := &bytes.Buffer{}
	ctx = logging.With(ctx, logging.New("warn", buf))

	list, err := repo.ListMemories(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(2)
	for _, mem := range list {
		gt.True(t, mem.IsLive())
	}
	_, err = repo.GetMemory(ctx, result.Summary.ID)
	gt.True(t, errors.Is(err, model.ErrMemoryNotFound))
	gt.S(t, buf.String()).Contains("skipped corrupt memory record")

	// the same consolidation can be committed again
	gt.NoError(t, repo.CommitConsolidation(ctx, result))
	got, err := repo.GetMemory(ctx, a.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.SupersededBy, result.Summary.ID)
}

func TestFileRejectsEmptyPath(t *testing.T) {
	_, err := repository.NewFile("")
	gt.Error(t, err)
}
