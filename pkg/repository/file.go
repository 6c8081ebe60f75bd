package repository

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

// File stores records as JSON lines in an append-only file. A record is never
// rewritten in place: the last line of an ID wins when the file is read. A
// consolidation is a single commit line holding the summary and the superseded
// IDs, so a torn write drops the whole commit. One process writes at a time.
type File struct {
	path string
	mu   sync.Mutex
}

// fileLine is either a plain record or a consolidation commit
type fileLine struct {
	Commit *commitLine `json:"commit,omitempty"`
}

type commitLine struct {
	Summary    *model.Memory    `json:"summary"`
	Superseded []model.MemoryID `json:"superseded"`
}

type fileState struct {
	records    map[model.MemoryID]*model.Memory
	order      []model.MemoryID
	size       int64
	terminated bool
}

// NewFile opens (and creates when missing) a JSONL store at path
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, goerr.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, goerr.Wrap(err, "failed to create store directory", goerr.V("path", path))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open store file", goerr.V("path", path))
	}
	if err := f.Close(); err != nil {
		return nil, goerr.Wrap(err, "failed to close store file", goerr.V("path", path))
	}

	return &File{path: path}, nil
}

func (r *File) Path() string { return r.path }

func (r *File) load(ctx context.Context) (*fileState, error) {
	st := &fileState{
		records:    make(map[model.MemoryID]*model.Memory),
		terminated: true,
	}

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, goerr.Wrap(err, "failed to open store file", goerr.V("path", r.path))
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, goerr.Wrap(readErr, "failed to read store file", goerr.V("path", r.path))
		}

		if len(line) > 0 {
			lineNo++
			st.size += int64(len(line))
			st.terminated = line[len(line)-1] == '\n'
			r.decodeLine(ctx, st, lineNo, line)
		}

		if readErr != nil {
			break
		}
	}

	return st, nil
}

func (r *File) decodeLine(ctx context.Context, st *fileState, lineNo int, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var head fileLine
	if err := json.Unmarshal(line, &head); err != nil {
		logCorrupt(ctx, r.path, lineNo, err)
		return
	}
	if head.Commit != nil {
		if err := st.applyCommit(head.Commit); err != nil {
			logCorrupt(ctx, r.path, lineNo, err)
		}
		return
	}

	var mem model.Memory
	if err := json.Unmarshal(line, &mem); err != nil {
		logCorrupt(ctx, r.path, lineNo, err)
		return
	}
	if err := mem.Validate(); err != nil {
		logCorrupt(ctx, r.path, lineNo, err)
		return
	}
	st.put(&mem)
}

func (st *fileState) put(mem *model.Memory) {
	if _, ok := st.records[mem.ID]; !ok {
		st.order = append(st.order, mem.ID)
	}
	st.records[mem.ID] = mem
}

// applyCommit applies a commit line entirely or not at all
func (st *fileState) applyCommit(c *commitLine) error {
	if c.Summary == nil {
		return goerr.New("commit without summary")
	}
	if err := c.Summary.Validate(); err != nil {
		return err
	}
	if _, ok := st.records[c.Summary.ID]; ok {
		return goerr.New("commit summary id already used", goerr.V("id", c.Summary.ID))
	}
	for _, id := range c.Superseded {
		if _, ok := st.records[id]; !ok {
			return goerr.New("commit supersedes unknown record", goerr.V("id", id))
		}
	}

	st.put(c.Summary)
	for _, id := range c.Superseded {
		updated := st.records[id].Clone()
		updated.SupersededBy = c.Summary.ID
		st.records[id] = updated
	}
	return nil
}

func logCorrupt(ctx context.Context, path string, lineNo int, cause error) {
	err := goerr.Wrap(model.ErrCorruptRecord, "skipped corrupt memory record",
		goerr.V("path", path),
		goerr.V("line", lineNo),
		goerr.V("cause", cause.Error()))
	logging.From(ctx).Warn("skipped corrupt memory record", "error", err)
}

// appendLine writes one line with a single write. On failure the file is
// truncated back to its previous size.
func (r *File) appendLine(st *fileState, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal store line")
	}

	var buf bytes.Buffer
	if !st.terminated {
		buf.WriteByte('\n')
	}
	buf.Write(raw)
	buf.WriteByte('\n')

	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return goerr.Wrap(err, "failed to open store file for append", goerr.V("path", r.path))
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Truncate(st.size)
		_ = f.Close()
		return goerr.Wrap(err, "failed to append to store file", goerr.V("path", r.path))
	}
	if err := f.Sync(); err != nil {
		_ = f.Truncate(st.size)
		_ = f.Close()
		return goerr.Wrap(err, "failed to sync store file", goerr.V("path", r.path))
	}
	if err := f.Close(); err != nil {
		return goerr.Wrap(err, "failed to close store file", goerr.V("path", r.path))
	}

	return nil
}

func (r *File) PutMemory(ctx context.Context, mem *model.Memory) error {
	if err := mem.Validate(); err != nil {
		return goerr.Wrap(model.ErrInvalidMemory, "refused to store invalid memory", goerr.V("reason", err.Error()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := st.records[mem.ID]; ok {
		return goerr.Wrap(model.ErrDuplicateID, "memory id already used", goerr.V("id", mem.ID))
	}

	return r.appendLine(st, mem)
}

func (r *File) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	mem, ok := st.records[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrMemoryNotFound, "memory not found", goerr.V("id", id))
	}
	return mem, nil
}

func (r *File) ListMemories(ctx context.Context) ([]*model.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Memory, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.records[id])
	}
	return out, nil
}

func (r *File) CommitConsolidation(ctx context.Context, result *model.ConsolidationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(ctx)
	if err != nil {
		return err
	}

	lookup := func(id model.MemoryID) (*model.Memory, bool) {
		mem, ok := st.records[id]
		return mem, ok
	}
	if err := checkCommit(result, lookup); err != nil {
		return err
	}

	return r.appendLine(st, &fileLine{Commit: &commitLine{
		Summary:    result.Summary,
		Superseded: result.MergedIDs,
	}})
}

// Compact rewrites the file so that every ID appears on exactly one plain
// record line with its latest version. Corrupt lines are dropped. Superseded
// records are kept.
func (r *File) Compact(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(ctx)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".compact-*")
	if err != nil {
		return 0, goerr.Wrap(err, "failed to create compaction file", goerr.V("path", r.path))
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, id := range st.order {
		raw, err := json.Marshal(st.records[id])
		if err != nil {
			_ = tmp.Close()
			return 0, goerr.Wrap(err, "failed to marshal memory", goerr.V("id", id))
		}
		_, _ = w.Write(raw)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return 0, goerr.Wrap(err, "failed to write compaction file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, goerr.Wrap(err, "failed to sync compaction file")
	}
	if err := tmp.Close(); err != nil {
		return 0, goerr.Wrap(err, "failed to close compaction file")
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return 0, goerr.Wrap(err, "failed to replace store file", goerr.V("path", r.path))
	}

	return len(st.order), nil
}

func (r *File) Close() error { return nil }
