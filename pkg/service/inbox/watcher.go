// Package inbox ingests memory records dropped as JSON files into a directory.
//
// Writers should create the file under another name and rename it to *.json
// once complete; a partially written file is rejected. A file being ingested
// is renamed to *.json.claimed.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/policy"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

const (
	fileExt         = ".json"
	rejectedExt     = ".rejected"
	claimedExt      = ".claimed"
	defaultPoll     = 30 * time.Second
	defaultMaxBytes = 1 << 20
)

// ErrInvalidEntry marks an inbox file that can never be stored
var ErrInvalidEntry = goerr.New("invalid inbox entry")

// Ingester stores a memory record
type Ingester interface {
	Remember(ctx context.Context, content string, tags []string, importance float64) (*model.Memory, error)
}

// Entry is the content of one inbox file
type Entry struct {
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Importance *float64 `json:"importance"`
}

type Watcher struct {
	dir      string
	ingester Ingester
	poll     time.Duration

	// files put back after a failed store wait for the next scan
	mu      sync.Mutex
	waiting map[string]struct{}
}

type Option func(*Watcher)

// WithPollInterval sets the interval of the fallback directory scan
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.poll = d
	}
}

func New(dir string, ingester Ingester, opts ...Option) (*Watcher, error) {
	if dir == "" {
		return nil, goerr.New("inbox directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, goerr.Wrap(err, "failed to create inbox directory", goerr.V("dir", dir))
	}

	w := &Watcher{
		dir:      dir,
		ingester: ingester,
		poll:     defaultPoll,
		waiting:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run ingests files already in the directory, then watches for new ones until
// ctx is done. A periodic scan catches files whose events were missed.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logging.From(ctx).With("inbox", w.dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "failed to create inbox watcher")
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return goerr.Wrap(err, "failed to watch inbox directory", goerr.V("dir", w.dir))
	}

	w.warnClaimed(ctx)
	w.Scan(ctx)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	logger.Info("inbox watcher started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("inbox watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isInboxFile(event.Name) || w.isWaiting(event.Name) {
				continue
			}
			w.handle(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("inbox watcher error", "error", err)

		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

func isInboxFile(path string) bool {
	return strings.HasSuffix(path, fileExt) && !strings.HasPrefix(filepath.Base(path), ".")
}

// warnClaimed reports files claimed by an earlier run that stopped before
// finishing them. They may or may not have been stored, so they are left for
// the operator instead of being ingested again.
func (w *Watcher) warnClaimed(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*"+fileExt+claimedExt))
	if err != nil {
		return
	}
	for _, m := range matches {
		logging.From(ctx).Warn("inbox file claimed by an interrupted run", "file", m)
	}
}

// Scan ingests every pending file in name order and returns how many were stored
func (w *Watcher) Scan(ctx context.Context) int {
	w.mu.Lock()
	clear(w.waiting)
	w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logging.From(ctx).Warn("failed to read inbox directory", "dir", w.dir, "error", err)
		return 0
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isInboxFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	stored := 0
	for _, name := range names {
		if w.handle(ctx, filepath.Join(w.dir, name)) {
			stored++
		}
	}
	return stored
}

func (w *Watcher) handle(ctx context.Context, path string) bool {
	logger := logging.From(ctx)

	mem, err := w.ProcessFile(ctx, path)
	switch {
	case err == nil:
		logger.Info("inbox memory stored", "file", path, "id", mem.ID)
		return true
	case mem != nil:
		logger.Error("inbox memory stored but claimed file remains", "file", path+claimedExt, "id", mem.ID, "error", err)
		return true
	case errors.Is(err, fs.ErrNotExist):
		// already handled by an earlier event
		return false
	case errors.Is(err, ErrInvalidEntry):
		logger.Warn("inbox file rejected", "file", path, "error", err)
		return false
	default:
		logger.Warn("inbox file left for retry", "file", path, "error", err)
		w.mu.Lock()
		w.waiting[path] = struct{}{}
		w.mu.Unlock()
		return false
	}
}

func (w *Watcher) isWaiting(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.waiting[path]
	return ok
}

const defaultImportance = 0.5

// ProcessFile stores the entry in path. The file is first claimed by renaming
// it out of the *.json namespace, so it is stored at most once even when the
// final removal fails. An invalid entry is renamed to *.rejected and a failed
// store puts the file back for the next scan.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (*model.Memory, error) {
	claimed := path + claimedExt
	if err := os.Rename(path, claimed); err != nil {
		return nil, goerr.Wrap(err, "failed to claim inbox file", goerr.V("path", path))
	}

	mem, err := w.ingest(ctx, claimed)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidEntry):
		if rerr := os.Rename(claimed, path+rejectedExt); rerr != nil {
			logging.From(ctx).Error("failed to mark inbox file rejected", "file", claimed, "error", rerr)
		}
		return nil, err
	default:
		if rerr := os.Rename(claimed, path); rerr != nil {
			logging.From(ctx).Error("failed to release inbox file", "file", claimed, "error", rerr)
		}
		return nil, err
	}

	if err := os.Remove(claimed); err != nil {
		return mem, goerr.Wrap(err, "failed to remove ingested inbox file", goerr.V("path", claimed))
	}
	return mem, nil
}

func (w *Watcher) ingest(ctx context.Context, path string) (*model.Memory, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to stat inbox file", goerr.V("path", path))
	}
	if info.Size() > defaultMaxBytes {
		return nil, goerr.Wrap(ErrInvalidEntry, "inbox file too large", goerr.V("path", path), goerr.V("size", info.Size()))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read inbox file", goerr.V("path", path))
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, goerr.Wrap(ErrInvalidEntry, "failed to decode inbox file", goerr.V("path", path), goerr.V("error", err.Error()))
	}

	importance := defaultImportance
	if entry.Importance != nil {
		importance = *entry.Importance
	}

	mem, err := w.ingester.Remember(ctx, entry.Content, entry.Tags, importance)
	if errors.Is(err, model.ErrInvalidMemory) || errors.Is(err, policy.ErrRejected) {
		return nil, goerr.Wrap(ErrInvalidEntry, "inbox entry refused", goerr.V("path", path), goerr.V("error", err.Error()))
	}
	if err != nil {
		return nil, err
	}
	return mem, nil
}
