// Package sink delivers cycle statistics to logs, files and BigQuery
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/adapter"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

// Log writes each statistics record to the context logger
type Log struct{}

func (x *Log) Emit(ctx context.Context, stats *model.CycleStats) error {
	logging.From(ctx).Info("cycle stats",
		"timestamp", stats.Timestamp,
		"outcome", stats.Outcome,
		"pre_score", stats.PreScore,
		"post_score", stats.PostScore,
		"records_merged", stats.RecordsMerged,
		"duration_ms", stats.DurationMS,
		"forced", stats.Forced,
	)
	return nil
}

// File appends statistics as JSON lines
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, goerr.New("stats file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, goerr.Wrap(err, "failed to create stats directory", goerr.V("path", path))
	}
	return &File{path: path}, nil
}

func (x *File) Emit(ctx context.Context, stats *model.CycleStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal cycle stats")
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	f, err := os.OpenFile(x.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return goerr.Wrap(err, "failed to open stats file", goerr.V("path", x.path))
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return goerr.Wrap(err, "failed to write stats", goerr.V("path", x.path))
	}
	return nil
}

// ReadAll returns every decodable statistics record in file order. Lines that
// fail to decode are skipped and logged.
func (x *File) ReadAll(ctx context.Context) ([]*model.CycleStats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	f, err := os.Open(x.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to open stats file", goerr.V("path", x.path))
	}
	defer f.Close()

	var out []*model.CycleStats
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var s model.CycleStats
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			logging.From(ctx).Warn("skipped broken stats line", "path", x.path, "line", line, "error", err)
			continue
		}
		out = append(out, &s)
	}
	if err := scanner.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read stats file", goerr.V("path", x.path))
	}
	return out, nil
}

// BigQuery streams statistics into a table, creating it on first use
type BigQuery struct {
	client  adapter.BigQuery
	dataset string
	table   string

	once    sync.Once
	initErr error
}

func NewBigQuery(client adapter.BigQuery, dataset, table string) *BigQuery {
	return &BigQuery{client: client, dataset: dataset, table: table}
}

func (x *BigQuery) Emit(ctx context.Context, stats *model.CycleStats) error {
	x.once.Do(func() {
		schema, err := bigquery.InferSchema(model.CycleStats{})
		if err != nil {
			x.initErr = goerr.Wrap(err, "failed to infer stats schema")
			return
		}
		x.initErr = x.client.EnsureTable(ctx, x.dataset, x.table, schema)
	})
	if x.initErr != nil {
		return x.initErr
	}

	if err := x.client.Insert(ctx, x.dataset, x.table, []*model.CycleStats{stats}); err != nil {
		return goerr.Wrap(err, "failed to export cycle stats")
	}
	return nil
}

// Multi forwards to every sink. All sinks are tried; failures are joined.
type Multi []interfaces.StatsSink

func (x Multi) Emit(ctx context.Context, stats *model.CycleStats) error {
	var errs []error
	for _, s := range x {
		if err := s.Emit(ctx, stats); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
