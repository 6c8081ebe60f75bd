package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	content       TEXT NOT NULL,
	tags          TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	importance    REAL NOT NULL DEFAULT 0,
	superseded_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_memories_superseded_by ON memories(superseded_by);
`

// SQLite stores records in a single table of a SQLite database
type SQLite struct {
	db *sql.DB
}

// sqliteDSN applies the pragmas to every connection the pool opens.
// Transactions start with BEGIN IMMEDIATE so a commit waits on busy_timeout
// instead of failing when it upgrades a read lock.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// NewSQLite opens the database at path and creates the schema when missing.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, goerr.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to ping sqlite", goerr.V("path", path))
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to create sqlite schema", goerr.V("path", path))
	}

	return &SQLite{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.Memory, error) {
	var (
		id, content, tags, createdAt, supersededBy string
		importance                                 float64
	)
	if err := row.Scan(&id, &content, &tags, &createdAt, &importance, &supersededBy); err != nil {
		return nil, err
	}

	mem := &model.Memory{
		ID:           model.MemoryID(id),
		Content:      content,
		Importance:   importance,
		SupersededBy: model.MemoryID(supersededBy),
	}
	if err := json.Unmarshal([]byte(tags), &mem.Tags); err != nil {
		return nil, goerr.Wrap(model.ErrCorruptRecord, "invalid tags column", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, goerr.Wrap(model.ErrCorruptRecord, "invalid created_at column", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	mem.CreatedAt = ts

	if err := mem.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrCorruptRecord, "invalid memory row", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return mem, nil
}

const selectColumns = `SELECT id, content, tags, created_at, importance, superseded_by FROM memories`

func insertMemory(ctx context.Context, exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, mem *model.Memory) error {
	tags := mem.Tags
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal tags", goerr.V("id", mem.ID))
	}

	_, err = exec.ExecContext(ctx,
		`INSERT INTO memories (id, content, tags, created_at, importance, superseded_by) VALUES (?, ?, ?, ?, ?, ?)`,
		string(mem.ID), mem.Content, string(raw), mem.CreatedAt.UTC().Format(time.RFC3339Nano), mem.Importance, string(mem.SupersededBy))
	if err != nil {
		return goerr.Wrap(err, "failed to insert memory", goerr.V("id", mem.ID))
	}
	return nil
}

func (r *SQLite) PutMemory(ctx context.Context, mem *model.Memory) error {
	if err := mem.Validate(); err != nil {
		return goerr.Wrap(model.ErrInvalidMemory, "refused to store invalid memory", goerr.V("reason", err.Error()))
	}

	if _, err := r.GetMemory(ctx, mem.ID); err == nil {
		return goerr.Wrap(model.ErrDuplicateID, "memory id already used", goerr.V("id", mem.ID))
	} else if !errors.Is(err, model.ErrMemoryNotFound) {
		return err
	}

	return insertMemory(ctx, r.db, mem)
}

func (r *SQLite) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, string(id))
	mem, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrMemoryNotFound, "memory not found", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
	}
	return mem, nil
}

func (r *SQLite) ListMemories(ctx context.Context) ([]*model.Memory, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY seq`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories")
	}
	defer rows.Close()

	var out []*model.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			if errors.Is(err, model.ErrCorruptRecord) {
				logSkippedRow(ctx, err)
				continue
			}
			return nil, goerr.Wrap(err, "failed to scan memory row")
		}
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate memory rows")
	}

	return out, nil
}

func (r *SQLite) CommitConsolidation(ctx context.Context, result *model.ConsolidationResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	cache := make(map[model.MemoryID]*model.Memory)
	var lookupErr error
	lookup := func(id model.MemoryID) (*model.Memory, bool) {
		if mem, ok := cache[id]; ok {
			return mem, true
		}
		mem, err := scanMemory(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, string(id)))
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) && lookupErr == nil {
				lookupErr = err
			}
			return nil, false
		}
		cache[id] = mem
		return mem, true
	}

	checkErr := checkCommit(result, lookup)
	if lookupErr != nil {
		return goerr.Wrap(lookupErr, "failed to read memory in transaction")
	}
	if checkErr != nil {
		return checkErr
	}

	if err := insertMemory(ctx, tx, result.Summary); err != nil {
		return err
	}

	for _, id := range result.MergedIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE memories SET superseded_by = ? WHERE id = ? AND superseded_by = ''`,
			string(result.Summary.ID), string(id))
		if err != nil {
			return goerr.Wrap(err, "failed to mark memory superseded", goerr.V("id", id))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return goerr.Wrap(err, "failed to read affected rows", goerr.V("id", id))
		}
		if n != 1 {
			return goerr.Wrap(model.ErrAlreadySuperseded, "memory changed during consolidation", goerr.V("id", id))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit consolidation")
	}
	return nil
}

func (r *SQLite) Close() error {
	if err := r.db.Close(); err != nil {
		return goerr.Wrap(err, "failed to close sqlite")
	}
	return nil
}
