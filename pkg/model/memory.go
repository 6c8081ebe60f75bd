package model

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

func (x MemoryID) String() string {
	return string(x)
}

// Memory is a single stored memory record. Records are immutable after creation
// except for SupersededBy, which is set once when the record is consolidated.
type Memory struct {
	ID           MemoryID  `json:"id" firestore:"id"`
	Content      string    `json:"content" firestore:"content"`
	Tags         []string  `json:"tags" firestore:"tags"`
	CreatedAt    time.Time `json:"created_at" firestore:"created_at"`
	Importance   float64   `json:"importance" firestore:"importance"`
	SupersededBy MemoryID  `json:"superseded_by" firestore:"superseded_by"`
}

// NewMemory creates a validated memory record with a fresh ID
func NewMemory(content string, tags []string, importance float64) (*Memory, error) {
	mem := &Memory{
		ID:         NewMemoryID(),
		Content:    strings.TrimSpace(content),
		Tags:       NormalizeTags(tags),
		CreatedAt:  time.Now().UTC(),
		Importance: importance,
	}

	if err := mem.Validate(); err != nil {
		return nil, goerr.Wrap(ErrInvalidMemory, "failed to create memory", goerr.V("reason", err.Error()))
	}

	return mem, nil
}

// Validate checks required fields. It is used both at construction and when
// loading persisted records.
func (x *Memory) Validate() error {
	if x.ID == "" {
		return goerr.New("memory id is empty")
	}
	if strings.TrimSpace(x.Content) == "" {
		return goerr.New("memory content is empty", goerr.V("id", x.ID))
	}
	if x.CreatedAt.IsZero() {
		return goerr.New("memory created_at is zero", goerr.V("id", x.ID))
	}
	if math.IsNaN(x.Importance) || x.Importance < 0 || x.Importance > 1 {
		return goerr.New("memory importance out of range", goerr.V("id", x.ID), goerr.V("importance", x.Importance))
	}
	if x.SupersededBy == x.ID {
		return goerr.New("memory superseded by itself", goerr.V("id", x.ID))
	}
	return nil
}

// IsLive reports whether the record has not been superseded
func (x *Memory) IsLive() bool {
	return x.SupersededBy == ""
}

// HasTag reports whether the record carries the tag
func (x *Memory) HasTag(tag string) bool {
	for _, t := range x.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record
func (x *Memory) Clone() *Memory {
	c := *x
	if x.Tags != nil {
		c.Tags = append([]string(nil), x.Tags...)
	}
	return &c
}

// NormalizeTags trims, de-duplicates and sorts tags. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SortMemories orders records by creation time, then ID
func SortMemories(records []*Memory) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
