package model

import (
	"sort"
	"time"
)

// Snapshot is an immutable point-in-time view of the live records of a store.
// Superseded records are excluded and every record is a private copy.
type Snapshot struct {
	takenAt time.Time
	records []*Memory
	byID    map[MemoryID]*Memory
}

// NewSnapshot copies the live records. When an ID appears more than once only
// the first occurrence is kept.
func NewSnapshot(records []*Memory, takenAt time.Time) *Snapshot {
	s := &Snapshot{
		takenAt: takenAt,
		records: make([]*Memory, 0, len(records)),
		byID:    make(map[MemoryID]*Memory, len(records)),
	}

	for _, r := range records {
		if r == nil || !r.IsLive() {
			continue
		}
		if _, ok := s.byID[r.ID]; ok {
			continue
		}
		c := r.Clone()
		s.records = append(s.records, c)
		s.byID[c.ID] = c
	}

	return s
}

func (x *Snapshot) TakenAt() time.Time { return x.takenAt }

func (x *Snapshot) Len() int { return len(x.records) }

// ContentBytes is the total content size of the live records
func (x *Snapshot) ContentBytes() int64 {
	var n int64
	for _, r := range x.records {
		n += int64(len(r.Content))
	}
	return n
}

// Records returns copies of the live records in snapshot order
func (x *Snapshot) Records() []*Memory {
	out := make([]*Memory, len(x.records))
	for i, r := range x.records {
		out[i] = r.Clone()
	}
	return out
}

// Get returns a copy of the record with the ID
func (x *Snapshot) Get(id MemoryID) (*Memory, bool) {
	r, ok := x.byID[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// TagGroups groups live records by tag. A record with several tags belongs to
// each of their groups; untagged records are not grouped. Records inside a group
// are ordered by creation time, then ID.
func (x *Snapshot) TagGroups() map[string][]*Memory {
	groups := make(map[string][]*Memory)
	for _, r := range x.records {
		for _, tag := range r.Tags {
			groups[tag] = append(groups[tag], r.Clone())
		}
	}
	for _, g := range groups {
		SortMemories(g)
	}
	return groups
}

// SortedTags returns the tag names of TagGroups in lexical order
func SortedTags(groups map[string][]*Memory) []string {
	tags := make([]string, 0, len(groups))
	for tag := range groups {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
