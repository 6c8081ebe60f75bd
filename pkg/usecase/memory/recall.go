package memory

import (
	"context"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/index"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/m-mizutani/hypnos/pkg/similarity"
)

// RecallHit is a live record matching a recall query
type RecallHit struct {
	Memory *model.Memory `json:"memory"`
	Score  float64       `json:"score"`
}

// Recall returns up to limit live records most related to query. With an
// embedder the records are ranked through an HNSW index over their
// embeddings, otherwise by lexical overlap.
func (u *UseCase) Recall(ctx context.Context, query string, limit int) ([]*RecallHit, error) {
	if query == "" {
		return nil, goerr.New("recall query is empty")
	}
	if limit <= 0 {
		limit = 5
	}

	snap, err := repository.Snapshot(ctx, u.repo, u.now())
	if err != nil {
		return nil, err
	}

	if u.embedder != nil {
		return u.recallByVector(ctx, snap, query, limit)
	}
	return recallByTokens(snap, query, limit), nil
}

func recallByTokens(snap *model.Snapshot, query string, limit int) []*RecallHit {
	q := similarity.Tokens(query)

	var hits []*RecallHit
	for _, r := range snap.Records() {
		score := similarity.Jaccard(q, similarity.Tokens(r.Content))
		if score <= 0 {
			continue
		}
		hits = append(hits, &RecallHit{Memory: r, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Memory.CreatedAt.After(hits[j].Memory.CreatedAt)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (u *UseCase) recallByVector(ctx context.Context, snap *model.Snapshot, query string, limit int) ([]*RecallHit, error) {
	idx := index.NewHNSW()
	for _, r := range snap.Records() {
		vec, err := u.vector(ctx, r)
		if err != nil {
			return nil, err
		}
		if err := idx.Add(r.ID, vec); err != nil {
			return nil, err
		}
	}

	qvec, err := u.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed recall query")
	}

	found, err := idx.Search(qvec, limit, 0)
	if err != nil {
		return nil, err
	}

	hits := make([]*RecallHit, 0, len(found))
	for _, h := range found {
		if mem, ok := snap.Get(h.ID); ok {
			hits = append(hits, &RecallHit{Memory: mem, Score: h.Similarity})
		}
	}
	return hits, nil
}

// vector returns the cached embedding of a record, computing it on first use
func (u *UseCase) vector(ctx context.Context, mem *model.Memory) ([]float32, error) {
	u.vecMu.Lock()
	vec, ok := u.vectors[mem.ID]
	u.vecMu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := u.embedder.Embed(ctx, mem.Content)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed memory", goerr.V("id", mem.ID))
	}

	u.vecMu.Lock()
	u.vectors[mem.ID] = vec
	u.vecMu.Unlock()
	return vec, nil
}

// Status summarizes the store
type Status struct {
	GeneratedAt   time.Time  `json:"generated_at"`
	Total         int        `json:"total"`
	Live          int        `json:"live"`
	Superseded    int        `json:"superseded"`
	Untagged      int        `json:"untagged"`
	TagGroups     int        `json:"tag_groups"`
	SmallGroups   int        `json:"small_groups"`
	Fragmentation float64    `json:"fragmentation"`
	Threshold     float64    `json:"threshold"`
	TopTags       []TagCount `json:"top_tags"`
}

type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

const topTagLimit = 10

func (u *UseCase) Status(ctx context.Context) (*Status, error) {
	records, err := u.repo.ListMemories(ctx)
	if err != nil {
		return nil, err
	}
	snap := model.NewSnapshot(records, u.now())
	groups := snap.TagGroups()

	st := &Status{
		GeneratedAt:   snap.TakenAt().UTC(),
		Total:         len(records),
		Live:          snap.Len(),
		Superseded:    len(records) - snap.Len(),
		TagGroups:     len(groups),
		Fragmentation: u.scorer.Score(snap),
		Threshold:     u.cfg.FragmentationThreshold,
	}

	for _, r := range snap.Records() {
		if len(r.Tags) == 0 {
			st.Untagged++
		}
	}

	for _, tag := range model.SortedTags(groups) {
		n := len(groups[tag])
		if n < u.cfg.MinClusterSize {
			st.SmallGroups++
		}
		st.TopTags = append(st.TopTags, TagCount{Tag: tag, Count: n})
	}
	sort.SliceStable(st.TopTags, func(i, j int) bool {
		return st.TopTags[i].Count > st.TopTags[j].Count
	})
	if len(st.TopTags) > topTagLimit {
		st.TopTags = st.TopTags[:topTagLimit]
	}

	return st, nil
}
