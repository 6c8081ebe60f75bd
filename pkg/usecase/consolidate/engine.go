// Package consolidate merges related live memory records into one summary
// record per pass.
package consolidate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/similarity"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

// Engine selects candidate groups and commits consolidation results
type Engine struct {
	repo       interfaces.Repository
	summarizer interfaces.Summarizer
	measure    similarity.Measure
	cfg        *config.Config
	now        func() time.Time
}

// Option is a functional option for Engine
type Option func(*Engine)

// WithClock replaces the clock used for summary timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMeasure replaces the similarity measure. Lexical overlap is the default.
func WithMeasure(m similarity.Measure) Option {
	return func(e *Engine) {
		e.measure = m
	}
}

func New(repo interfaces.Repository, summarizer interfaces.Summarizer, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		repo:       repo,
		summarizer: summarizer,
		measure:    &similarity.Lexical{},
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type pairKey struct {
	a, b model.MemoryID
}

// pairwise memoizes similarity of record pairs for one selection
type pairwise struct {
	measure similarity.Measure
	cache   map[pairKey]float64
}

func (p *pairwise) get(ctx context.Context, a, b *model.Memory) (float64, error) {
	key := pairKey{a.ID, b.ID}
	if b.ID < a.ID {
		key = pairKey{b.ID, a.ID}
	}
	if v, ok := p.cache[key]; ok {
		return v, nil
	}
	v, err := p.measure.Similarity(ctx, a, b)
	if err != nil {
		return 0, err
	}
	p.cache[key] = v
	return v, nil
}

// SelectCandidate picks the group to merge in this pass. Within each tag group
// records are taken in creation order and grown greedily into cliques whose
// members are pairwise similar at or above the similarity threshold. The
// largest clique wins. Ties go to the earlier seed record, then to the
// lexically smaller tag. The group is capped at the per-pass record limit.
func (e *Engine) SelectCandidate(ctx context.Context, snapshot *model.Snapshot) (*model.CandidateGroup, error) {
	sims := &pairwise{measure: e.measure, cache: make(map[pairKey]float64)}
	groups := snapshot.TagGroups()

	var best *model.CandidateGroup
	for _, tag := range model.SortedTags(groups) {
		records := groups[tag]
		if len(records) < 2 {
			continue
		}

		clique, err := e.largestClique(ctx, sims, records)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to compare records", goerr.V("tag", tag))
		}
		if len(clique) < 2 {
			continue
		}
		if best == nil || len(clique) > len(best.Records) {
			best = &model.CandidateGroup{Tag: tag, Records: clique}
		}
	}

	if best == nil {
		return nil, goerr.Wrap(model.ErrInsufficientData, "no group of related live records",
			goerr.V("live", snapshot.Len()), goerr.V("groups", len(groups)))
	}
	return best, nil
}

func (e *Engine) largestClique(ctx context.Context, sims *pairwise, records []*model.Memory) ([]*model.Memory, error) {
	var best []*model.Memory
	for i, seed := range records {
		// a later seed can not beat the best when too few records remain
		if len(records)-i <= len(best) {
			break
		}

		clique := []*model.Memory{seed}
		for _, cand := range records[i+1:] {
			if len(clique) >= e.cfg.MaxRecordsPerPass {
				break
			}
			fits := true
			for _, member := range clique {
				s, err := sims.get(ctx, member, cand)
				if err != nil {
					return nil, err
				}
				if s <= e.cfg.SimilarityThreshold {
					fits = false
					break
				}
			}
			if fits {
				clique = append(clique, cand)
			}
		}

		if len(clique) > len(best) {
			best = clique
		}
	}
	return best, nil
}

// Consolidate summarizes the candidate records and commits the summary in one
// atomic step. Records superseded since the snapshot was taken are dropped
// from the group first. Nothing is written when the summarizer fails.
func (e *Engine) Consolidate(ctx context.Context, candidate *model.CandidateGroup) (*model.ConsolidationResult, error) {
	if candidate == nil {
		return nil, goerr.Wrap(model.ErrInsufficientData, "no candidate group")
	}

	live := make([]*model.Memory, 0, len(candidate.Records))
	for _, r := range candidate.Records {
		current, err := e.repo.GetMemory(ctx, r.ID)
		if err != nil {
			if errors.Is(err, model.ErrMemoryNotFound) {
				continue
			}
			return nil, goerr.Wrap(err, "failed to reload candidate record", goerr.V("id", r.ID))
		}
		if current.IsLive() {
			live = append(live, current)
		}
	}
	if len(live) < 2 {
		return nil, goerr.Wrap(model.ErrInsufficientData, "fewer than two live records to merge",
			goerr.V("tag", candidate.Tag), goerr.V("live", len(live)))
	}

	text, err := e.summarize(ctx, live)
	if err != nil {
		return nil, err
	}

	summary, err := model.NewMemory(text, unionTags(live), maxImportance(live))
	if err != nil {
		return nil, goerr.Wrap(model.ErrSummarizerUnavailable, "summary is not a valid memory", goerr.V("cause", err.Error()))
	}
	summary.CreatedAt = e.now().UTC()

	result := &model.ConsolidationResult{
		Tag:       candidate.Tag,
		MergedIDs: (&model.CandidateGroup{Records: live}).IDs(),
		Summary:   summary,
	}
	if err := e.repo.CommitConsolidation(ctx, result); err != nil {
		return nil, goerr.Wrap(err, "failed to commit consolidation", goerr.V("tag", candidate.Tag))
	}

	logging.From(ctx).Info("consolidated memories",
		"tag", result.Tag,
		"merged", len(result.MergedIDs),
		"summary_id", result.Summary.ID)
	return result, nil
}

func (e *Engine) summarize(ctx context.Context, records []*model.Memory) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SummarizeTimeout())
	defer cancel()

	text, err := e.summarizer.Summarize(ctx, records)
	if err != nil {
		if errors.Is(err, model.ErrSummarizerUnavailable) {
			return "", err
		}
		return "", goerr.Wrap(model.ErrSummarizerUnavailable, "summarizer failed",
			goerr.V("cause", err.Error()), goerr.V("records", len(records)))
	}
	if strings.TrimSpace(text) == "" {
		return "", goerr.Wrap(model.ErrSummarizerUnavailable, "summarizer returned empty text")
	}
	return text, nil
}

// Run selects a candidate group from the snapshot and consolidates it
func (e *Engine) Run(ctx context.Context, snapshot *model.Snapshot) (*model.ConsolidationResult, error) {
	candidate, err := e.SelectCandidate(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	return e.Consolidate(ctx, candidate)
}

func unionTags(records []*model.Memory) []string {
	var tags []string
	for _, r := range records {
		tags = append(tags, r.Tags...)
	}
	return model.NormalizeTags(tags)
}

func maxImportance(records []*model.Memory) float64 {
	v := 0.0
	for _, r := range records {
		if r.Importance > v {
			v = r.Importance
		}
	}
	return v
}
