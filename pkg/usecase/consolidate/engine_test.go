package consolidate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/m-mizutani/hypnos/pkg/usecase/consolidate"
)

type mockSummarizer struct {
	SummarizeFunc func(ctx context.Context, records []*model.Memory) (string, error)
	calls         int
}

func (m *mockSummarizer) Summarize(ctx context.Context, records []*model.Memory) (string, error) {
	m.calls++
	return m.SummarizeFunc(ctx, records)
}

func joinSummarizer() *mockSummarizer {
	return &mockSummarizer{SummarizeFunc: func(_ context.Context, records []*model.Memory) (string, error) {
		parts := make([]string, 0, len(records))
		for _, r := range records {
			parts = append(parts, r.Content)
		}
		return strings.Join(parts, " / "), nil
	}}
}

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type seed struct {
	content    string
	tags       []string
	importance float64
}

func seedStore(t *testing.T, seeds ...seed) (*repository.Memory, []*model.Memory) {
	t.Helper()
	repo := repository.NewMemory()
	var out []*model.Memory
	for i, s := range seeds {
		mem, err := model.NewMemory(s.content, s.tags, s.importance)
		gt.NoError(t, err)
		mem.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
		gt.NoError(t, repo.PutMemory(context.Background(), mem))
		out = append(out, mem)
	}
	return repo, out
}

func snapshot(t *testing.T, repo *repository.Memory) *model.Snapshot {
	t.Helper()
	snap, err := repository.Snapshot(context.Background(), repo, time.Now())
	gt.NoError(t, err)
	return snap
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SimilarityThreshold = 0.3
	return cfg
}

func TestConsolidateThreeSimilarRecords(t *testing.T) {
	repo, records := seedStore(t,
		seed{"coffee with alice at the cafe", []string{"social"}, 0.3},
		seed{"coffee with alice at the station cafe", []string{"social", "travel"}, 0.7},
		seed{"coffee with alice at the new cafe", []string{"social"}, 0.5},
		seed{"dentist appointment on friday", []string{"health"}, 0.9},
	)
	ctx := context.Background()
	before := snapshot(t, repo)

	engine := consolidate.New(repo, joinSummarizer(), testConfig())
	result, err := engine.Run(ctx, before)
	gt.NoError(t, err)

	gt.Equal(t, result.Tag, "social")
	gt.Equal(t, result.MergedIDs, []model.MemoryID{records[0].ID, records[1].ID, records[2].ID})
	gt.Equal(t, result.Summary.Tags, []string{"social", "travel"})
	gt.Equal(t, result.Summary.Importance, 0.7)
	gt.True(t, result.Summary.IsLive())

	after := snapshot(t, repo)
	gt.Equal(t, after.Len(), before.Len()-2)

	for _, r := range records[:3] {
		got, err := repo.GetMemory(ctx, r.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.SupersededBy, result.Summary.ID)
	}
	dentist, err := repo.GetMemory(ctx, records[3].ID)
	gt.NoError(t, err)
	gt.True(t, dentist.IsLive())
}

func TestSummarizerFailureLeavesStoreUnchanged(t *testing.T) {
	repo, _ := seedStore(t,
		seed{"team standup notes", []string{"work"}, 0.5},
		seed{"team standup notes again", []string{"work"}, 0.5},
	)
	ctx := context.Background()
	before, err := repo.ListMemories(ctx)
	gt.NoError(t, err)

	failing := &mockSummarizer{SummarizeFunc: func(context.Context, []*model.Memory) (string, error) {
		return "", errors.New("connection refused")
	}}
	engine := consolidate.New(repo, failing, testConfig())

	_, err = engine.Run(ctx, snapshot(t, repo))
	gt.True(t, errors.Is(err, model.ErrSummarizerUnavailable))

	after, err := repo.ListMemories(ctx)
	gt.NoError(t, err)
	gt.Equal(t, after, before)
}

func TestEmptySummaryIsUnavailable(t *testing.T) {
	repo, _ := seedStore(t,
		seed{"same words", []string{"x"}, 0.5},
		seed{"same words", []string{"x"}, 0.5},
	)
	empty := &mockSummarizer{SummarizeFunc: func(context.Context, []*model.Memory) (string, error) {
		return "  \n", nil
	}}
	_, err := consolidate.New(repo, empty, testConfig()).Run(context.Background(), snapshot(t, repo))
	gt.True(t, errors.Is(err, model.ErrSummarizerUnavailable))
}

func TestSummarizerTimeout(t *testing.T) {
	repo, _ := seedStore(t,
		seed{"same words", []string{"x"}, 0.5},
		seed{"same words", []string{"x"}, 0.5},
	)
	cfg := testConfig()
	cfg.SummarizeTimeoutSeconds = 1

	slow := &mockSummarizer{SummarizeFunc: func(ctx context.Context, _ []*model.Memory) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	_, err := consolidate.New(repo, slow, cfg).Run(context.Background(), snapshot(t, repo))
	gt.True(t, errors.Is(err, model.ErrSummarizerUnavailable))
}

func TestInsufficientData(t *testing.T) {
	t.Run("dissimilar records", func(t *testing.T) {
		repo, _ := seedStore(t,
			seed{"bought new running shoes", []string{"x"}, 0.5},
			seed{"quarterly tax filing deadline", []string{"x"}, 0.5},
		)
		summ := joinSummarizer()
		_, err := consolidate.New(repo, summ, testConfig()).Run(context.Background(), snapshot(t, repo))
		gt.True(t, errors.Is(err, model.ErrInsufficientData))
		gt.Equal(t, summ.calls, 0)
	})

	t.Run("singleton groups", func(t *testing.T) {
		repo, _ := seedStore(t,
			seed{"same words", []string{"a"}, 0.5},
			seed{"same words", []string{"b"}, 0.5},
			seed{"same words", nil, 0.5},
		)
		_, err := consolidate.New(repo, joinSummarizer(), testConfig()).Run(context.Background(), snapshot(t, repo))
		gt.True(t, errors.Is(err, model.ErrInsufficientData))
	})

	t.Run("candidate with one live record", func(t *testing.T) {
		repo, records := seedStore(t,
			seed{"same words", []string{"a"}, 0.5},
			seed{"same words", []string{"a"}, 0.5},
		)
		engine := consolidate.New(repo, joinSummarizer(), testConfig())
		_, err := engine.Consolidate(context.Background(), &model.CandidateGroup{Tag: "a", Records: records[:1]})
		gt.True(t, errors.Is(err, model.ErrInsufficientData))

		_, err = engine.Consolidate(context.Background(), nil)
		gt.True(t, errors.Is(err, model.ErrInsufficientData))
	})
}

func TestSimilarityMustExceedThreshold(t *testing.T) {
	// jaccard of the two contents is exactly 0.5
	repo, records := seedStore(t,
		seed{"alpha beta gamma", []string{"x"}, 0.5},
		seed{"alpha beta delta", []string{"x"}, 0.5},
	)
	snap := snapshot(t, repo)

	cfg := config.Default()
	cfg.SimilarityThreshold = 0.5
	_, err := consolidate.New(repo, joinSummarizer(), cfg).SelectCandidate(context.Background(), snap)
	gt.True(t, errors.Is(err, model.ErrInsufficientData))

	cfg.SimilarityThreshold = 0.49
	candidate, err := consolidate.New(repo, joinSummarizer(), cfg).SelectCandidate(context.Background(), snap)
	gt.NoError(t, err)
	gt.Equal(t, candidate.IDs(), []model.MemoryID{records[0].ID, records[1].ID})
}

func TestSupersededRecordsAreNeverSelectedAgain(t *testing.T) {
	repo, records := seedStore(t,
		seed{"walk in the park", []string{"x"}, 0.5},
		seed{"walk in the park", []string{"x"}, 0.5},
		seed{"walk in the park", []string{"x"}, 0.5},
	)
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRecordsPerPass = 2
	engine := consolidate.New(repo, joinSummarizer(), cfg)

	stale := snapshot(t, repo)
	first, err := engine.Run(ctx, stale)
	gt.NoError(t, err)
	gt.Equal(t, first.MergedIDs, []model.MemoryID{records[0].ID, records[1].ID})

	// A candidate built from the stale snapshot only keeps still-live records
	_, err = engine.Consolidate(ctx, &model.CandidateGroup{Tag: "x", Records: stale.Records()[:2]})
	gt.True(t, errors.Is(err, model.ErrInsufficientData))

	second, err := engine.Run(ctx, snapshot(t, repo))
	gt.NoError(t, err)
	for _, id := range second.MergedIDs {
		gt.NotEqual(t, id, records[0].ID)
		gt.NotEqual(t, id, records[1].ID)
	}
}

func TestCandidateIsCapped(t *testing.T) {
	repo, _ := seedStore(t,
		seed{"daily journal entry", []string{"journal"}, 0.5},
		seed{"daily journal entry", []string{"journal"}, 0.5},
		seed{"daily journal entry", []string{"journal"}, 0.5},
		seed{"daily journal entry", []string{"journal"}, 0.5},
	)
	cfg := testConfig()
	cfg.MaxRecordsPerPass = 3

	candidate, err := consolidate.New(repo, joinSummarizer(), cfg).SelectCandidate(context.Background(), snapshot(t, repo))
	gt.NoError(t, err)
	gt.A(t, candidate.Records).Length(3)
}

func TestSelectionTieBreaks(t *testing.T) {
	repo, records := seedStore(t,
		seed{"blue sky morning", []string{"zeta"}, 0.5},
		seed{"blue sky morning", []string{"zeta"}, 0.5},
		seed{"rainy evening walk", []string{"alpha"}, 0.5},
		seed{"rainy evening walk", []string{"alpha"}, 0.5},
	)

	candidate, err := consolidate.New(repo, joinSummarizer(), testConfig()).SelectCandidate(context.Background(), snapshot(t, repo))
	gt.NoError(t, err)
	gt.Equal(t, candidate.Tag, "alpha")
	gt.Equal(t, candidate.IDs(), []model.MemoryID{records[2].ID, records[3].ID})
}

func TestSelectionPrefersLargestClique(t *testing.T) {
	repo, records := seedStore(t,
		seed{"lunch meeting with bob", []string{"x"}, 0.5},
		seed{"garden tomatoes ripened", []string{"x"}, 0.5},
		seed{"garden tomatoes ripened early", []string{"x"}, 0.5},
		seed{"garden tomatoes ripened late", []string{"x"}, 0.5},
		seed{"lunch meeting with bob again", []string{"x"}, 0.5},
	)

	candidate, err := consolidate.New(repo, joinSummarizer(), testConfig()).SelectCandidate(context.Background(), snapshot(t, repo))
	gt.NoError(t, err)
	gt.Equal(t, candidate.IDs(), []model.MemoryID{records[1].ID, records[2].ID, records[3].ID})
}

func TestSelectionIsDeterministic(t *testing.T) {
	seeds := []seed{
		{"morning run by the river", []string{"fitness"}, 0.5},
		{"morning run by the river again", []string{"fitness"}, 0.5},
		{"evening yoga class", []string{"fitness"}, 0.5},
		{"evening yoga class was calm", []string{"fitness"}, 0.5},
		{"evening yoga class again", []string{"fitness"}, 0.5},
	}

	repo, _ := seedStore(t, seeds...)
	engine := consolidate.New(repo, joinSummarizer(), testConfig())
	snap := snapshot(t, repo)

	first, err := engine.SelectCandidate(context.Background(), snap)
	gt.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := engine.SelectCandidate(context.Background(), snap)
		gt.NoError(t, err)
		gt.Equal(t, again.IDs(), first.IDs())
	}
}

func TestSummaryTimestampUsesClock(t *testing.T) {
	repo, _ := seedStore(t,
		seed{"same words", []string{"x"}, 0.5},
		seed{"same words", []string{"x"}, 0.5},
	)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := consolidate.New(repo, joinSummarizer(), testConfig(),
		consolidate.WithClock(func() time.Time { return fixed }))

	result, err := engine.Run(context.Background(), snapshot(t, repo))
	gt.NoError(t, err)
	gt.True(t, result.Summary.CreatedAt.Equal(fixed))
}
