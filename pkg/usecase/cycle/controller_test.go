package cycle_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hypnos/pkg/adapter"
	"github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/m-mizutani/hypnos/pkg/scorer"
	"github.com/m-mizutani/hypnos/pkg/usecase/consolidate"
	"github.com/m-mizutani/hypnos/pkg/usecase/cycle"
)

type mockSummarizer struct {
	SummarizeFunc func(ctx context.Context, records []*model.Memory) (string, error)
}

func (m *mockSummarizer) Summarize(ctx context.Context, records []*model.Memory) (string, error) {
	return m.SummarizeFunc(ctx, records)
}

type mockSink struct {
	mu       sync.Mutex
	received []*model.CycleStats
	err      error
}

func (m *mockSink) Emit(_ context.Context, stats *model.CycleStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, stats)
	return m.err
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

type mockConsolidator struct {
	RunFunc func(ctx context.Context, snapshot *model.Snapshot) (*model.ConsolidationResult, error)
	mu      sync.Mutex
	calls   int
}

func (m *mockConsolidator) Run(ctx context.Context, snapshot *model.Snapshot) (*model.ConsolidationResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.RunFunc(ctx, snapshot)
}

type mockHost struct {
	MemoryFunc func(ctx context.Context) (*adapter.HostMemory, error)
	LoadFunc   func(ctx context.Context) (float64, error)
}

func (m *mockHost) Memory(ctx context.Context) (*adapter.HostMemory, error) {
	return m.MemoryFunc(ctx)
}

func (m *mockHost) Load(ctx context.Context) (float64, error) {
	return m.LoadFunc(ctx)
}

func fixedHost(load float64) *mockHost {
	const mb = 1024 * 1024
	return &mockHost{
		MemoryFunc: func(context.Context) (*adapter.HostMemory, error) {
			return &adapter.HostMemory{
				ProcessRSS:      100 * mb,
				ProcessVMS:      400 * mb,
				SystemTotal:     4096 * mb,
				SystemAvailable: 1024 * mb,
			}, nil
		},
		LoadFunc: func(context.Context) (float64, error) { return load, nil },
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func concatSummarizer() *mockSummarizer {
	return &mockSummarizer{SummarizeFunc: func(_ context.Context, records []*model.Memory) (string, error) {
		parts := make([]string, 0, len(records))
		for _, r := range records {
			parts = append(parts, r.Content)
		}
		return strings.Join(parts, " / "), nil
	}}
}

func put(t *testing.T, repo *repository.Memory, content string, tags ...string) *model.Memory {
	t.Helper()
	mem, err := model.NewMemory(content, tags, 0.5)
	gt.NoError(t, err)
	gt.NoError(t, repo.PutMemory(context.Background(), mem))
	return mem
}

// fragmentedStore holds one mergeable pair tagged "pets" and eight isolated
// records, giving a tag group score of 8/9.
func fragmentedStore(t *testing.T) (*repository.Memory, []*model.Memory) {
	t.Helper()
	repo := repository.NewMemory()
	pair := []*model.Memory{
		put(t, repo, "fed the cat in the morning", "pets"),
		put(t, repo, "fed the cat in the evening", "pets"),
	}
	for i := 0; i < 8; i++ {
		put(t, repo, fmt.Sprintf("isolated thought number %d", i), fmt.Sprintf("topic%d", i))
	}
	return repo, pair
}

type fixture struct {
	repo  *repository.Memory
	sink  *mockSink
	clock *clock
	cfg   *config.Config
}

func newController(t *testing.T, repo *repository.Memory, summ *mockSummarizer, mutate ...func(*config.Config)) (*cycle.Controller, *fixture) {
	t.Helper()
	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}
	fx := &fixture{
		repo:  repo,
		sink:  &mockSink{},
		clock: &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		cfg:   cfg,
	}
	engine := consolidate.New(repo, summ, cfg, consolidate.WithClock(fx.clock.Now))
	ctrl := cycle.New(repo, &scorer.TagGroups{MinClusterSize: cfg.MinClusterSize}, engine, fx.sink, cfg,
		cycle.WithClock(fx.clock.Now))
	return ctrl, fx
}

func TestTickBelowThreshold(t *testing.T) {
	repo := repository.NewMemory()
	for i := 0; i < 10; i++ {
		put(t, repo, fmt.Sprintf("note %d", i), "x")
	}
	ctrl, fx := newController(t, repo, concatSummarizer())

	state, stats := ctrl.Tick(context.Background(), model.NewCycleState())
	gt.V(t, stats).Equal(nil)
	gt.Equal(t, state.Phase, model.PhaseIdle)
	gt.Equal(t, state.TotalCycles, 1)
	gt.Equal(t, state.TotalPasses, 0)
	gt.Equal(t, fx.sink.count(), 0)
}

func TestTickConsolidates(t *testing.T) {
	repo, pair := fragmentedStore(t)
	ctrl, fx := newController(t, repo, concatSummarizer())

	initial := model.NewCycleState()
	state, stats := ctrl.Tick(context.Background(), initial)
	gt.V(t, stats).NotNil()

	gt.Equal(t, stats.Outcome, model.OutcomeSuccess)
	gt.Equal(t, stats.RecordsMerged, 2)
	gt.Equal(t, stats.LiveBefore, 10)
	gt.Equal(t, stats.LiveAfter, 9)
	gt.True(t, stats.PreScore >= fx.cfg.FragmentationThreshold)
	gt.NotEqual(t, stats.SummaryID, model.MemoryID(""))
	gt.False(t, stats.Forced)

	gt.Equal(t, state.Phase, model.PhaseIdle)
	gt.Equal(t, state.TotalCycles, 1)
	gt.Equal(t, state.TotalPasses, 1)
	gt.Equal(t, state.TotalConsolidations, 1)
	gt.Equal(t, state.TotalMemoriesProcessed, 2)
	gt.True(t, state.LastPassAt.Equal(fx.clock.Now()))
	gt.A(t, state.SavingsHistory).Length(1)
	gt.Equal(t, state.SavingsHistory[0].EntriesBefore, 10)
	gt.Equal(t, state.SavingsHistory[0].EntriesAfter, 9)
	gt.Equal(t, stats.Trigger, model.TriggerFragmentation)

	// the joined summary is longer than the two records by its separator
	savings := state.SavingsHistory[0]
	gt.Equal(t, savings.BytesAfter-savings.BytesBefore, int64(len(" / ")))
	gt.Equal(t, savings.Before.StoreEntries, 10)
	gt.Equal(t, savings.After.StoreEntries, 9)
	gt.Equal(t, savings.Before.ProcessRSSMB, 0.0)

	// the caller's value is not modified
	gt.Equal(t, initial.TotalCycles, 0)
	gt.A(t, initial.SavingsHistory).Length(0)

	gt.Equal(t, fx.sink.count(), 1)
	gt.Equal(t, fx.sink.received[0], stats)

	for _, mem := range pair {
		got, err := repo.GetMemory(context.Background(), mem.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.SupersededBy, stats.SummaryID)
	}
}

func TestTickSummarizerUnavailable(t *testing.T) {
	repo, _ := fragmentedStore(t)
	failing := &mockSummarizer{SummarizeFunc: func(context.Context, []*model.Memory) (string, error) {
		return "", errors.New("model server offline")
	}}
	ctrl, fx := newController(t, repo, failing)

	before, err := repo.ListMemories(context.Background())
	gt.NoError(t, err)

	state, stats := ctrl.Tick(context.Background(), model.NewCycleState())
	gt.V(t, stats).NotNil()
	gt.Equal(t, stats.Outcome, model.OutcomeSummarizerUnavailable)
	gt.Equal(t, stats.RecordsMerged, 0)
	gt.Equal(t, stats.LiveAfter, stats.LiveBefore)
	gt.S(t, stats.Error).Contains("summarizer")

	gt.Equal(t, state.Phase, model.PhaseIdle)
	gt.Equal(t, state.TotalPasses, 1)
	gt.Equal(t, state.TotalConsolidations, 0)
	gt.True(t, state.LastPassAt.IsZero())
	gt.Equal(t, fx.sink.count(), 1)

	after, err := repo.ListMemories(context.Background())
	gt.NoError(t, err)
	gt.Equal(t, after, before)

	// the next tick retries
	_, stats = ctrl.Tick(context.Background(), state)
	gt.V(t, stats).NotNil()
	gt.Equal(t, fx.sink.count(), 2)
}

func TestTickInsufficientDataIsReported(t *testing.T) {
	repo := repository.NewMemory()
	for i := 0; i < 5; i++ {
		put(t, repo, fmt.Sprintf("lonely %d", i), fmt.Sprintf("tag%d", i))
	}
	ctrl, fx := newController(t, repo, concatSummarizer())

	state, stats := ctrl.Tick(context.Background(), model.NewCycleState())
	gt.V(t, stats).NotNil()
	gt.Equal(t, stats.Outcome, model.OutcomeInsufficientData)
	gt.Equal(t, stats.PreScore, 1.0)
	gt.Equal(t, state.Phase, model.PhaseIdle)
	gt.Equal(t, fx.sink.count(), 1)
}

func TestConcurrentTicksRunOnePass(t *testing.T) {
	repo, _ := fragmentedStore(t)
	cfg := config.Default()

	entered := make(chan struct{})
	release := make(chan struct{})
	engine := &mockConsolidator{RunFunc: func(context.Context, *model.Snapshot) (*model.ConsolidationResult, error) {
		close(entered)
		<-release
		return nil, model.ErrInsufficientData
	}}
	sink := &mockSink{}
	ctrl := cycle.New(repo, &scorer.TagGroups{MinClusterSize: 2}, engine, sink, cfg)

	ctx := context.Background()
	state := model.NewCycleState()

	var wg sync.WaitGroup
	var first *model.CycleStats
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, first = ctrl.Tick(ctx, state)
	}()

	<-entered
	for i := 0; i < 2; i++ {
		dropped, stats := ctrl.Tick(ctx, state)
		gt.V(t, stats).Equal(nil)
		gt.Equal(t, dropped, state)
	}

	cond, err := ctrl.Check(ctx, state)
	gt.NoError(t, err)
	gt.True(t, cond.InFlight)
	gt.False(t, cond.WouldConsolidate)

	close(release)
	wg.Wait()

	gt.V(t, first).NotNil()
	gt.Equal(t, engine.calls, 1)
	gt.Equal(t, sink.count(), 1)
}

func TestTickDroppedWhenStateIsConsolidating(t *testing.T) {
	repo, _ := fragmentedStore(t)
	ctrl, fx := newController(t, repo, concatSummarizer())

	state := model.NewCycleState()
	state.Phase = model.PhaseConsolidating
	next, stats := ctrl.Tick(context.Background(), state)
	gt.V(t, stats).Equal(nil)
	gt.Equal(t, next, state)
	gt.Equal(t, fx.sink.count(), 0)
}

func TestCooldown(t *testing.T) {
	repo, _ := fragmentedStore(t)
	put(t, repo, "walked the dog in the park", "dog")
	put(t, repo, "walked the dog in the rain", "dog")

	ctrl, fx := newController(t, repo, concatSummarizer(), func(cfg *config.Config) {
		cfg.MinConsolidationIntervalSeconds = 3600
		cfg.FragmentationThreshold = 0.5
	})
	ctx := context.Background()

	state, stats := ctrl.Tick(ctx, model.NewCycleState())
	gt.V(t, stats).NotNil()
	gt.Equal(t, stats.Outcome, model.OutcomeSuccess)

	fx.clock.Advance(30 * time.Minute)
	state, stats = ctrl.Tick(ctx, state)
	gt.V(t, stats).Equal(nil)

	cond, err := ctrl.Check(ctx, state)
	gt.NoError(t, err)
	gt.Equal(t, cond.CooldownRemaining, 30*time.Minute)
	gt.False(t, cond.WouldConsolidate)

	fx.clock.Advance(31 * time.Minute)
	state, stats = ctrl.Tick(ctx, state)
	gt.V(t, stats).NotNil()
	gt.Equal(t, stats.Outcome, model.OutcomeSuccess)
	gt.Equal(t, state.TotalConsolidations, 2)
}

func TestForceIgnoresThreshold(t *testing.T) {
	repo := repository.NewMemory()
	put(t, repo, "weekly grocery list milk eggs", "shopping")
	put(t, repo, "weekly grocery list milk bread", "shopping")

	ctrl, fx := newController(t, repo, concatSummarizer())
	ctx := context.Background()

	_, stats := ctrl.Tick(ctx, model.NewCycleState())
	gt.V(t, stats).Equal(nil)

	state, stats := ctrl.Force(ctx, model.NewCycleState())
	gt.V(t, stats).NotNil()
	gt.True(t, stats.Forced)
	gt.Equal(t, stats.Outcome, model.OutcomeSuccess)
	gt.Equal(t, stats.PreScore, 0.0)
	gt.Equal(t, state.TotalConsolidations, 1)
	gt.Equal(t, fx.sink.count(), 1)
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	repo, _ := fragmentedStore(t)
	ctrl, fx := newController(t, repo, concatSummarizer())
	fx.sink.err = errors.New("sink offline")

	state, stats := ctrl.Tick(context.Background(), model.NewCycleState())
	gt.V(t, stats).NotNil()
	gt.Equal(t, stats.Outcome, model.OutcomeSuccess)
	gt.Equal(t, state.Phase, model.PhaseIdle)
}

func TestSavingsHistoryIsCapped(t *testing.T) {
	repo, _ := fragmentedStore(t)
	ctrl, _ := newController(t, repo, concatSummarizer(), func(cfg *config.Config) {
		cfg.StatsHistoryLimit = 2
	})

	state := model.NewCycleState()
	for i := 0; i < 3; i++ {
		state.SavingsHistory = append(state.SavingsHistory, &model.Savings{EntriesBefore: 10 + i, EntriesAfter: 9})
	}
	original := state.SavingsHistory

	next, stats := ctrl.Tick(context.Background(), state)
	gt.V(t, stats).NotNil()
	gt.A(t, next.SavingsHistory).Length(2)
	gt.Equal(t, next.SavingsHistory[0].EntriesBefore, 12)
	gt.Equal(t, next.SavingsHistory[1].EntriesBefore, 10)
	gt.A(t, original).Length(3)
}

// calmStore holds ten similar notes under one tag, far below the fragmentation
// threshold
func calmStore(t *testing.T) *repository.Memory {
	t.Helper()
	repo := repository.NewMemory()
	for i := 0; i < 10; i++ {
		put(t, repo, fmt.Sprintf("note %d", i), "x")
	}
	return repo
}

func newLoadController(repo *repository.Memory, host adapter.Host, threshold float64) *cycle.Controller {
	cfg := config.Default()
	cfg.LoadTriggerThreshold = threshold
	engine := consolidate.New(repo, concatSummarizer(), cfg)
	return cycle.New(repo, &scorer.TagGroups{MinClusterSize: cfg.MinClusterSize}, engine, &mockSink{}, cfg,
		cycle.WithHost(host))
}

func TestLoadTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("load above trigger starts a pass", func(t *testing.T) {
		repo := calmStore(t)
		ctrl := newLoadController(repo, fixedHost(0.95), 0.9)

		state, stats := ctrl.Tick(ctx, model.NewCycleState())
		gt.V(t, stats).NotNil()
		gt.True(t, stats.PreScore < 0.8)
		gt.Equal(t, stats.Trigger, model.TriggerLoad)
		gt.False(t, stats.Forced)
		gt.Equal(t, stats.Outcome, model.OutcomeSuccess)
		gt.Equal(t, stats.ProcessRSSMB, 100.0)

		savings := state.SavingsHistory[0]
		gt.Equal(t, savings.Before.ProcessVMSMB, 400.0)
		gt.Equal(t, savings.Before.SystemPercentUsed, 75.0)
		gt.Equal(t, savings.After.SystemTotalMB, 4096.0)
	})

	t.Run("load at trigger does not", func(t *testing.T) {
		ctrl := newLoadController(calmStore(t), fixedHost(0.9), 0.9)
		_, stats := ctrl.Tick(ctx, model.NewCycleState())
		gt.V(t, stats).Equal(nil)
	})

	t.Run("disabled trigger ignores load", func(t *testing.T) {
		ctrl := newLoadController(calmStore(t), fixedHost(1), 0)
		_, stats := ctrl.Tick(ctx, model.NewCycleState())
		gt.V(t, stats).Equal(nil)
	})

	t.Run("unreadable load is ignored", func(t *testing.T) {
		host := fixedHost(0)
		host.LoadFunc = func(context.Context) (float64, error) { return 0, errors.New("no procfs") }
		ctrl := newLoadController(calmStore(t), host, 0.5)
		_, stats := ctrl.Tick(ctx, model.NewCycleState())
		gt.V(t, stats).Equal(nil)
	})

	t.Run("check reports load", func(t *testing.T) {
		ctrl := newLoadController(calmStore(t), fixedHost(0.95), 0.9)
		cond, err := ctrl.Check(ctx, model.NewCycleState())
		gt.NoError(t, err)
		gt.Equal(t, cond.SystemLoad, 0.95)
		gt.Equal(t, cond.LoadThreshold, 0.9)
		gt.True(t, cond.WouldConsolidate)
	})
}

func TestMeasureUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := model.NewSnapshot([]*model.Memory{
		{ID: "a", Content: "abc", CreatedAt: now},
		{ID: "b", Content: "de", CreatedAt: now, SupersededBy: "a"},
	}, now)

	usage := cycle.MeasureUsage(ctx, nil, snap, now)
	gt.Equal(t, usage.StoreEntries, 1)
	gt.Equal(t, usage.StoreBytes, int64(3))
	gt.Equal(t, usage.ProcessRSSMB, 0.0)

	failing := fixedHost(0)
	failing.MemoryFunc = func(context.Context) (*adapter.HostMemory, error) { return nil, errors.New("no procfs") }
	usage = cycle.MeasureUsage(ctx, failing, snap, now)
	gt.Equal(t, usage.StoreBytes, int64(3))
	gt.Equal(t, usage.SystemTotalMB, 0.0)

	usage = cycle.MeasureUsage(ctx, fixedHost(0), snap, now)
	gt.Equal(t, usage.ProcessRSSMB, 100.0)
	gt.True(t, usage.Timestamp.Equal(now))
}

func TestCheck(t *testing.T) {
	repo, _ := fragmentedStore(t)
	ctrl, fx := newController(t, repo, concatSummarizer())

	cond, err := ctrl.Check(context.Background(), model.NewCycleState())
	gt.NoError(t, err)
	gt.True(t, cond.TakenAt.Equal(fx.clock.Now()))
	gt.Equal(t, cond.Live, 10)
	gt.Equal(t, cond.TagGroups, 9)
	gt.Equal(t, cond.Threshold, fx.cfg.FragmentationThreshold)
	gt.True(t, cond.WouldConsolidate)
	gt.False(t, cond.InFlight)
}

func TestRunLoop(t *testing.T) {
	repo, _ := fragmentedStore(t)
	cfg := config.Default()
	engine := consolidate.New(repo, concatSummarizer(), cfg)
	sink := &mockSink{}

	var mu sync.Mutex
	var hooked []model.CycleState
	ctrl := cycle.New(repo, &scorer.TagGroups{MinClusterSize: 2}, engine, sink, cfg,
		cycle.WithStateHook(func(_ context.Context, st model.CycleState) {
			mu.Lock()
			defer mu.Unlock()
			hooked = append(hooked, st)
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	state := ctrl.Run(ctx, model.NewCycleState(), 20*time.Millisecond)

	gt.Equal(t, state.Phase, model.PhaseIdle)
	gt.True(t, state.TotalCycles >= 2)
	gt.Equal(t, state.TotalConsolidations, 1)

	mu.Lock()
	defer mu.Unlock()
	gt.A(t, hooked).Longer(0)
	gt.Equal(t, hooked[len(hooked)-1], state)
}
