// Package cycle runs the periodic consolidation cycle: it scores the store,
// triggers a consolidation pass above the fragmentation threshold and reports
// statistics of every pass.
package cycle

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/hypnos/pkg/adapter"
	"github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/interfaces"
	"github.com/m-mizutani/hypnos/pkg/model"
	"github.com/m-mizutani/hypnos/pkg/repository"
	"github.com/m-mizutani/hypnos/pkg/scorer"
	"github.com/m-mizutani/hypnos/pkg/utils/logging"
)

// Consolidator runs one consolidation pass over a snapshot
type Consolidator interface {
	Run(ctx context.Context, snapshot *model.Snapshot) (*model.ConsolidationResult, error)
}

// Controller holds no cycle state of its own. The caller passes the current
// CycleState into every call and keeps the returned value.
type Controller struct {
	repo     interfaces.Repository
	scorer   scorer.Strategy
	engine   Consolidator
	sink     interfaces.StatsSink
	cfg      *config.Config
	now      func() time.Time
	onState  func(ctx context.Context, state model.CycleState)
	host     adapter.Host
	inFlight atomic.Bool
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithHost enables process memory figures and the load trigger
func WithHost(host adapter.Host) Option {
	return func(c *Controller) {
		c.host = host
	}
}

// WithStateHook registers a callback invoked by Run after every pass
func WithStateHook(fn func(ctx context.Context, state model.CycleState)) Option {
	return func(c *Controller) {
		c.onState = fn
	}
}

func New(repo interfaces.Repository, s scorer.Strategy, engine Consolidator, sink interfaces.StatsSink, cfg *config.Config, opts ...Option) *Controller {
	c := &Controller{
		repo:   repo,
		scorer: s,
		engine: engine,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tick handles one timer tick. A tick arriving while a pass is in flight is
// dropped and returns the state unchanged with nil stats. A tick below the
// fragmentation threshold or inside the cooldown also returns nil stats.
func (c *Controller) Tick(ctx context.Context, state model.CycleState) (model.CycleState, *model.CycleStats) {
	return c.step(ctx, state, false)
}

// Force runs a pass regardless of the threshold and cooldown. It is still
// dropped when another pass is in flight.
func (c *Controller) Force(ctx context.Context, state model.CycleState) (model.CycleState, *model.CycleStats) {
	return c.step(ctx, state, true)
}

func (c *Controller) step(ctx context.Context, state model.CycleState, forced bool) (model.CycleState, *model.CycleStats) {
	logger := logging.From(ctx)

	if state.Phase == model.PhaseConsolidating || !c.inFlight.CompareAndSwap(false, true) {
		logger.Debug("tick dropped, consolidation in flight")
		return state, nil
	}
	defer c.inFlight.Store(false)

	state.TotalCycles++
	now := c.now()

	if !forced {
		if remaining := c.cooldownRemaining(state, now); remaining > 0 {
			logger.Debug("tick skipped, cooling down", "remaining", remaining)
			return state, nil
		}
	}

	snap, err := repository.Snapshot(ctx, c.repo, now)
	if err != nil {
		stats := &model.CycleStats{
			Timestamp: now.UTC(),
			Outcome:   model.OutcomeFailed,
			Error:     err.Error(),
			Forced:    forced,
		}
		logger.Error("failed to take snapshot", "error", err)
		c.emit(ctx, stats)
		return state, stats
	}

	pre := c.scorer.Score(snap)
	trigger := model.TriggerFragmentation
	switch {
	case forced:
		trigger = model.TriggerForced
	case pre >= c.cfg.FragmentationThreshold:
	case c.loadTriggered(ctx):
		trigger = model.TriggerLoad
	default:
		logger.Debug("fragmentation below threshold",
			"score", pre,
			"threshold", c.cfg.FragmentationThreshold,
			"live", snap.Len())
		return state, nil
	}

	return c.pass(ctx, state, snap, pre, trigger)
}

// loadTriggered reports whether the host load exceeds the load trigger
func (c *Controller) loadTriggered(ctx context.Context) bool {
	load, ok := c.load(ctx)
	return ok && load > c.cfg.LoadTriggerThreshold
}

func (c *Controller) load(ctx context.Context) (float64, bool) {
	if c.host == nil || c.cfg.LoadTriggerThreshold <= 0 {
		return 0, false
	}
	load, err := c.host.Load(ctx)
	if err != nil {
		logging.From(ctx).Warn("failed to read host load", "error", err)
		return 0, false
	}
	return load, true
}

// MeasureUsage combines host memory figures with the size of the snapshot.
// host may be nil; a host read failure is logged and leaves its figures zero.
func MeasureUsage(ctx context.Context, host adapter.Host, snap *model.Snapshot, now time.Time) *model.Usage {
	usage := &model.Usage{
		Timestamp:    now.UTC(),
		StoreEntries: snap.Len(),
		StoreBytes:   snap.ContentBytes(),
	}
	if host == nil {
		return usage
	}

	mem, err := host.Memory(ctx)
	if err != nil {
		logging.From(ctx).Warn("failed to read host memory", "error", err)
		return usage
	}

	const mb = 1024 * 1024
	usage.ProcessRSSMB = float64(mem.ProcessRSS) / mb
	usage.ProcessVMSMB = float64(mem.ProcessVMS) / mb
	usage.SystemTotalMB = float64(mem.SystemTotal) / mb
	usage.SystemAvailableMB = float64(mem.SystemAvailable) / mb
	if mem.SystemTotal > 0 {
		usage.SystemPercentUsed = float64(mem.SystemTotal-min(mem.SystemAvailable, mem.SystemTotal)) / float64(mem.SystemTotal) * 100
	}
	return usage
}

func (c *Controller) pass(ctx context.Context, state model.CycleState, snap *model.Snapshot, pre float64, trigger model.Trigger) (model.CycleState, *model.CycleStats) {
	logger := logging.From(ctx)
	state.Phase = model.PhaseConsolidating
	start := c.now()
	before := MeasureUsage(ctx, c.host, snap, start)

	logger.Info("consolidation pass started", "score", pre, "live", snap.Len(), "trigger", trigger)
	result, err := c.engine.Run(ctx, snap)

	stats := &model.CycleStats{
		Timestamp:    start.UTC(),
		PreScore:     pre,
		PostScore:    pre,
		Outcome:      model.OutcomeOf(err),
		LiveBefore:   snap.Len(),
		LiveAfter:    snap.Len(),
		Forced:       trigger == model.TriggerForced,
		Trigger:      trigger,
		BytesBefore:  before.StoreBytes,
		BytesAfter:   before.StoreBytes,
		ProcessRSSMB: before.ProcessRSSMB,
	}

	after := before
	if snapAfter, serr := repository.Snapshot(ctx, c.repo, c.now()); serr == nil {
		stats.PostScore = c.scorer.Score(snapAfter)
		stats.LiveAfter = snapAfter.Len()
		after = MeasureUsage(ctx, c.host, snapAfter, c.now())
		stats.BytesAfter = after.StoreBytes
	} else {
		logger.Warn("failed to take snapshot after pass", "error", serr)
	}

	elapsed := c.now().Sub(start)
	stats.DurationMS = elapsed.Milliseconds()

	state.TotalPasses++
	state.LastDuration = elapsed

	if err != nil {
		stats.Error = err.Error()
		logger.Warn("consolidation pass failed", "outcome", stats.Outcome, "error", err)
	} else {
		stats.RecordsMerged = len(result.MergedIDs)
		stats.SummaryID = result.Summary.ID

		state.LastPassAt = start
		state.TotalConsolidations++
		state.TotalMemoriesProcessed += len(result.MergedIDs)
		savings := &model.Savings{
			Timestamp:     start.UTC(),
			EntriesBefore: stats.LiveBefore,
			EntriesAfter:  stats.LiveAfter,
			BytesBefore:   stats.BytesBefore,
			BytesAfter:    stats.BytesAfter,
			Before:        before,
			After:         after,
		}
		state.SavingsHistory = append(slices.Clone(state.SavingsHistory), savings)
		if limit := c.cfg.StatsHistoryLimit; limit > 0 && len(state.SavingsHistory) > limit {
			state.SavingsHistory = state.SavingsHistory[len(state.SavingsHistory)-limit:]
		}

		logger.Info("consolidation pass finished",
			"merged", stats.RecordsMerged,
			"pre_score", stats.PreScore,
			"post_score", stats.PostScore,
			"entry_reduction_percent", savings.ReductionPercent(),
			"size_reduction_percent", savings.SizeReductionPercent(),
			"duration_ms", stats.DurationMS)
	}

	c.emit(ctx, stats)
	state.Phase = model.PhaseIdle
	return state, stats
}

func (c *Controller) emit(ctx context.Context, stats *model.CycleStats) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Emit(ctx, stats); err != nil {
		logging.From(ctx).Error("failed to emit cycle stats", "error", err)
	}
}

func (c *Controller) cooldownRemaining(state model.CycleState, now time.Time) time.Duration {
	interval := c.cfg.MinConsolidationInterval()
	if interval <= 0 || state.LastPassAt.IsZero() {
		return 0
	}
	return interval - now.Sub(state.LastPassAt)
}

// Condition describes what a tick would do right now
type Condition struct {
	TakenAt           time.Time     `json:"taken_at"`
	Score             float64       `json:"score"`
	Threshold         float64       `json:"threshold"`
	Live              int           `json:"live"`
	TagGroups         int           `json:"tag_groups"`
	SystemLoad        float64       `json:"system_load"`
	LoadThreshold     float64       `json:"load_threshold"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	InFlight          bool          `json:"in_flight"`
	WouldConsolidate  bool          `json:"would_consolidate"`
}

// Check reports the current score and whether a tick would start a pass
func (c *Controller) Check(ctx context.Context, state model.CycleState) (*Condition, error) {
	now := c.now()
	snap, err := repository.Snapshot(ctx, c.repo, now)
	if err != nil {
		return nil, err
	}

	cond := &Condition{
		TakenAt:   snap.TakenAt(),
		Score:     c.scorer.Score(snap),
		Threshold: c.cfg.FragmentationThreshold,
		Live:      snap.Len(),
		TagGroups: len(snap.TagGroups()),
		InFlight:  c.inFlight.Load() || state.Phase == model.PhaseConsolidating,
	}
	if remaining := c.cooldownRemaining(state, now); remaining > 0 {
		cond.CooldownRemaining = remaining
	}
	loadHigh := false
	if load, ok := c.load(ctx); ok {
		cond.SystemLoad = load
		cond.LoadThreshold = c.cfg.LoadTriggerThreshold
		loadHigh = load > cond.LoadThreshold
	}
	cond.WouldConsolidate = !cond.InFlight && cond.CooldownRemaining == 0 &&
		(cond.Score >= cond.Threshold || loadHigh)
	return cond, nil
}

// Run ticks every interval until ctx is done and returns the final state.
// Each pass runs in its own goroutine so the loop keeps receiving ticks;
// ticks arriving during a pass are dropped. A started pass is not cancelled
// by ctx and Run waits for it before returning.
func (c *Controller) Run(ctx context.Context, state model.CycleState, interval time.Duration) model.CycleState {
	logger := logging.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	passCtx := context.WithoutCancel(ctx)
	done := make(chan model.CycleState, 1)
	running := false

	logger.Info("cycle controller started", "interval", interval, "threshold", c.cfg.FragmentationThreshold)

	for {
		select {
		case <-ctx.Done():
			if running {
				logger.Info("waiting for consolidation pass to finish")
				state = <-done
				c.notify(passCtx, state)
			}
			logger.Info("cycle controller stopped", "total_cycles", state.TotalCycles)
			return state

		case next := <-done:
			running = false
			state = next
			c.notify(passCtx, state)

		case <-ticker.C:
			if running {
				logger.Debug("tick dropped, consolidation in flight")
				continue
			}
			running = true
			go func(current model.CycleState) {
				next, _ := c.Tick(passCtx, current)
				done <- next
			}(state)
		}
	}
}

func (c *Controller) notify(ctx context.Context, state model.CycleState) {
	if c.onState != nil {
		c.onState(ctx, state)
	}
}
