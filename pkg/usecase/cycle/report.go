package cycle

import (
	"time"

	"github.com/m-mizutani/hypnos/pkg/model"
)

const recentSavings = 5

// BuildReport aggregates the controller state and past statistics. recent
// limits how many of the latest stats are included verbatim.
func BuildReport(state model.CycleState, stats []*model.CycleStats, now time.Time, recent int) *model.CycleReport {
	report := &model.CycleReport{
		GeneratedAt:            now.UTC(),
		TotalCycles:            state.TotalCycles,
		TotalPasses:            state.TotalPasses,
		TotalConsolidations:    state.TotalConsolidations,
		TotalMemoriesProcessed: state.TotalMemoriesProcessed,
		LastPassAt:             state.LastPassAt,
		LastDuration:           state.LastDuration,
		Outcomes:               make(map[model.Outcome]int),
	}

	var improvement float64
	var successes int
	for _, s := range stats {
		report.Outcomes[s.Outcome]++
		report.TotalMerged += s.RecordsMerged
		if s.Outcome == model.OutcomeSuccess {
			improvement += s.PreScore - s.PostScore
			successes++
		}
	}
	if successes > 0 {
		report.AverageScoreImprovement = improvement / float64(successes)
	}

	if n := len(state.SavingsHistory); n > 0 {
		var entries, size float64
		for _, s := range state.SavingsHistory {
			entries += s.ReductionPercent()
			size += s.SizeReductionPercent()
		}
		report.AverageEntryReduction = entries / float64(n)
		report.AverageSizeReduction = size / float64(n)
		report.CyclesWithMetrics = n
		report.LastSavings = state.SavingsHistory[n-1]
		report.RecentSavings = state.SavingsHistory[max(0, n-recentSavings):]
	}

	if recent > 0 && len(stats) > 0 {
		from := max(0, len(stats)-recent)
		report.Recent = stats[from:]
	}

	return report
}
