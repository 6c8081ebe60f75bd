package model

import (
	"errors"
	"time"
)

type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseConsolidating Phase = "CONSOLIDATING"
)

type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomeInsufficientData      Outcome = "insufficient_data"
	OutcomeSummarizerUnavailable Outcome = "summarizer_unavailable"
	OutcomeFailed                Outcome = "failed"
)

// OutcomeOf classifies the error returned by a consolidation pass
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInsufficientData):
		return OutcomeInsufficientData
	case errors.Is(err, ErrSummarizerUnavailable):
		return OutcomeSummarizerUnavailable
	default:
		return OutcomeFailed
	}
}

// CycleState is the explicit state of the cycle controller. The caller owns it:
// it is passed into every tick and the updated value is returned.
type CycleState struct {
	Phase                  Phase         `json:"phase"`
	LastPassAt             time.Time     `json:"last_pass_at"`
	TotalCycles            int           `json:"total_cycles"`
	TotalPasses            int           `json:"total_passes"`
	TotalMemoriesProcessed int           `json:"total_memories_processed"`
	TotalConsolidations    int           `json:"total_consolidations"`
	LastDuration           time.Duration `json:"last_duration"`
	SavingsHistory         []*Savings    `json:"savings_history"`
}

// NewCycleState returns an idle state with no history
func NewCycleState() CycleState {
	return CycleState{Phase: PhaseIdle}
}

// Trigger names what started a pass
type Trigger string

const (
	TriggerFragmentation Trigger = "fragmentation"
	TriggerLoad          Trigger = "load"
	TriggerForced        Trigger = "forced"
)

// Usage is a point-in-time view of process, host and store memory. Process and
// host figures are zero when they could not be read.
type Usage struct {
	Timestamp         time.Time `json:"timestamp"`
	ProcessRSSMB      float64   `json:"process_rss_mb"`
	ProcessVMSMB      float64   `json:"process_vms_mb"`
	SystemTotalMB     float64   `json:"system_total_mb"`
	SystemAvailableMB float64   `json:"system_available_mb"`
	SystemPercentUsed float64   `json:"system_percent_used"`
	StoreEntries      int       `json:"store_entries"`
	StoreBytes        int64     `json:"store_bytes"`
}

// Savings records how much of the live store a pass removed
type Savings struct {
	Timestamp     time.Time `json:"timestamp"`
	EntriesBefore int       `json:"entries_before"`
	EntriesAfter  int       `json:"entries_after"`
	BytesBefore   int64     `json:"bytes_before"`
	BytesAfter    int64     `json:"bytes_after"`
	Before        *Usage    `json:"before,omitempty"`
	After         *Usage    `json:"after,omitempty"`
}

// ReductionPercent is the share of live entries removed by the pass
func (x *Savings) ReductionPercent() float64 {
	if x.EntriesBefore <= 0 {
		return 0
	}
	return float64(x.EntriesBefore-x.EntriesAfter) / float64(x.EntriesBefore) * 100
}

// SizeReductionPercent is the share of live content bytes removed by the pass.
// It is negative when the summary is longer than its inputs.
func (x *Savings) SizeReductionPercent() float64 {
	if x.BytesBefore <= 0 {
		return 0
	}
	return float64(x.BytesBefore-x.BytesAfter) / float64(x.BytesBefore) * 100
}

// CycleStats is the structured record emitted after each consolidation pass
type CycleStats struct {
	Timestamp     time.Time `json:"timestamp" bigquery:"timestamp"`
	PreScore      float64   `json:"pre_score" bigquery:"pre_score"`
	PostScore     float64   `json:"post_score" bigquery:"post_score"`
	RecordsMerged int       `json:"records_merged" bigquery:"records_merged"`
	DurationMS    int64     `json:"duration_ms" bigquery:"duration_ms"`
	Outcome       Outcome   `json:"outcome" bigquery:"outcome"`
	Error         string    `json:"error,omitempty" bigquery:"error"`
	SummaryID     MemoryID  `json:"summary_id,omitempty" bigquery:"summary_id"`
	LiveBefore    int       `json:"live_before" bigquery:"live_before"`
	LiveAfter     int       `json:"live_after" bigquery:"live_after"`
	Forced        bool      `json:"forced" bigquery:"forced"`
	Trigger       Trigger   `json:"trigger,omitempty" bigquery:"trigger"`
	BytesBefore   int64     `json:"bytes_before" bigquery:"bytes_before"`
	BytesAfter    int64     `json:"bytes_after" bigquery:"bytes_after"`
	ProcessRSSMB  float64   `json:"process_rss_mb" bigquery:"process_rss_mb"`
}

// CycleReport aggregates statistics of past passes
type CycleReport struct {
	GeneratedAt             time.Time       `json:"generated_at"`
	TotalCycles             int             `json:"total_cycles"`
	TotalPasses             int             `json:"total_passes"`
	TotalConsolidations     int             `json:"total_consolidations"`
	TotalMemoriesProcessed  int             `json:"total_memories_processed"`
	LastPassAt              time.Time       `json:"last_pass_at"`
	LastDuration            time.Duration   `json:"last_duration"`
	Outcomes                map[Outcome]int `json:"outcomes"`
	TotalMerged             int             `json:"total_merged"`
	AverageEntryReduction   float64         `json:"average_entry_reduction_percent"`
	AverageSizeReduction    float64         `json:"average_size_reduction_percent"`
	AverageScoreImprovement float64         `json:"average_score_improvement"`
	CyclesWithMetrics       int             `json:"cycles_with_metrics"`
	Current                 *Usage          `json:"current_usage,omitempty"`
	LastSavings             *Savings        `json:"last_savings,omitempty"`
	RecentSavings           []*Savings      `json:"recent_savings"`
	Recent                  []*CycleStats   `json:"recent"`
}
