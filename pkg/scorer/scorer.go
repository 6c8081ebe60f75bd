// Package scorer computes the fragmentation score of a memory snapshot. A higher
// score means the store holds many small isolated tag groups and benefits more
// from consolidation. Every strategy is a pure function of the snapshot and
// returns a value in [0, 1].
package scorer

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/config"
	"github.com/m-mizutani/hypnos/pkg/model"
)

type Strategy interface {
	Score(snapshot *model.Snapshot) float64
}

// New returns the strategy configured by cfg.Scorer
func New(cfg *config.Config) (Strategy, error) {
	switch cfg.Scorer {
	case "", config.ScorerTagGroups:
		return &TagGroups{MinClusterSize: cfg.MinClusterSize}, nil
	case config.ScorerDistribution:
		return &Distribution{}, nil
	default:
		return nil, goerr.New("unknown scorer", goerr.V("scorer", cfg.Scorer))
	}
}

// TagGroups scores the share of tag groups smaller than MinClusterSize. Each
// group weighs the same, so the score is small groups divided by all groups.
type TagGroups struct {
	MinClusterSize int
}

func (x *TagGroups) Score(snapshot *model.Snapshot) float64 {
	if snapshot == nil || snapshot.Len() == 0 {
		return 0
	}

	groups := snapshot.TagGroups()
	if len(groups) < 2 {
		return 0
	}

	small := 0
	for _, records := range groups {
		if len(records) < x.MinClusterSize {
			small++
		}
	}

	return clamp(float64(small) / float64(len(groups)))
}

// Distribution mixes tag diversity with how evenly records spread over tags:
// 0.5 * tags/records + 0.5 * (1 - min(1, stddev/mean)) of the group sizes.
type Distribution struct{}

func (x *Distribution) Score(snapshot *model.Snapshot) float64 {
	if snapshot == nil || snapshot.Len() == 0 {
		return 0
	}

	groups := snapshot.TagGroups()
	if len(groups) < 2 {
		return 0
	}

	sizes := make([]float64, 0, len(groups))
	for _, records := range groups {
		sizes = append(sizes, float64(len(records)))
	}

	diversity := float64(len(groups)) / float64(snapshot.Len())

	mean := 0.0
	for _, s := range sizes {
		mean += s
	}
	mean /= float64(len(sizes))

	variance := 0.0
	for _, s := range sizes {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(sizes))

	uniformity := 1 - math.Min(1, math.Sqrt(variance)/mean)

	return clamp(0.5*diversity + 0.5*uniformity)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
