package index_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hypnos/pkg/index"
	"github.com/m-mizutani/hypnos/pkg/model"
)

func TestHNSWSearch(t *testing.T) {
	idx := index.NewHNSW()
	east := model.NewMemoryID()
	north := model.NewMemoryID()
	northEast := model.NewMemoryID()

	gt.NoError(t, idx.Add(east, []float32{1, 0, 0}))
	gt.NoError(t, idx.Add(north, []float32{0, 1, 0}))
	gt.NoError(t, idx.Add(northEast, []float32{0.7, 0.7, 0}))
	gt.Equal(t, idx.Len(), 3)

	hits, err := idx.Search([]float32{1, 0.1, 0}, 3, 0.5)
	gt.NoError(t, err)
	gt.A(t, hits).Length(2)
	gt.Equal(t, hits[0].ID, east)
	gt.Equal(t, hits[1].ID, northEast)
	gt.True(t, hits[0].Similarity >= hits[1].Similarity)
}

func TestHNSWEmptyAndDuplicates(t *testing.T) {
	idx := index.NewHNSW()
	hits, err := idx.Search([]float32{1, 0}, 5, 0)
	gt.NoError(t, err)
	gt.A(t, hits).Length(0)

	mem := model.NewMemoryID()
	gt.NoError(t, idx.Add(mem, []float32{1, 0}))
	gt.NoError(t, idx.Add(mem, []float32{1, 0}))
	gt.Equal(t, idx.Len(), 1)
}

func TestHNSWDimensionMismatch(t *testing.T) {
	idx := index.NewHNSW()
	gt.NoError(t, idx.Add(model.NewMemoryID(), []float32{1, 0}))
	gt.Error(t, idx.Add(model.NewMemoryID(), []float32{1, 0, 0}))
	gt.Error(t, idx.Add(model.NewMemoryID(), nil))

	_, err := idx.Search([]float32{1}, 1, 0)
	gt.Error(t, err)
}
