package floodseg

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weightedTiles builds count tiles per weight, named "<weight>/<index>". The
// split only looks at names and weights, so no tensor data is attached.
func weightedTiles(countPerWeight int, weights ...int) []*Tile {
	var tiles []*Tile
	for _, weight := range weights {
		for ii := range countPerWeight {
			tiles = append(tiles, &Tile{
				Name:       fmt.Sprintf("%d/%d", weight, ii),
				MaskWeight: weight,
			})
		}
	}
	return tiles
}

func splitNames(tiles []*Tile) map[string]bool {
	names := make(map[string]bool, len(tiles))
	for _, tile := range tiles {
		names[tile.Name] = true
	}
	return names
}

func TestStratifiedSplit(t *testing.T) {
	// 10 tiles in each of the 11 strata: an 0.8 fraction is exact, 8/2 per
	// stratum and 88/22 overall.
	tiles := weightedTiles(10, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	training, testing, err := StratifiedSplit(tiles, 0.8, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Len(t, training, 88)
	assert.Len(t, testing, 22)

	// Disjoint and complete.
	trainingNames, testingNames := splitNames(training), splitNames(testing)
	assert.Len(t, trainingNames, 88)
	assert.Len(t, testingNames, 22)
	for name := range testingNames {
		assert.NotContains(t, trainingNames, name)
	}

	// Every stratum keeps its proportion on both sides.
	countByWeight := func(tiles []*Tile) map[int]int {
		counts := make(map[int]int)
		for _, tile := range tiles {
			counts[tile.MaskWeight]++
		}
		return counts
	}
	for weight, count := range countByWeight(training) {
		assert.Equalf(t, 8, count, "training stratum %d", weight)
	}
	for weight, count := range countByWeight(testing) {
		assert.Equalf(t, 2, count, "testing stratum %d", weight)
	}
}

func TestStratifiedSplitSmallStrata(t *testing.T) {
	// A two-member stratum lands one tile on each side regardless of the
	// fraction, and a lone tile goes to training.
	tiles := append(weightedTiles(2, 3), weightedTiles(1, 10)...)
	training, testing, err := StratifiedSplit(tiles, 0.8, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, training, 2)
	require.Len(t, testing, 1)
	assert.Equal(t, 3, testing[0].MaskWeight)

	var lone int
	for _, tile := range training {
		if tile.MaskWeight == 10 {
			lone++
		}
	}
	assert.Equal(t, 1, lone)
}

func TestStratifiedSplitDeterminism(t *testing.T) {
	tiles := weightedTiles(7, 0, 2, 5, 10)
	training1, testing1, err := StratifiedSplit(tiles, 0.8, rand.New(rand.NewSource(17)))
	require.NoError(t, err)
	training2, testing2, err := StratifiedSplit(tiles, 0.8, rand.New(rand.NewSource(17)))
	require.NoError(t, err)
	assert.Equal(t, splitNames(training1), splitNames(training2))
	assert.Equal(t, splitNames(testing1), splitNames(testing2))
}

func TestStratifiedSplitErrors(t *testing.T) {
	_, _, err := StratifiedSplit(nil, 0.8, rand.New(rand.NewSource(0)))
	assert.Error(t, err)
	tiles := weightedTiles(3, 5)
	for _, fraction := range []float64{0, 1, -0.1, 1.5} {
		_, _, err = StratifiedSplit(tiles, fraction, rand.New(rand.NewSource(0)))
		assert.Errorf(t, err, "fraction %g", fraction)
	}
}
