package floodseg

import (
	"fmt"
	"io"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// syntheticTile builds an in-memory size x size x channels tile whose first
// pixel value tags it with the given id, so batches can be traced back to the
// tiles they carry.
func syntheticTile(id, size, channels int) *Tile {
	imageFlat := make([]float32, size*size*channels)
	imageFlat[0] = float32(id)
	maskFlat := make([]float32, size*size)
	if id%2 == 0 {
		maskFlat[0] = 1
	}
	return &Tile{
		Name:       fmt.Sprintf("synthetic_%03d", id),
		Image:      tensors.FromFlatDataAndDimensions(imageFlat, size, size, channels),
		Mask:       tensors.FromFlatDataAndDimensions(maskFlat, size, size, 1),
		MaskWeight: 0,
	}
}

func syntheticTiles(count, size, channels int) []*Tile {
	tiles := make([]*Tile, count)
	for ii := range tiles {
		tiles[ii] = syntheticTile(ii, size, channels)
	}
	return tiles
}

func TestTilesToTensors(t *testing.T) {
	tiles := syntheticTiles(5, 4, 3)
	images, masks, err := TilesToTensors(tiles)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 4, 3}, images.Shape().Dimensions)
	assert.Equal(t, []int{5, 4, 4, 1}, masks.Shape().Dimensions)
	tensors.MustConstFlatData[float32](images, func(flat []float32) {
		for ii := range 5 {
			assert.Equal(t, float32(ii), flat[ii*4*4*3])
		}
	})

	// Mixed shapes don't pack.
	tiles = append(tiles, syntheticTile(99, 8, 3))
	_, _, err = TilesToTensors(tiles)
	require.Error(t, err)
}

// yieldTileIDs drains one epoch of ds, returning the tile ids batch by batch
// (read back from the tag pixel) and checking every batch shape on the way.
func yieldTileIDs(t *testing.T, ds train.Dataset, batchSize, size, channels int) (ids []int, batchSizes []int) {
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		imageDims := inputs[0].Shape().Dimensions
		b := imageDims[0]
		assert.LessOrEqual(t, b, batchSize)
		assert.Equal(t, []int{b, size, size, channels}, imageDims)
		assert.Equal(t, []int{b, size, size, 1}, labels[0].Shape().Dimensions)
		batchSizes = append(batchSizes, b)
		tensors.MustConstFlatData[float32](inputs[0], func(flat []float32) {
			for ii := range b {
				ids = append(ids, int(flat[ii*size*size*channels]))
			}
		})
	}
	ds.Reset()
	return ids, batchSizes
}

func TestNewPipelines(t *testing.T) {
	backend := backends.MustNew()
	const (
		numTraining = 32
		numTesting  = 7
		size        = 8
		channels    = 3
		batchSize   = 10
	)
	trainingTiles := syntheticTiles(numTraining, size, channels)
	testingTiles := syntheticTiles(numTesting, size, channels)
	trainDS, trainEvalDS, validationEvalDS, err := NewPipelines(backend, trainingTiles, testingTiles, batchSize)
	require.NoError(t, err)

	// Training epoch: ceil(32/10) batches, the last one short, every tile
	// exactly once.
	epoch1, batchSizes := yieldTileIDs(t, trainDS, batchSize, size, channels)
	assert.Equal(t, []int{10, 10, 10, 2}, batchSizes)
	seen := make(map[int]bool, numTraining)
	for _, id := range epoch1 {
		seen[id] = true
	}
	assert.Len(t, seen, numTraining)

	// A second epoch yields the same tiles reshuffled. With 32 tiles an
	// identical order would be a 1-in-32! fluke.
	epoch2, _ := yieldTileIDs(t, trainDS, batchSize, size, channels)
	assert.ElementsMatch(t, epoch1, epoch2)
	assert.NotEqual(t, epoch1, epoch2)

	// Evaluation pipelines are unshuffled and stable across passes.
	evalPass1, batchSizes := yieldTileIDs(t, validationEvalDS, batchSize, size, channels)
	assert.Equal(t, []int{7}, batchSizes)
	evalPass2, _ := yieldTileIDs(t, validationEvalDS, batchSize, size, channels)
	assert.Equal(t, evalPass1, evalPass2)

	trainEvalPass, batchSizes := yieldTileIDs(t, trainEvalDS, batchSize, size, channels)
	assert.Equal(t, []int{10, 10, 10, 2}, batchSizes)
	assert.ElementsMatch(t, epoch1, trainEvalPass)
}

func TestNewPipelinesSingleBatch(t *testing.T) {
	backend := backends.MustNew()
	trainDS, _, _, err := NewPipelines(backend,
		syntheticTiles(10, 4, 2), syntheticTiles(2, 4, 2), 10)
	require.NoError(t, err)
	ids, batchSizes := yieldTileIDs(t, trainDS, 10, 4, 2)
	assert.Equal(t, []int{10}, batchSizes)
	assert.Len(t, ids, 10)
}
