package floodseg

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TilesToTensors packs the tiles into one images tensor shaped
// [numTiles, height, width, channels] and one masks tensor shaped
// [numTiles, height, width, 1], both Float32. All tiles must share the same
// image shape. The mask weight is a split key only and is deliberately not
// packed.
func TilesToTensors(tiles []*Tile) (images, masks *tensors.Tensor, err error) {
	if len(tiles) == 0 {
		return nil, nil, errors.New("no tiles to pack")
	}
	dims := tiles[0].Image.Shape().Dimensions
	for _, tile := range tiles {
		if !slices.Equal(tile.Image.Shape().Dimensions, dims) {
			return nil, nil, errors.Errorf("tile %q is shaped %s, but the collection requires %s",
				tile.Name, tile.Image.Shape(), tiles[0].Image.Shape())
		}
	}
	images = tensors.FromShape(shapes.Make(dtypes.Float32, len(tiles), dims[0], dims[1], dims[2]))
	masks = tensors.FromShape(shapes.Make(dtypes.Float32, len(tiles), dims[0], dims[1], 1))
	tensors.MustMutableFlatData[float32](images, func(dst []float32) {
		for ii, tile := range tiles {
			tensors.MustConstFlatData[float32](tile.Image, func(src []float32) {
				copy(dst[ii*len(src):], src)
			})
		}
	})
	tensors.MustMutableFlatData[float32](masks, func(dst []float32) {
		for ii, tile := range tiles {
			tensors.MustConstFlatData[float32](tile.Mask, func(src []float32) {
				copy(dst[ii*len(src):], src)
			})
		}
	})
	return images, masks, nil
}

// NewPipelines builds the three in-memory tensor pipelines used by training:
//
//   - trainDS yields the training tiles in batches of batchSize, reshuffling
//     the whole collection before every epoch. The final short batch is kept.
//   - trainEvalDS and validationEvalDS yield the training and testing tiles
//     respectively, batched but unshuffled, for end-of-epoch evaluation.
//
// Each yielded batch is a pair of (images, masks) tensors shaped
// [b, height, width, channels] and [b, height, width, 1] with b <= batchSize.
func NewPipelines(backend backends.Backend, trainingTiles, testingTiles []*Tile, batchSize int) (
	trainDS, trainEvalDS, validationEvalDS train.Dataset, err error) {
	if batchSize <= 0 {
		return nil, nil, nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	trainImages, trainMasks, err := TilesToTensors(trainingTiles)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "packing training tiles")
	}
	testImages, testMasks, err := TilesToTensors(testingTiles)
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "packing testing tiles")
	}
	baseTrain, err := datasets.InMemoryFromData(backend, "training",
		[]any{trainImages}, []any{trainMasks})
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "building training pipeline")
	}
	baseTest, err := datasets.InMemoryFromData(backend, "validation",
		[]any{testImages}, []any{testMasks})
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "building validation pipeline")
	}
	klog.V(1).Infof("Pipelines: %d training tiles (%s), %d validation tiles (%s)",
		len(trainingTiles), humanize.Bytes(uint64(baseTrain.ByteSize())),
		len(testingTiles), humanize.Bytes(uint64(baseTest.ByteSize())))
	trainDS = baseTrain.Copy().Shuffle().BatchSize(batchSize, false)
	trainEvalDS = baseTrain.BatchSize(batchSize, false)
	validationEvalDS = baseTest.BatchSize(batchSize, false)
	return
}
