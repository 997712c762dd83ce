// Package floodseg trains a flood segmentation model on multispectral
// satellite tiles: it loads paired image and mask tiles from disk, normalizes
// and stratifies them, splits them into training and testing subsets, packs
// them into batched tensor pipelines and fits a small U-Net that classifies
// each pixel as flooded or dry.
//
// Tiles are stored as NumPy `.npy` files, one per tile, with images and masks
// in two parallel directories sharing file names. See LoadCorpus for the
// on-disk layout, TrainModel for the training entry point and Predictor for
// inference on trained checkpoints.
package floodseg

import (
	"math"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ErrDegenerateTile is returned by LoadTile when the image has no positive
// value, which makes its per-tile rescaling undefined. LoadCorpus silently
// drops (but counts) such tiles.
var ErrDegenerateTile = errors.New("degenerate tile: image maximum is not positive")

// Tile is one image/mask pair, already normalized and ready to be packed into
// a pipeline.
type Tile struct {
	// Name is the tile file name without the ".npy" extension. It is shared
	// by the image and the mask.
	Name string

	// Image is shaped [height, width, channels], dtype Float32, rescaled to
	// [0, 1] by the tile's own maximum.
	Image *tensors.Tensor

	// Mask is shaped [height, width, 1], dtype Float32, with values in {0, 1}.
	Mask *tensors.Tensor

	// MaskWeight is the stratification bucket, round(10 x mean(Mask)), an
	// integer from 0 (dry tile) to 10 (fully flooded tile).
	MaskWeight int
}

// LoadTile decodes one image/mask pair of `.npy` files into a Tile.
//
// The image may use any numeric dtype and is converted to Float32 rescaled to
// [0, 1] by its own maximum value; an image with no positive value returns
// ErrDegenerateTile, and one with negative or non-finite values is an error,
// so neither out-of-range values nor NaNs ever reach the pipelines. The mask may be rank-2 or rank-3 with a single trailing
// channel, boolean or numeric, and is binarized (non-zero means flooded) into
// a [height, width, 1] Float32 tensor.
func LoadTile(imagePath, maskPath string) (*Tile, error) {
	rawImage, err := numpy.FromNpyFile(imagePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding image tile %q", imagePath)
	}
	rawMask, err := numpy.FromNpyFile(maskPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding mask tile %q", maskPath)
	}
	image, err := normalizeImage(rawImage)
	if err != nil {
		return nil, errors.WithMessagef(err, "image tile %q", imagePath)
	}
	mask, weight, err := binarizeMask(rawMask)
	if err != nil {
		return nil, errors.WithMessagef(err, "mask tile %q", maskPath)
	}
	imageDims := image.Shape().Dimensions
	maskDims := mask.Shape().Dimensions
	if imageDims[0] != maskDims[0] || imageDims[1] != maskDims[1] {
		return nil, errors.Errorf("image %q is %dx%d but its mask is %dx%d",
			imagePath, imageDims[0], imageDims[1], maskDims[0], maskDims[1])
	}
	name := path.Base(imagePath)
	name = strings.TrimSuffix(name, path.Ext(name))
	return &Tile{Name: name, Image: image, Mask: mask, MaskWeight: weight}, nil
}

// normalizeImage converts a raw rank-3 image tensor to Float32 and rescales
// it so that its maximum value becomes exactly 1.
func normalizeImage(raw *tensors.Tensor) (*tensors.Tensor, error) {
	if raw.Shape().Rank() != 3 {
		return nil, errors.Errorf("image must decode to a rank-3 [height, width, channels] array, got shape %s", raw.Shape())
	}
	image := tensors.FromShape(shapes.Make(dtypes.Float32, raw.Shape().Dimensions...))
	var err error
	switch raw.DType() {
	case dtypes.Float32:
		err = rescaleToUnit[float32](raw, image)
	case dtypes.Float64:
		err = rescaleToUnit[float64](raw, image)
	case dtypes.Uint8:
		err = rescaleToUnit[uint8](raw, image)
	case dtypes.Uint16:
		err = rescaleToUnit[uint16](raw, image)
	case dtypes.Int16:
		err = rescaleToUnit[int16](raw, image)
	case dtypes.Int32:
		err = rescaleToUnit[int32](raw, image)
	case dtypes.Int64:
		err = rescaleToUnit[int64](raw, image)
	default:
		return nil, errors.Errorf("unsupported image dtype %s", raw.DType())
	}
	if err != nil {
		return nil, err
	}
	return image, nil
}

// rescaleToUnit divides the raw values by their maximum, writing the result
// as Float32 into image. The maximum must be positive, and every value must
// be finite and non-negative so the result stays in [0, 1].
func rescaleToUnit[T interface {
	float32 | float64 | uint8 | uint16 | int16 | int32 | int64
}](raw, image *tensors.Tensor) error {
	var maxValue T
	var hasNegative, hasNonFinite bool
	tensors.MustConstFlatData[T](raw, func(src []T) {
		for _, value := range src {
			value64 := float64(value)
			if math.IsNaN(value64) || math.IsInf(value64, 0) {
				hasNonFinite = true
				continue
			}
			if value64 < 0 {
				hasNegative = true
			}
			if value > maxValue {
				maxValue = value
			}
		}
	})
	if hasNonFinite {
		return errors.New("image contains NaN or infinite values")
	}
	if hasNegative {
		return errors.New("image contains negative values")
	}
	if maxValue <= 0 {
		return ErrDegenerateTile
	}
	scale := 1.0 / float64(maxValue)
	tensors.MustMutableFlatData[float32](image, func(dst []float32) {
		tensors.MustConstFlatData[T](raw, func(src []T) {
			for ii, value := range src {
				dst[ii] = float32(float64(value) * scale)
			}
		})
	})
	return nil
}

// binarizeMask converts a raw mask tensor to a [height, width, 1] Float32
// tensor with values in {0, 1}, and returns the tile's stratification weight.
func binarizeMask(raw *tensors.Tensor) (mask *tensors.Tensor, weight int, err error) {
	dims := raw.Shape().Dimensions
	switch raw.Shape().Rank() {
	case 2:
		// Ok, a channel axis is appended below.
	case 3:
		if dims[2] != 1 {
			return nil, 0, errors.Errorf("mask must have a single channel, got shape %s", raw.Shape())
		}
	default:
		return nil, 0, errors.Errorf("mask must decode to a rank-2 or rank-3 array, got shape %s", raw.Shape())
	}
	height, width := dims[0], dims[1]
	mask = tensors.FromShape(shapes.Make(dtypes.Float32, height, width, 1))
	var flooded int
	switch raw.DType() {
	case dtypes.Bool:
		tensors.MustMutableFlatData[float32](mask, func(dst []float32) {
			tensors.MustConstFlatData[bool](raw, func(src []bool) {
				for ii, value := range src {
					if value {
						dst[ii] = 1
						flooded++
					}
				}
			})
		})
	case dtypes.Float32:
		flooded = binarize[float32](raw, mask)
	case dtypes.Float64:
		flooded = binarize[float64](raw, mask)
	case dtypes.Uint8:
		flooded = binarize[uint8](raw, mask)
	case dtypes.Uint16:
		flooded = binarize[uint16](raw, mask)
	case dtypes.Int16:
		flooded = binarize[int16](raw, mask)
	case dtypes.Int32:
		flooded = binarize[int32](raw, mask)
	case dtypes.Int64:
		flooded = binarize[int64](raw, mask)
	default:
		return nil, 0, errors.Errorf("unsupported mask dtype %s", raw.DType())
	}
	weight = maskWeightFromFraction(float64(flooded) / float64(height*width))
	return mask, weight, nil
}

func binarize[T interface {
	float32 | float64 | uint8 | uint16 | int16 | int32 | int64
}](raw, mask *tensors.Tensor) (flooded int) {
	tensors.MustMutableFlatData[float32](mask, func(dst []float32) {
		tensors.MustConstFlatData[T](raw, func(src []T) {
			for ii, value := range src {
				if value != 0 {
					dst[ii] = 1
					flooded++
				}
			}
		})
	})
	return
}

// maskWeightFromFraction maps the flooded fraction of a tile to its
// stratification bucket in [0, 10]. Ties round half away from zero, so a
// tile 25% flooded lands in bucket 3 (round of 2.5).
func maskWeightFromFraction(fraction float64) int {
	return int(math.Round(10 * fraction))
}

// FilterTiles returns the tiles whose image is size x size with the given
// number of channels. The mask's spatial extents always match the image's
// (LoadTile guarantees it), so they are filtered along. Tiles with other
// shapes are dropped. Filtering already-filtered tiles is a no-op.
func FilterTiles(tiles []*Tile, size, channels int) []*Tile {
	filtered := make([]*Tile, 0, len(tiles))
	for _, tile := range tiles {
		if tile.hasShape(size, channels) {
			filtered = append(filtered, tile)
		}
	}
	return filtered
}

func (t *Tile) hasShape(size, channels int) bool {
	dims := t.Image.Shape().Dimensions
	return dims[0] == size && dims[1] == size && dims[2] == channels
}

// CorpusStats reports what LoadCorpus found and dropped.
type CorpusStats struct {
	// Paired is the number of image/mask pairs scanned (after applying the
	// maxTiles cap).
	Paired int

	// Loaded is the number of usable tiles returned.
	Loaded int

	// DecodeFailures counts pairs dropped because either file failed to
	// decode, the pair was internally inconsistent, or the image held
	// values that cannot rescale into [0, 1] (negative or non-finite).
	DecodeFailures int

	// ShapeMismatches counts tiles dropped by the size/channels filter.
	ShapeMismatches int

	// Degenerate counts tiles dropped because their image had no positive
	// value to rescale by.
	Degenerate int
}

// LoadCorpus loads every image/mask tile pair from two parallel directories
// of `.npy` files. Each image file must have a mask file of the same name.
// Tiles that fail to decode, are degenerate or don't match the requested
// size x size x channels shape are dropped and counted in the returned
// CorpusStats. A maxTiles > 0 caps how many pairs are read, in file name
// order.
//
// Mismatched directory contents are an error: a corpus where images and
// masks disagree is more likely mislabeled data than a partial download.
func LoadCorpus(imagesDir, masksDir string, size, channels, maxTiles int, verbose bool) ([]*Tile, CorpusStats, error) {
	var stats CorpusStats
	imageNames, err := listNpyFiles(imagesDir)
	if err != nil {
		return nil, stats, err
	}
	maskNames, err := listNpyFiles(masksDir)
	if err != nil {
		return nil, stats, err
	}
	maskSet := make(map[string]bool, len(maskNames))
	for _, name := range maskNames {
		maskSet[name] = true
	}
	for _, name := range imageNames {
		if !maskSet[name] {
			return nil, stats, errors.Errorf("image tile %q has no matching mask in %q", name, masksDir)
		}
	}
	if len(maskNames) > len(imageNames) {
		return nil, stats, errors.Errorf("%d masks in %q have no matching image in %q",
			len(maskNames)-len(imageNames), masksDir, imagesDir)
	}

	if maxTiles > 0 && len(imageNames) > maxTiles {
		imageNames = imageNames[:maxTiles]
	}
	stats.Paired = len(imageNames)

	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(len(imageNames),
			progressbar.OptionSetDescription("Loading tiles"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("tiles"),
		)
	}
	tiles := make([]*Tile, 0, len(imageNames))
	for _, name := range imageNames {
		tile, err := LoadTile(path.Join(imagesDir, name), path.Join(masksDir, name))
		if pBar != nil {
			_ = pBar.Add(1)
		}
		if err != nil {
			if errors.Is(err, ErrDegenerateTile) {
				stats.Degenerate++
			} else {
				klog.V(1).Infof("Dropping tile %q: %v", name, err)
				stats.DecodeFailures++
			}
			continue
		}
		tiles = append(tiles, tile)
	}
	if pBar != nil {
		_ = pBar.Close()
	}
	kept := FilterTiles(tiles, size, channels)
	stats.ShapeMismatches = len(tiles) - len(kept)
	tiles = kept
	stats.Loaded = len(tiles)
	if stats.Loaded == 0 {
		return nil, stats, errors.Errorf(
			"no usable %dx%dx%d tiles among the %d pairs in %q: %d decode failures, %d shape mismatches, %d degenerate",
			size, size, channels, stats.Paired, imagesDir, stats.DecodeFailures, stats.ShapeMismatches, stats.Degenerate)
	}
	if dropped := stats.Paired - stats.Loaded; dropped > 0 {
		klog.Infof("Dropped %d of %d tile pairs (%d decode failures, %d shape mismatches, %d degenerate)",
			dropped, stats.Paired, stats.DecodeFailures, stats.ShapeMismatches, stats.Degenerate)
	}
	return tiles, stats, nil
}

// listNpyFiles returns the sorted `.npy` file names directly under dir.
func listNpyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing tiles in %q", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".npy") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no .npy tiles found in %q", dir)
	}
	slices.Sort(names)
	return names, nil
}
