package floodseg

import (
	"math"
	"math/rand"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// StratifiedSplit partitions tiles into training and testing subsets, keeping
// each MaskWeight bucket represented on both sides in roughly the requested
// proportion: within every bucket it shuffles the members with rng and sends
// round(trainFraction x size) of them to training.
//
// Small buckets are handled so neither side starves: a bucket with at least
// two members contributes at least one tile to each side, and a single-member
// bucket goes entirely to training. trainFraction must be in (0, 1).
//
// The split is deterministic given the tile order and the rng state.
func StratifiedSplit(tiles []*Tile, trainFraction float64, rng *rand.Rand) (training, testing []*Tile, err error) {
	if len(tiles) == 0 {
		return nil, nil, errors.New("cannot split an empty tile collection")
	}
	if trainFraction <= 0 || trainFraction >= 1 {
		return nil, nil, errors.Errorf("train fraction must be in (0, 1), got %g", trainFraction)
	}

	buckets := make(map[int][]*Tile)
	for _, tile := range tiles {
		buckets[tile.MaskWeight] = append(buckets[tile.MaskWeight], tile)
	}
	weights := maps.Keys(buckets)
	slices.Sort(weights)

	training = make([]*Tile, 0, int(trainFraction*float64(len(tiles)))+len(weights))
	testing = make([]*Tile, 0, len(tiles))
	for _, weight := range weights {
		bucket := buckets[weight]
		rng.Shuffle(len(bucket), func(i, j int) {
			bucket[i], bucket[j] = bucket[j], bucket[i]
		})
		take := int(math.Round(trainFraction * float64(len(bucket))))
		if len(bucket) == 1 {
			take = 1
		} else {
			take = min(max(take, 1), len(bucket)-1)
		}
		training = append(training, bucket[:take]...)
		testing = append(testing, bucket[take:]...)
	}
	return training, testing, nil
}
