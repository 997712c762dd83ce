package floodseg

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// Predictor runs the trained U-Net forward, mapping batches of image tiles to
// per-pixel flood probability maps. It is a pure function of the weights: no
// variable is created or updated by a prediction, and repeated calls on the
// same input return the same output.
type Predictor struct {
	exec *context.Exec
}

// NewPredictor builds a Predictor from a context already holding trained
// weights, typically the context TrainModel just trained on.
func NewPredictor(backend backends.Backend, ctx *context.Context) (*Predictor, error) {
	// Reuse mode: a missing variable is a bug in the caller's context, not a
	// reason to silently initialize a fresh (untrained) model.
	exec, err := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, images *graph.Node) *graph.Node {
			return UNetModelGraph(ctx, nil, []*graph.Node{images})[0]
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building prediction graph")
	}
	return &Predictor{exec: exec}, nil
}

// NewPredictorFromCheckpoint loads the latest checkpoint under checkpointDir
// into ctx (CreateDefaultContext, or any context with matching
// hyperparameters) and builds a Predictor on it. It fails if the checkpoint
// does not exist.
func NewPredictorFromCheckpoint(backend backends.Backend, ctx *context.Context, checkpointDir string) (*Predictor, error) {
	if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint from %q", checkpointDir)
	}
	return NewPredictor(backend, ctx)
}

// Predict maps one batch of images, shaped [batchSize, size, size, channels]
// and normalized like the training tiles, to flood probabilities shaped
// [batchSize, size, size, 1] with values in [0, 1].
func (p *Predictor) Predict(images *tensors.Tensor) (probabilities *tensors.Tensor, err error) {
	// Graph building panics (a misshaped batch, a missing variable) surface
	// here, when the exec compiles the graph for this input shape.
	err = exceptions.TryCatch[error](func() {
		probabilities = p.exec.MustExec1(images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "predicting flood probabilities")
	}
	return probabilities, nil
}

// PredictTiles is a convenience wrapper over Predict for a slice of loaded
// tiles: it packs their images into a batch and returns the probabilities
// tensor shaped [len(tiles), size, size, 1].
func (p *Predictor) PredictTiles(tiles []*Tile) (*tensors.Tensor, error) {
	images, _, err := TilesToTensors(tiles)
	if err != nil {
		return nil, err
	}
	return p.Predict(images)
}
