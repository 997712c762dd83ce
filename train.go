package floodseg

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context hyperparameters. All of them can be overridden with
// Context.SetParams or the usual --set flag of the demo program.
const (
	// ParamTileSize is the required spatial extent of the tiles: only
	// ParamTileSize x ParamTileSize tiles are kept. Must be divisible by 4 so
	// the two pooling stages of the U-Net invert cleanly.
	ParamTileSize = "tile_size"

	// ParamTileChannels is the required number of spectral channels.
	ParamTileChannels = "tile_channels"

	// ParamBatchSize is the number of tiles per training batch.
	ParamBatchSize = "batch_size"

	// ParamTrainFraction is the fraction of each stratum sent to training.
	ParamTrainFraction = "train_fraction"

	// ParamSplitSeed seeds the per-stratum shuffle, making the split
	// reproducible across runs over the same corpus.
	ParamSplitSeed = "split_seed"

	// ParamMaxTiles caps how many tile pairs are loaded (0 means no cap).
	ParamMaxTiles = "max_tiles"

	// ParamNumEpochs is the number of passes over the training tiles.
	ParamNumEpochs = "num_epochs"

	// ParamNumCheckpoints is how many checkpoints to keep on disk.
	ParamNumCheckpoints = "num_checkpoints"
)

// CreateDefaultContext returns a context with the default hyperparameters: it
// trains a base-64-channels U-Net on 128x128x8 tiles, batches of 10, for 10
// epochs with Adam at a 1e-4 learning rate, splitting 80% of each stratum
// into training.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamTileSize:       128,
		ParamTileChannels:   8,
		ParamBatchSize:      10,
		ParamTrainFraction:  0.8,
		ParamSplitSeed:      42,
		ParamMaxTiles:       5000,
		ParamNumEpochs:      10,
		ParamNumCheckpoints: 3,
		ParamBaseChannels:   64,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,
	})
	return ctx
}

// Config holds the non-hyperparameter knobs of TrainModel: where the data
// lives and what to do around the training loop itself.
type Config struct {
	// ImagesDir and MasksDir are the parallel directories of `.npy` tiles.
	ImagesDir, MasksDir string

	// CheckpointDir, if set, is where model checkpoints are saved after each
	// epoch (and loaded from, resuming a previous run).
	CheckpointDir string

	// EvaluateOnEnd prints a final evaluation report on both subsets after
	// the last epoch.
	EvaluateOnEnd bool

	// Verbosity: 0 is quiet except for the progress bar, 1 adds per-epoch
	// metric lines and corpus statistics, negative silences everything.
	Verbosity int
}

// EpochMetrics is one row of the training history, recorded at the end of
// each epoch from a full evaluation pass over both subsets.
type EpochMetrics struct {
	// Epoch counts from 0. GlobalStep is the trainer's step count at record
	// time, so histories of resumed runs line up.
	Epoch      int
	GlobalStep int64

	// Mean loss and binary accuracy over the training and testing tiles.
	TrainLoss, TrainAccuracy           float64
	ValidationLoss, ValidationAccuracy float64
}

// TrainModel is the end-to-end training entry point: it loads the tile
// corpus, stratifies and splits it, trains the U-Net for ParamNumEpochs
// epochs and returns the per-epoch metrics history. The model weights end up
// in ctx (and in cfg.CheckpointDir, if set).
func TrainModel(ctx *context.Context, cfg Config) ([]EpochMetrics, error) {
	tileSize := context.GetParamOr(ctx, ParamTileSize, 128)
	if tileSize%4 != 0 {
		return nil, errors.Errorf("%s must be divisible by 4, got %d", ParamTileSize, tileSize)
	}
	tileChannels := context.GetParamOr(ctx, ParamTileChannels, 8)
	maxTiles := context.GetParamOr(ctx, ParamMaxTiles, 5000)
	tiles, stats, err := LoadCorpus(cfg.ImagesDir, cfg.MasksDir, tileSize, tileChannels, maxTiles, cfg.Verbosity >= 0)
	if err != nil {
		return nil, err
	}
	if cfg.Verbosity >= 1 {
		fmt.Printf("Loaded %d usable tiles out of %d pairs.\n", stats.Loaded, stats.Paired)
	}

	trainFraction := context.GetParamOr(ctx, ParamTrainFraction, 0.8)
	splitSeed := context.GetParamOr(ctx, ParamSplitSeed, 42)
	rng := rand.New(rand.NewSource(int64(splitSeed)))
	trainingTiles, testingTiles, err := StratifiedSplit(tiles, trainFraction, rng)
	if err != nil {
		return nil, err
	}
	if len(testingTiles) == 0 {
		return nil, errors.Errorf("stratified split left no testing tiles: corpus of %d tiles is too small", len(tiles))
	}
	if cfg.Verbosity >= 1 {
		fmt.Printf("Split: %d training tiles, %d testing tiles.\n", len(trainingTiles), len(testingTiles))
	}

	backend := backends.MustNew()
	var checkpoint *checkpoints.Handler
	if cfg.CheckpointDir != "" {
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			Dir(cfg.CheckpointDir).Keep(numCheckpoints).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "setting up checkpoints in %q", cfg.CheckpointDir)
		}
	}
	return TrainOnSplit(ctx, backend, trainingTiles, testingTiles, checkpoint, cfg.EvaluateOnEnd, cfg.Verbosity)
}

// TrainOnSplit trains the U-Net on an already split tile collection. It runs
// ParamNumEpochs epochs, evaluating loss and binary accuracy on both subsets
// after each one, and saves a checkpoint per epoch when a handler is given.
func TrainOnSplit(ctx *context.Context, backend backends.Backend, trainingTiles, testingTiles []*Tile,
	checkpoint *checkpoints.Handler, evaluateOnEnd bool, verbosity int) ([]EpochMetrics, error) {
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 10)
	trainDS, trainEvalDS, validationEvalDS, err := NewPipelines(backend, trainingTiles, testingTiles, batchSize)
	if err != nil {
		return nil, err
	}

	// The model outputs probabilities (the sigmoid is part of the graph, so
	// predictions need no extra step), hence the probability-based loss and
	// accuracy metrics.
	meanAccuracy := metrics.NewMeanBinaryAccuracy("Mean Accuracy", "#acc")
	movingAccuracy := metrics.NewMovingAverageBinaryAccuracy("Moving Average Accuracy", "~acc", 0.01)
	trainer := train.NewTrainer(backend, ctx, UNetModelGraph,
		losses.BinaryCrossentropy,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracy}, // trainMetrics
		[]metrics.Interface{meanAccuracy})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 10)
	history := make([]EpochMetrics, 0, numEpochs)
	for epoch := range numEpochs {
		if _, err = loop.RunEpochs(trainDS, 1); err != nil {
			return history, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		record := EpochMetrics{Epoch: epoch, GlobalStep: optimizers.GetGlobalStep(ctx)}
		record.TrainLoss, record.TrainAccuracy, err = evalLossAndAccuracy(trainer, trainEvalDS)
		if err != nil {
			return history, errors.WithMessagef(err, "evaluating on training tiles after epoch %d", epoch)
		}
		record.ValidationLoss, record.ValidationAccuracy, err = evalLossAndAccuracy(trainer, validationEvalDS)
		if err != nil {
			return history, errors.WithMessagef(err, "evaluating on testing tiles after epoch %d", epoch)
		}
		if !isFinite(record.TrainLoss) || !isFinite(record.ValidationLoss) {
			klog.Warningf("Non-finite loss after epoch %d (train=%g, validation=%g), training is diverging",
				epoch, record.TrainLoss, record.ValidationLoss)
		}
		history = append(history, record)
		if verbosity >= 1 {
			fmt.Printf("Epoch %d (global step %d): train loss=%.4f, accuracy=%.2f%% | validation loss=%.4f, accuracy=%.2f%%\n",
				epoch, record.GlobalStep, record.TrainLoss, 100*record.TrainAccuracy,
				record.ValidationLoss, 100*record.ValidationAccuracy)
		}
		if checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return history, errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
			}
		}
	}

	if evaluateOnEnd {
		fmt.Println()
		if err = commandline.ReportEval(trainer, validationEvalDS, trainEvalDS); err != nil {
			return history, errors.WithMessage(err, "final evaluation")
		}
	}
	return history, nil
}

// evalLossAndAccuracy runs a full evaluation pass over ds and extracts the
// mean loss and mean binary accuracy from the trainer's eval metrics.
func evalLossAndAccuracy(trainer *train.Trainer, ds train.Dataset) (loss, accuracy float64, err error) {
	values, err := trainer.Eval(ds)
	if err != nil {
		return 0, 0, err
	}
	ds.Reset()
	for ii, metric := range trainer.EvalMetrics() {
		switch metric.ShortName() {
		case "#loss":
			loss = shapes.ConvertTo[float64](values[ii].Value())
		case "#acc":
			accuracy = shapes.ConvertTo[float64](values[ii].Value())
		}
	}
	return loss, accuracy, nil
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}
