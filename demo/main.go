// Flood segmentation demo trainer.
//
// It trains the U-Net on a directory of multispectral `.npy` image tiles and
// a parallel directory of flood masks, printing the per-epoch metrics
// history. Hyperparameters can be overridden with --set, e.g.
// --set="num_epochs=20;learning_rate=3e-4".
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	floodseg "github.com/jhonyasv/Flood-modelling"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagImagesDir = flag.String("images", "", "Directory with the image tiles (`.npy` files).")
	flagMasksDir  = flag.String("masks", "", "Directory with the flood mask tiles, one `.npy` file per image tile, same names.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagEval       = flag.Bool("eval", true, "Whether to report a full evaluation on both subsets after the last epoch.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	// Flags with context settings.
	ctx := floodseg.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	if *flagImagesDir == "" || *flagMasksDir == "" {
		klog.Exit("Both --images and --masks are required.")
	}

	history := must.M1(floodseg.TrainModel(ctx, floodseg.Config{
		ImagesDir:     *flagImagesDir,
		MasksDir:      *flagMasksDir,
		CheckpointDir: *flagCheckpoint,
		EvaluateOnEnd: *flagEval,
		Verbosity:     *flagVerbosity,
	}))

	if *flagVerbosity >= 1 && len(history) > 0 {
		last := history[len(history)-1]
		fmt.Printf("\nFinished %d epochs (global step %d): validation loss=%.4f, accuracy=%.2f%%\n",
			len(history), last.GlobalStep, last.ValidationLoss, 100*last.ValidationAccuracy)
	}
}
