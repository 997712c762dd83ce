package floodseg

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ParamBaseChannels is the context hyperparameter with the number of feature
// channels of the outermost U-Net stage. Deeper stages double it.
const ParamBaseChannels = "unet_base_channels"

// UNetModelGraph builds the segmentation U-Net. It implements train.ModelFn.
//
// It takes one input, the images batch shaped
// [batchSize, size, size, channels] with size divisible by 4, and returns one
// output, the per-pixel flood probabilities shaped [batchSize, size, size, 1]
// with values in [0, 1].
//
// The network has two contracting stages (base and 2x base channels) joined
// by skip connections to two mirrored expanding stages, around a 4x base
// channels bottleneck. Down-sampling is 2x2 max-pooling and up-sampling is a
// 2x2 stride-2 transposed convolution.
func UNetModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	images := inputs[0]
	images.AssertRank(4)
	batchSize := images.Shape().Dimensions[0]
	size := images.Shape().Dimensions[1]
	base := context.GetParamOr(ctx, ParamBaseChannels, 64)

	// Contracting path: each stage keeps its pre-pooling activations for the
	// skip connection into the mirrored expanding stage.
	x := convBlock(ctx.In("encoder_0"), images, base)
	skipOuter := x
	x = MaxPool(x).Window(2).Done()
	x = convBlock(ctx.In("encoder_1"), x, 2*base)
	skipInner := x
	x = MaxPool(x).Window(2).Done()

	x = convBlock(ctx.In("bottleneck"), x, 4*base)

	// Expanding path: up-sample, concatenate the skip at the matching
	// resolution on the channels axis, convolve.
	x = upConvolution(ctx.In("decoder_1"), x, 2*base)
	x.AssertDims(batchSize, size/2, size/2, 2*base)
	x = Concatenate([]*Node{x, skipInner}, -1)
	x = convBlock(ctx.In("decoder_1"), x, 2*base)
	x = upConvolution(ctx.In("decoder_0"), x, base)
	x.AssertDims(batchSize, size, size, base)
	x = Concatenate([]*Node{x, skipOuter}, -1)
	x = convBlock(ctx.In("decoder_0"), x, base)

	probabilities := layers.Convolution(ctx.In("head"), x).
		Channels(1).KernelSize(1).PadSame().Done()
	probabilities = Sigmoid(probabilities)
	probabilities.AssertDims(batchSize, size, size, 1)
	return []*Node{probabilities}
}

// convBlock applies two same-padded 3x3 convolutions, each followed by ReLU.
func convBlock(ctx *context.Context, x *Node, channels int) *Node {
	for repeat := range 2 {
		x = layers.Convolution(ctx.Inf("conv_%d", repeat), x).
			Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
	}
	return x
}

// upConvolution doubles the spatial extents of x with a learned 2x2 stride-2
// transposed convolution: a convolution over the input dilated by 2, the same
// formulation used for the gradient of a strided convolution.
func upConvolution(ctx *context.Context, x *Node, channels int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[3]
	ctx = ctx.In("conv_transpose")
	kernelVar := ctx.VariableWithShape("weights", shapes.Make(dtype, 2, 2, inputChannels, channels))
	x = Convolve(x, kernelVar.ValueGraph(g)).
		InputDilationPerAxis(2, 2).
		PaddingPerDim([][2]int{{1, 1}, {1, 1}}).
		Done()
	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, channels))
	x = Add(x, ExpandLeftToRank(biasVar.ValueGraph(g), 4))
	return x
}
