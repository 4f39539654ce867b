// Package nn implements the 3D network layers trained by deep3d.
//
// Every layer has an explicit Forward and Backward. Forward caches what the
// backward pass needs, so a layer instance serves one forward/backward pair
// at a time. Activations use the channel-first layout [N, C, D, H, W].
package nn

import (
	"fmt"

	"github.com/born-ml/deep3d/internal/tensor"
)

// Layer is one stage of a sequential network.
type Layer interface {
	// Forward computes the layer output. train enables training-only
	// behaviour such as dropout.
	Forward(input *tensor.Tensor[float32], train bool) *tensor.Tensor[float32]

	// Backward takes the gradient w.r.t. the last Forward output, accumulates
	// parameter gradients and returns the gradient w.r.t. the input.
	Backward(grad *tensor.Tensor[float32]) *tensor.Tensor[float32]

	// Parameters returns the trainable parameters (nil for stateless layers).
	Parameters() []*Parameter

	// OutputShape returns the output shape for an input shape.
	OutputShape(input tensor.Shape) tensor.Shape

	String() string
}

func mustRank5(op string, s tensor.Shape) {
	if len(s) != 5 {
		panic(fmt.Sprintf("%s: expected 5D input [N,C,D,H,W], got %v", op, []int(s)))
	}
}
