package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/deep3d/internal/tensor"
)

// ErrLabelShape is returned when a label tensor cannot be matched to the
// network output.
var ErrLabelShape = errors.New("label shape does not match network output")

// SoftmaxNLL is the per-voxel softmax negative log-likelihood.
//
// Logits have shape [N, K, D, H, W]; the softmax runs over the class axis K.
// The loss is the mean over all V = N*D*H*W voxels. Labels are accepted in the
// encodings produced by the patch assembler:
//
//   - [V]: class index per voxel, voxels ordered (n, d, h, w)
//   - [V, K]: one-hot (or soft) target per voxel
//   - any shape with V elements: class index per voxel (e.g. [N, 1, D, H, W])
//   - [N, K, ...] with V*K elements: channel-first one-hot targets
type SoftmaxNLL struct{}

// Forward returns the mean loss and the gradient w.r.t. the logits.
func (SoftmaxNLL) Forward(logits *tensor.Tensor[float32], labels *tensor.Tensor[int32]) (float32, *tensor.Tensor[float32], error) {
	ls := logits.Shape()
	if len(ls) != 5 {
		return 0, nil, fmt.Errorf("softmax nll: expected 5D logits, got %v", []int(ls))
	}
	N, K := ls[0], ls[1]
	S := ls[2] * ls[3] * ls[4]
	V := N * S

	target, err := decodeTargets(labels, N, K, S)
	if err != nil {
		return 0, nil, err
	}

	x := logits.Data()
	grad := tensor.Zeros[float32](ls)
	g := grad.Data()
	probs := make([]float64, K)
	invV := 1 / float64(V)

	var total float64
	for n := 0; n < N; n++ {
		base := n * K * S
		for s := 0; s < S; s++ {
			maxLogit := math.Inf(-1)
			for k := 0; k < K; k++ {
				maxLogit = math.Max(maxLogit, float64(x[base+k*S+s]))
			}
			var sum float64
			for k := 0; k < K; k++ {
				probs[k] = math.Exp(float64(x[base+k*S+s]) - maxLogit)
				sum += probs[k]
			}
			logSum := math.Log(sum)
			voxel := n*S + s
			for k := 0; k < K; k++ {
				t := target(voxel, k)
				p := probs[k] / sum
				if t != 0 {
					total -= t * (float64(x[base+k*S+s]) - maxLogit - logSum)
				}
				g[base+k*S+s] = float32((p - t) * invV)
			}
		}
	}
	return float32(total * invV), grad, nil
}

// decodeTargets returns target(voxel, class) for one of the supported label
// encodings.
func decodeTargets(labels *tensor.Tensor[int32], N, K, S int) (func(voxel, class int) float64, error) {
	shape := labels.Shape()
	data := labels.Data()
	V := N * S

	indices := func() (func(int, int) float64, error) {
		for i, c := range data {
			if c < 0 || int(c) >= K {
				return nil, fmt.Errorf("%w: class index %d at %d outside [0, %d)", ErrLabelShape, c, i, K)
			}
		}
		return func(voxel, class int) float64 {
			if int(data[voxel]) == class {
				return 1
			}
			return 0
		}, nil
	}
	normalized := func(at func(voxel, class int) int32) (func(int, int) float64, error) {
		norms := make([]float64, V)
		for v := 0; v < V; v++ {
			var sum float64
			for k := 0; k < K; k++ {
				sum += float64(at(v, k))
			}
			if sum <= 0 {
				return nil, fmt.Errorf("%w: voxel %d has no target class", ErrLabelShape, v)
			}
			norms[v] = 1 / sum
		}
		return func(voxel, class int) float64 {
			return float64(at(voxel, class)) * norms[voxel]
		}, nil
	}

	switch {
	case len(shape) == 1 && shape[0] == V:
		return indices()
	case len(shape) == 2 && shape[0] == V && shape[1] == K && K >= 2:
		return normalized(func(v, k int) int32 { return data[v*K+k] })
	case len(data) == V:
		return indices()
	case len(shape) >= 2 && shape[0] == N && shape[1] == K && len(data) == V*K:
		return normalized(func(v, k int) int32 {
			n, s := v/S, v%S
			return data[(n*K+k)*S+s]
		})
	default:
		return nil, fmt.Errorf("%w: labels %v for %d voxels and %d classes", ErrLabelShape, []int(shape), V, K)
	}
}

// Softmax applies a softmax over the class axis of [N, K, D, H, W] logits.
func Softmax(logits *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	ls := logits.Shape()
	mustRank5("softmax", ls)
	N, K := ls[0], ls[1]
	S := ls[2] * ls[3] * ls[4]
	out := logits.Clone()
	y := out.Data()
	for n := 0; n < N; n++ {
		base := n * K * S
		for s := 0; s < S; s++ {
			maxLogit := float32(math.Inf(-1))
			for k := 0; k < K; k++ {
				maxLogit = max(maxLogit, y[base+k*S+s])
			}
			var sum float64
			for k := 0; k < K; k++ {
				e := math.Exp(float64(y[base+k*S+s] - maxLogit))
				y[base+k*S+s] = float32(e)
				sum += e
			}
			for k := 0; k < K; k++ {
				y[base+k*S+s] = float32(float64(y[base+k*S+s]) / sum)
			}
		}
	}
	return out
}
