package model

import (
	"fmt"

	"github.com/born-ml/deep3d/internal/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LayerStats summarizes the output of one layer.
type LayerStats struct {
	Layer string
	Shape tensor.Shape
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
}

// String formats the statistics on one line.
func (s LayerStats) String() string {
	return fmt.Sprintf("%-32s %v mean=%.4g std=%.4g min=%.4g max=%.4g",
		s.Layer, []int(s.Shape), s.Mean, s.Std, s.Min, s.Max)
}

// Inspect runs an inference forward pass and reports the output statistics
// of every layer. Dead ReLUs and exploding activations show up here first.
func (n *Network) Inspect(data *tensor.Tensor[float32]) ([]LayerStats, error) {
	if err := n.checkInput(data); err != nil {
		return nil, err
	}
	stats := make([]LayerStats, 0, len(n.layers))
	out := data
	for _, l := range n.layers {
		out = l.Forward(out, false)
		stats = append(stats, summarize(l.String(), out))
	}
	for _, p := range n.params {
		stats = append(stats, summarize(p.Name(), p.Value()))
	}
	return stats, nil
}

func summarize(name string, t *tensor.Tensor[float32]) LayerStats {
	values := make([]float64, t.NumElements())
	for i, v := range t.Data() {
		values[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	return LayerStats{
		Layer: name,
		Shape: t.Shape(),
		Mean:  mean,
		Std:   std,
		Min:   floats.Min(values),
		Max:   floats.Max(values),
	}
}
