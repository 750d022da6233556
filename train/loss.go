package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// BCELoss is summed per-class binary cross-entropy on raw logits,
// optionally class-weighted. The loss and gradient use the stable
// formulation
//
//	l(z, y) = max(z, 0) - z*y + log(1 + exp(-|z|))
//
// which never exponentiates a large positive argument.
type BCELoss struct {
	weights []float64 // per-class, nil means unweighted
}

// NewBCELoss creates the loss. weights may be nil.
func NewBCELoss(weights []float64) *BCELoss {
	return &BCELoss{weights: weights}
}

// Compute returns the mean loss over the batch and the gradient of
// that mean with respect to each logit
func (l *BCELoss) Compute(logits, labels [][]float64) (float64, [][]float64, error) {
	if len(logits) != len(labels) {
		return 0, nil, fmt.Errorf("logits batch size %d does not match labels %d", len(logits), len(labels))
	}
	if len(logits) == 0 {
		return 0, nil, fmt.Errorf("empty batch")
	}

	n := float64(len(logits))
	var total float64
	grads := make([][]float64, len(logits))

	for i := range logits {
		z, y := logits[i], labels[i]
		if len(z) != len(y) {
			return 0, nil, fmt.Errorf("sample %d: %d logits for %d labels", i, len(z), len(y))
		}

		g := make([]float64, len(z))
		for c := range z {
			w := 1.0
			if l.weights != nil {
				w = l.weights[c]
			}
			total += w * (math.Max(z[c], 0) - z[c]*y[c] + math.Log1p(math.Exp(-math.Abs(z[c]))))
			g[c] = w * (sigmoid(z[c]) - y[c]) / n
		}
		grads[i] = g
	}

	return total / n, grads, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Class weighting modes
const (
	WeightNone        = "none"
	WeightInverse     = "inverse"
	WeightInverseSqrt = "inverse_sqrt"
)

// ClassWeights derives per-class loss weights from training-split
// positive counts. Weights are normalized to mean 1 so the weighted
// loss stays on the same scale as the unweighted one. A class with no
// positives is treated as having one to keep the weight finite.
func ClassWeights(mode string, counts []float64, totalSamples int) ([]float64, error) {
	switch mode {
	case "", WeightNone:
		return nil, nil
	case WeightInverse, WeightInverseSqrt:
	default:
		return nil, fmt.Errorf("unknown class weighting mode %q", mode)
	}
	if totalSamples < 1 {
		return nil, fmt.Errorf("class weights need at least one sample, got %d", totalSamples)
	}

	weights := make([]float64, len(counts))
	for c, count := range counts {
		if count < 1 {
			count = 1
		}
		w := float64(totalSamples) / count
		if mode == WeightInverseSqrt {
			w = math.Sqrt(w)
		}
		weights[c] = w
	}

	mean := floats.Sum(weights) / float64(len(weights))
	floats.Scale(1/mean, weights)
	return weights, nil
}
