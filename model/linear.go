package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/auscultate/heartsound/features"
)

func init() {
	Register("linear", func(bins, frames, classes int, seed int64) (Model, error) {
		return NewLinear(bins, frames, classes, seed)
	})
}

// Linear is the reference classifier: flattened spectrogram to logits
// through a single affine map. It exists to exercise the pipeline end
// to end, in smoke tests and dry runs, not to compete with the real
// architectures.
type Linear struct {
	bins    int
	frames  int
	classes int
	input   int

	weight *Param // classes x input
	bias   *Param // classes

	lastInputs [][]float64
}

// NewLinear builds a linear classifier with scaled uniform init
func NewLinear(bins, frames, classes int, seed int64) (*Linear, error) {
	if bins < 1 || frames < 1 || classes < 1 {
		return nil, fmt.Errorf("invalid linear shape %dx%d -> %d", bins, frames, classes)
	}

	input := bins * frames
	m := &Linear{
		bins:    bins,
		frames:  frames,
		classes: classes,
		input:   input,
		weight:  NewParam("linear.weight", classes, input),
		bias:    NewParam("linear.bias", classes),
	}

	rng := rand.New(rand.NewSource(seed))
	bound := 1.0 / math.Sqrt(float64(input))
	for i := range m.weight.Data {
		m.weight.Data[i] = (rng.Float64()*2 - 1) * bound
	}
	return m, nil
}

func (m *Linear) InputShape() (int, int) { return m.bins, m.frames }

func (m *Linear) NumClasses() int { return m.classes }

func (m *Linear) Forward(inputs []*features.FeatureTensor) ([][]float64, error) {
	m.lastInputs = make([][]float64, len(inputs))
	logits := make([][]float64, len(inputs))

	for i, t := range inputs {
		if t.Bins != m.bins || t.Frames != m.frames {
			return nil, fmt.Errorf("input %d has shape %dx%d, model expects %dx%d",
				i, t.Bins, t.Frames, m.bins, m.frames)
		}
		x := t.Flatten()
		m.lastInputs[i] = x

		z := make([]float64, m.classes)
		for c := 0; c < m.classes; c++ {
			row := m.weight.Data[c*m.input : (c+1)*m.input]
			z[c] = floats.Dot(row, x) + m.bias.Data[c]
		}
		logits[i] = z
	}
	return logits, nil
}

func (m *Linear) Backward(logitGrads [][]float64) error {
	if len(logitGrads) != len(m.lastInputs) {
		return fmt.Errorf("gradient batch size %d does not match forward batch size %d",
			len(logitGrads), len(m.lastInputs))
	}

	for i, g := range logitGrads {
		x := m.lastInputs[i]
		for c := 0; c < m.classes; c++ {
			row := m.weight.Grad[c*m.input : (c+1)*m.input]
			floats.AddScaled(row, g[c], x)
			m.bias.Grad[c] += g[c]
		}
	}
	return nil
}

func (m *Linear) Parameters() []*Param {
	return []*Param{m.weight, m.bias}
}

func (m *Linear) ZeroGrad() {
	zeroGrads(m.Parameters())
}

func zeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}
