package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/auscultate/heartsound/features"
)

// defaultHidden is the hidden width of the registered mlp family
const defaultHidden = 256

func init() {
	Register("mlp", func(bins, frames, classes int, seed int64) (Model, error) {
		return NewMLP(bins, frames, defaultHidden, classes, seed)
	})
}

// MLP is a one-hidden-layer ReLU network over the flattened
// spectrogram. A step up from Linear for smoke-testing the gradient
// path through a nonlinearity.
type MLP struct {
	bins    int
	frames  int
	hidden  int
	classes int
	input   int

	w1 *Param // hidden x input
	b1 *Param // hidden
	w2 *Param // classes x hidden
	b2 *Param // classes

	lastInputs [][]float64
	lastHidden [][]float64 // post-ReLU activations
}

// NewMLP builds the network with scaled uniform init per layer
func NewMLP(bins, frames, hidden, classes int, seed int64) (*MLP, error) {
	if bins < 1 || frames < 1 || hidden < 1 || classes < 1 {
		return nil, fmt.Errorf("invalid mlp shape %dx%d -> %d -> %d", bins, frames, hidden, classes)
	}

	input := bins * frames
	m := &MLP{
		bins:    bins,
		frames:  frames,
		hidden:  hidden,
		classes: classes,
		input:   input,
		w1:      NewParam("mlp.w1", hidden, input),
		b1:      NewParam("mlp.b1", hidden),
		w2:      NewParam("mlp.w2", classes, hidden),
		b2:      NewParam("mlp.b2", classes),
	}

	rng := rand.New(rand.NewSource(seed))
	initUniform(rng, m.w1.Data, 1.0/math.Sqrt(float64(input)))
	initUniform(rng, m.w2.Data, 1.0/math.Sqrt(float64(hidden)))
	return m, nil
}

func initUniform(rng *rand.Rand, data []float64, bound float64) {
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
}

func (m *MLP) InputShape() (int, int) { return m.bins, m.frames }

func (m *MLP) NumClasses() int { return m.classes }

func (m *MLP) Forward(inputs []*features.FeatureTensor) ([][]float64, error) {
	m.lastInputs = make([][]float64, len(inputs))
	m.lastHidden = make([][]float64, len(inputs))
	logits := make([][]float64, len(inputs))

	for i, t := range inputs {
		if t.Bins != m.bins || t.Frames != m.frames {
			return nil, fmt.Errorf("input %d has shape %dx%d, model expects %dx%d",
				i, t.Bins, t.Frames, m.bins, m.frames)
		}
		x := t.Flatten()
		m.lastInputs[i] = x

		h := make([]float64, m.hidden)
		for j := 0; j < m.hidden; j++ {
			row := m.w1.Data[j*m.input : (j+1)*m.input]
			v := floats.Dot(row, x) + m.b1.Data[j]
			if v > 0 {
				h[j] = v
			}
		}
		m.lastHidden[i] = h

		z := make([]float64, m.classes)
		for c := 0; c < m.classes; c++ {
			row := m.w2.Data[c*m.hidden : (c+1)*m.hidden]
			z[c] = floats.Dot(row, h) + m.b2.Data[c]
		}
		logits[i] = z
	}
	return logits, nil
}

func (m *MLP) Backward(logitGrads [][]float64) error {
	if len(logitGrads) != len(m.lastInputs) {
		return fmt.Errorf("gradient batch size %d does not match forward batch size %d",
			len(logitGrads), len(m.lastInputs))
	}

	dh := make([]float64, m.hidden)
	for i, g := range logitGrads {
		x := m.lastInputs[i]
		h := m.lastHidden[i]

		for j := range dh {
			dh[j] = 0
		}
		for c := 0; c < m.classes; c++ {
			row := m.w2.Grad[c*m.hidden : (c+1)*m.hidden]
			floats.AddScaled(row, g[c], h)
			m.b2.Grad[c] += g[c]

			wRow := m.w2.Data[c*m.hidden : (c+1)*m.hidden]
			floats.AddScaled(dh, g[c], wRow)
		}

		// ReLU gate: h[j] == 0 means the unit was inactive
		for j := 0; j < m.hidden; j++ {
			if h[j] <= 0 {
				continue
			}
			row := m.w1.Grad[j*m.input : (j+1)*m.input]
			floats.AddScaled(row, dh[j], x)
			m.b1.Grad[j] += dh[j]
		}
	}
	return nil
}

func (m *MLP) Parameters() []*Param {
	return []*Param{m.w1, m.b1, m.w2, m.b2}
}

func (m *MLP) ZeroGrad() {
	zeroGrads(m.Parameters())
}
