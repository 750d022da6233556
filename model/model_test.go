package model

import (
	"math"
	"strings"
	"testing"

	"github.com/auscultate/heartsound/features"
)

func tensorFromFlat(t *testing.T, bins, frames int, flat []float64) *features.FeatureTensor {
	t.Helper()
	if len(flat) != bins*frames {
		t.Fatalf("flat has %d values, shape needs %d", len(flat), bins*frames)
	}
	ft := features.NewFeatureTensor(bins, frames)
	for b := 0; b < bins; b++ {
		copy(ft.Data[b], flat[b*frames:(b+1)*frames])
	}
	return ft
}

func TestRegistryListsFamilies(t *testing.T) {
	fams := Families()
	var hasLinear, hasMLP bool
	for _, f := range fams {
		if f == "linear" {
			hasLinear = true
		}
		if f == "mlp" {
			hasMLP = true
		}
	}
	if !hasLinear || !hasMLP {
		t.Errorf("expected linear and mlp in families, got %v", fams)
	}
}

func TestRegistryRejectsUnknownFamily(t *testing.T) {
	_, err := New("conformer-v9", 8, 4, 5, 1)
	if err == nil {
		t.Fatal("expected error for unregistered family")
	}
	if !strings.Contains(err.Error(), "conformer-v9") {
		t.Errorf("error does not name the family: %v", err)
	}
}

func TestParamSize(t *testing.T) {
	p := NewParam("w", 3, 7)
	if p.Size() != 21 {
		t.Errorf("expected size 21, got %d", p.Size())
	}
	if len(p.Grad) != 21 {
		t.Errorf("gradient buffer has %d values", len(p.Grad))
	}
}

func TestLinearForwardHandComputed(t *testing.T) {
	m, err := NewLinear(1, 2, 2, 1)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	// Overwrite the random init with known values:
	// class 0 weights [1, 2], class 1 weights [-1, 0.5]
	copy(m.weight.Data, []float64{1, 2, -1, 0.5})
	copy(m.bias.Data, []float64{0.25, -0.25})

	in := tensorFromFlat(t, 1, 2, []float64{3, -1})
	logits, err := m.Forward([]*features.FeatureTensor{in})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// z0 = 1*3 + 2*(-1) + 0.25 = 1.25
	// z1 = -1*3 + 0.5*(-1) - 0.25 = -3.75
	want := []float64{1.25, -3.75}
	for c, w := range want {
		if math.Abs(logits[0][c]-w) > 1e-12 {
			t.Errorf("logit %d = %v, want %v", c, logits[0][c], w)
		}
	}
}

func TestLinearBackwardHandComputed(t *testing.T) {
	m, err := NewLinear(1, 2, 1, 1)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	a := tensorFromFlat(t, 1, 2, []float64{1, 2})
	b := tensorFromFlat(t, 1, 2, []float64{-1, 3})
	if _, err := m.Forward([]*features.FeatureTensor{a, b}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	m.ZeroGrad()
	if err := m.Backward([][]float64{{0.5}, {-1}}); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dW = 0.5*[1,2] + (-1)*[-1,3] = [1.5, -2], db = 0.5 - 1 = -0.5
	wantW := []float64{1.5, -2}
	for i, w := range wantW {
		if math.Abs(m.weight.Grad[i]-w) > 1e-12 {
			t.Errorf("weight grad %d = %v, want %v", i, m.weight.Grad[i], w)
		}
	}
	if math.Abs(m.bias.Grad[0]+0.5) > 1e-12 {
		t.Errorf("bias grad = %v, want -0.5", m.bias.Grad[0])
	}
}

func TestLinearRejectsShapeMismatch(t *testing.T) {
	m, err := NewLinear(4, 8, 5, 1)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	if _, err := m.Forward([]*features.FeatureTensor{features.NewFeatureTensor(4, 9)}); err == nil {
		t.Error("expected error for wrong frame count")
	}
	if _, err := m.Forward([]*features.FeatureTensor{features.NewFeatureTensor(3, 8)}); err == nil {
		t.Error("expected error for wrong bin count")
	}
}

func TestLinearSeedDeterminism(t *testing.T) {
	a, _ := NewLinear(4, 8, 5, 7)
	b, _ := NewLinear(4, 8, 5, 7)
	c, _ := NewLinear(4, 8, 5, 8)

	for i := range a.weight.Data {
		if a.weight.Data[i] != b.weight.Data[i] {
			t.Fatal("same seed produced different weights")
		}
	}
	same := true
	for i := range a.weight.Data {
		if a.weight.Data[i] != c.weight.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical weights")
	}
}

// TestMLPGradientNumeric checks the analytic backward pass against
// central differences on a scalar loss L = sum(logits).
func TestMLPGradientNumeric(t *testing.T) {
	m, err := NewMLP(2, 3, 4, 2, 11)
	if err != nil {
		t.Fatalf("NewMLP failed: %v", err)
	}

	in := tensorFromFlat(t, 2, 3, []float64{0.3, -0.7, 1.1, 0.2, -0.4, 0.9})
	batch := []*features.FeatureTensor{in}

	lossAt := func() float64 {
		logits, err := m.Forward(batch)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		sum := 0.0
		for _, z := range logits[0] {
			sum += z
		}
		return sum
	}

	// Analytic gradients, dL/dz = 1 for every logit
	lossAt()
	m.ZeroGrad()
	if err := m.Backward([][]float64{{1, 1}}); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-6
	for _, p := range m.Parameters() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := lossAt()
			p.Data[i] = orig - eps
			down := lossAt()
			p.Data[i] = orig

			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-p.Grad[i]) > 1e-4 {
				t.Fatalf("%s[%d]: analytic grad %v, numeric %v", p.Name, i, p.Grad[i], numeric)
			}
		}
	}
}

func TestMLPReLUGatesGradient(t *testing.T) {
	m, err := NewMLP(1, 1, 2, 1, 1)
	if err != nil {
		t.Fatalf("NewMLP failed: %v", err)
	}

	// Unit 0 active, unit 1 dead for input 1.0
	copy(m.w1.Data, []float64{1, -1})
	copy(m.b1.Data, []float64{0, 0})
	copy(m.w2.Data, []float64{1, 1})

	in := tensorFromFlat(t, 1, 1, []float64{1})
	if _, err := m.Forward([]*features.FeatureTensor{in}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	m.ZeroGrad()
	if err := m.Backward([][]float64{{1}}); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if m.w1.Grad[0] == 0 {
		t.Error("active unit received no gradient")
	}
	if m.w1.Grad[1] != 0 || m.b1.Grad[1] != 0 {
		t.Error("dead unit received gradient through the ReLU")
	}
}

func TestZeroGradClears(t *testing.T) {
	m, err := NewLinear(2, 2, 3, 1)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	in := tensorFromFlat(t, 2, 2, []float64{1, 1, 1, 1})
	if _, err := m.Forward([]*features.FeatureTensor{in}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := m.Backward([][]float64{{1, 1, 1}}); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	m.ZeroGrad()
	for _, p := range m.Parameters() {
		for i, g := range p.Grad {
			if g != 0 {
				t.Fatalf("%s[%d] still %v after ZeroGrad", p.Name, i, g)
			}
		}
	}
}
