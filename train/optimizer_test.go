package train

import (
	"math"
	"testing"

	"github.com/auscultate/heartsound/model"
)

func paramWithGrad(name string, data, grad []float64) *model.Param {
	p := model.NewParam(name, len(data))
	copy(p.Data, data)
	copy(p.Grad, grad)
	return p
}

func TestSGDHandStepped(t *testing.T) {
	opt := NewSGD(0.1, 0, 0.9)
	p := paramWithGrad("w", []float64{1.0}, []float64{2.0})

	// step 1: v = 2, w = 1 - 0.1*2 = 0.8
	if err := opt.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(p.Data[0]-0.8) > 1e-12 {
		t.Errorf("after step 1: %v, want 0.8", p.Data[0])
	}

	// step 2 with same grad: v = 0.9*2 + 2 = 3.8, w = 0.8 - 0.38 = 0.42
	p.Grad[0] = 2.0
	if err := opt.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(p.Data[0]-0.42) > 1e-12 {
		t.Errorf("after step 2: %v, want 0.42", p.Data[0])
	}
	if opt.StepCount() != 2 {
		t.Errorf("step count = %d, want 2", opt.StepCount())
	}
}

func TestSGDWeightDecay(t *testing.T) {
	opt := NewSGD(0.1, 0.5, 0)
	p := paramWithGrad("w", []float64{2.0}, []float64{0})

	// v = 0 + 0.5*2 = 1, w = 2 - 0.1 = 1.9
	if err := opt.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.Abs(p.Data[0]-1.9) > 1e-12 {
		t.Errorf("after decay step: %v, want 1.9", p.Data[0])
	}
}

func TestAdamWFirstStepIsSignedLR(t *testing.T) {
	opt := NewAdamW(0.01, 0)
	p := paramWithGrad("w", []float64{0.5, 0.5}, []float64{3.0, -0.001})

	if err := opt.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// With bias correction, the first update is lr * g/|g| up to epsilon
	if math.Abs(p.Data[0]-(0.5-0.01)) > 1e-6 {
		t.Errorf("positive grad: %v, want ~0.49", p.Data[0])
	}
	if math.Abs(p.Data[1]-(0.5+0.01)) > 1e-6 {
		t.Errorf("negative grad: %v, want ~0.51", p.Data[1])
	}
}

func TestAdamWDecoupledDecayShrinksWithoutGradient(t *testing.T) {
	opt := NewAdamW(0.1, 0.1)
	p := paramWithGrad("w", []float64{1.0}, []float64{0})

	if err := opt.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// Moments stay zero, so only decay acts: w = 1 - 0.1*0.1*1 = 0.99
	if math.Abs(p.Data[0]-0.99) > 1e-10 {
		t.Errorf("after decay-only step: %v, want 0.99", p.Data[0])
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	for _, kind := range []string{OptimizerAdamW, OptimizerSGD} {
		t.Run(kind, func(t *testing.T) {
			opt, err := NewOptimizer(kind, 0.05, 0.01, 0.9)
			if err != nil {
				t.Fatalf("NewOptimizer failed: %v", err)
			}

			a := paramWithGrad("a", []float64{1, 2}, []float64{0.1, -0.2})
			for i := 0; i < 3; i++ {
				if err := opt.Step([]*model.Param{a}); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			opt.SetLR(0.02)
			saved := opt.State()

			restored, err := NewOptimizer(kind, 0.05, 0.01, 0.9)
			if err != nil {
				t.Fatalf("NewOptimizer failed: %v", err)
			}
			if err := restored.LoadState(saved); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}

			if restored.LR() != 0.02 {
				t.Errorf("restored lr = %v, want 0.02", restored.LR())
			}
			if restored.StepCount() != 3 {
				t.Errorf("restored step count = %d, want 3", restored.StepCount())
			}

			// Next step must match on both instances exactly
			orig := paramWithGrad("a", a.Data, []float64{0.3, 0.3})
			clone := paramWithGrad("a", a.Data, []float64{0.3, 0.3})
			if err := opt.Step([]*model.Param{orig}); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if err := restored.Step([]*model.Param{clone}); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			for i := range orig.Data {
				if orig.Data[i] != clone.Data[i] {
					t.Fatalf("divergence after restore at %d: %v vs %v", i, orig.Data[i], clone.Data[i])
				}
			}
		})
	}
}

func TestOptimizerStateRejectsWrongKind(t *testing.T) {
	sgd := NewSGD(0.1, 0, 0)
	adam := NewAdamW(0.1, 0)

	if err := sgd.LoadState(adam.State()); err == nil {
		t.Error("sgd accepted adamw state")
	}
	if err := adam.LoadState(sgd.State()); err == nil {
		t.Error("adamw accepted sgd state")
	}
}

func TestNewOptimizerUnknownKind(t *testing.T) {
	if _, err := NewOptimizer("lbfgs", 0.1, 0, 0); err == nil {
		t.Error("expected error for unknown optimizer")
	}
}

func TestOptimizerStateIsACopy(t *testing.T) {
	opt := NewAdamW(0.1, 0)
	p := paramWithGrad("w", []float64{1}, []float64{1})
	if err := opt.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	saved := opt.State()
	before := saved.Slots["m.w"][0]

	p.Grad[0] = 5
	if err := opt.Step([]*model.Param{p}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if saved.Slots["m.w"][0] != before {
		t.Error("stepping after State() mutated the snapshot")
	}
}
