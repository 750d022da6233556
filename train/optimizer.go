package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/auscultate/heartsound/model"
)

// Optimizer applies accumulated gradients to parameters. State() and
// LoadState() round-trip everything needed to resume mid-run.
type Optimizer interface {
	Step(params []*model.Param) error
	SetLR(lr float64)
	LR() float64
	StepCount() int
	State() OptimizerState
	LoadState(state OptimizerState) error
}

// OptimizerState is the serializable snapshot of an optimizer
type OptimizerState struct {
	Kind      string               `json:"kind"`
	LR        float64              `json:"lr"`
	StepCount int                  `json:"step_count"`
	Slots     map[string][]float64 `json:"slots,omitempty"`
}

// Optimizer kinds
const (
	OptimizerAdamW = "adamw"
	OptimizerSGD   = "sgd"
)

// NewOptimizer builds the configured optimizer
func NewOptimizer(kind string, lr, weightDecay, momentum float64) (Optimizer, error) {
	switch kind {
	case OptimizerAdamW:
		return NewAdamW(lr, weightDecay), nil
	case OptimizerSGD:
		return NewSGD(lr, weightDecay, momentum), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}

// AdamW is Adam with decoupled weight decay
type AdamW struct {
	lr          float64
	weightDecay float64
	beta1       float64
	beta2       float64
	epsilon     float64

	stepCount int
	m         map[string][]float64 // first moment per parameter
	v         map[string][]float64 // second moment per parameter
}

// NewAdamW creates an AdamW optimizer with the standard betas
func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		lr:          lr,
		weightDecay: weightDecay,
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

func (o *AdamW) Step(params []*model.Param) error {
	o.stepCount++
	bc1 := 1 - math.Pow(o.beta1, float64(o.stepCount))
	bc2 := 1 - math.Pow(o.beta2, float64(o.stepCount))

	for _, p := range params {
		m := o.slot(o.m, p)
		v := o.slot(o.v, p)

		for i, g := range p.Grad {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g

			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Data[i] -= o.lr * (mHat/(math.Sqrt(vHat)+o.epsilon) + o.weightDecay*p.Data[i])
		}
	}
	return nil
}

func (o *AdamW) slot(slots map[string][]float64, p *model.Param) []float64 {
	s, ok := slots[p.Name]
	if !ok || len(s) != p.Size() {
		s = make([]float64, p.Size())
		slots[p.Name] = s
	}
	return s
}

func (o *AdamW) SetLR(lr float64) { o.lr = lr }
func (o *AdamW) LR() float64      { return o.lr }
func (o *AdamW) StepCount() int   { return o.stepCount }

func (o *AdamW) State() OptimizerState {
	slots := make(map[string][]float64, 2*len(o.m))
	for name, s := range o.m {
		slots["m."+name] = append([]float64(nil), s...)
	}
	for name, s := range o.v {
		slots["v."+name] = append([]float64(nil), s...)
	}
	return OptimizerState{
		Kind:      OptimizerAdamW,
		LR:        o.lr,
		StepCount: o.stepCount,
		Slots:     slots,
	}
}

func (o *AdamW) LoadState(state OptimizerState) error {
	if state.Kind != OptimizerAdamW {
		return fmt.Errorf("cannot load %q state into adamw optimizer", state.Kind)
	}
	o.lr = state.LR
	o.stepCount = state.StepCount
	o.m = make(map[string][]float64)
	o.v = make(map[string][]float64)
	for key, s := range state.Slots {
		switch {
		case len(key) > 2 && key[:2] == "m.":
			o.m[key[2:]] = append([]float64(nil), s...)
		case len(key) > 2 && key[:2] == "v.":
			o.v[key[2:]] = append([]float64(nil), s...)
		default:
			return fmt.Errorf("unrecognized adamw slot %q", key)
		}
	}
	return nil
}

// SGD is stochastic gradient descent with classical momentum and
// coupled weight decay
type SGD struct {
	lr          float64
	weightDecay float64
	momentum    float64

	stepCount int
	velocity  map[string][]float64
}

// NewSGD creates an SGD optimizer. momentum 0 disables the velocity
// buffer updates' effect.
func NewSGD(lr, weightDecay, momentum float64) *SGD {
	return &SGD{
		lr:          lr,
		weightDecay: weightDecay,
		momentum:    momentum,
		velocity:    make(map[string][]float64),
	}
}

func (o *SGD) Step(params []*model.Param) error {
	o.stepCount++
	for _, p := range params {
		v, ok := o.velocity[p.Name]
		if !ok || len(v) != p.Size() {
			v = make([]float64, p.Size())
			o.velocity[p.Name] = v
		}

		floats.Scale(o.momentum, v)
		floats.Add(v, p.Grad)
		if o.weightDecay != 0 {
			floats.AddScaled(v, o.weightDecay, p.Data)
		}
		floats.AddScaled(p.Data, -o.lr, v)
	}
	return nil
}

func (o *SGD) SetLR(lr float64) { o.lr = lr }
func (o *SGD) LR() float64      { return o.lr }
func (o *SGD) StepCount() int   { return o.stepCount }

func (o *SGD) State() OptimizerState {
	slots := make(map[string][]float64, len(o.velocity))
	for name, v := range o.velocity {
		slots["velocity."+name] = append([]float64(nil), v...)
	}
	return OptimizerState{
		Kind:      OptimizerSGD,
		LR:        o.lr,
		StepCount: o.stepCount,
		Slots:     slots,
	}
}

func (o *SGD) LoadState(state OptimizerState) error {
	if state.Kind != OptimizerSGD {
		return fmt.Errorf("cannot load %q state into sgd optimizer", state.Kind)
	}
	o.lr = state.LR
	o.stepCount = state.StepCount
	o.velocity = make(map[string][]float64)
	const prefix = "velocity."
	for key, v := range state.Slots {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			return fmt.Errorf("unrecognized sgd slot %q", key)
		}
		o.velocity[key[len(prefix):]] = append([]float64(nil), v...)
	}
	return nil
}
