package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/auscultate/heartsound/features"
)

// Model is the capability contract the training loop and batch source
// program against: accept feature tensors of a declared shape, return
// logits over the diagnosis classes. Architectures register themselves
// by family name, so new families plug in without touching the
// pipeline.
type Model interface {
	// InputShape returns the (bins, frames) the model was built for
	InputShape() (bins, frames int)

	// NumClasses returns the width of the logit vectors
	NumClasses() int

	// Forward computes raw logits for a batch. The returned slice is
	// indexed like the input batch.
	Forward(inputs []*features.FeatureTensor) ([][]float64, error)

	// Backward accumulates parameter gradients from the loss gradient
	// with respect to the logits of the most recent Forward call
	Backward(logitGrads [][]float64) error

	// Parameters returns every learnable parameter. The slice and its
	// order are stable across calls.
	Parameters() []*Param

	// ZeroGrad clears all accumulated gradients
	ZeroGrad()
}

// Param is one named parameter tensor with its gradient, stored flat
type Param struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Grad  []float64 `json:"-"`
}

// NewParam allocates a zero-initialized parameter
func NewParam(name string, shape ...int) *Param {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Size returns the number of scalar values in the parameter
func (p *Param) Size() int {
	return len(p.Data)
}

// Factory builds a model for the given input shape and seed
type Factory func(bins, frames, classes int, seed int64) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a model family available under a name. Registering
// the same name twice panics, it is a programming error.
func Register(family string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[family]; dup {
		panic(fmt.Sprintf("model: family %q registered twice", family))
	}
	registry[family] = factory
}

// New builds a model of the named family
func New(family string, bins, frames, classes int, seed int64) (Model, error) {
	registryMu.RLock()
	factory, ok := registry[family]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model family %q, available: %v", family, Families())
	}
	return factory(bins, frames, classes, seed)
}

// Families lists the registered family names, sorted
func Families() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
