package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// DefaultThreshold converts a probability to a positive prediction
const DefaultThreshold = 0.5

// Engine accumulates raw model outputs and true label vectors across
// an evaluation pass, then computes the full multi-label breakdown in
// one shot. Thresholding happens at Compute time, the engine keeps raw
// scores so ROC-AUC sees the pre-threshold ranking.
type Engine struct {
	classNames []string
	thresholds []float64

	scores [][]float64 // sigmoid probabilities, sample major
	labels [][]float64
}

// NewEngine creates an engine for the given classes. thresholds may be
// nil (every class uses DefaultThreshold) or one value per class.
func NewEngine(classNames []string, thresholds []float64) (*Engine, error) {
	if len(classNames) == 0 {
		return nil, fmt.Errorf("metrics engine needs at least one class")
	}

	t := make([]float64, len(classNames))
	switch len(thresholds) {
	case 0:
		for i := range t {
			t[i] = DefaultThreshold
		}
	case len(classNames):
		for i, v := range thresholds {
			if v <= 0 || v >= 1 {
				return nil, fmt.Errorf("threshold for class %s must be in (0, 1), got %g", classNames[i], v)
			}
			t[i] = v
		}
	default:
		return nil, fmt.Errorf("%d thresholds for %d classes", len(thresholds), len(classNames))
	}

	return &Engine{classNames: classNames, thresholds: t}, nil
}

// Add records one batch of logits with its true labels
func (e *Engine) Add(logits, labels [][]float64) error {
	if len(logits) != len(labels) {
		return fmt.Errorf("logits batch size %d does not match labels %d", len(logits), len(labels))
	}
	for i := range logits {
		if len(logits[i]) != len(e.classNames) || len(labels[i]) != len(e.classNames) {
			return fmt.Errorf("sample %d: expected %d classes", i, len(e.classNames))
		}
		probs := make([]float64, len(logits[i]))
		for c, z := range logits[i] {
			probs[c] = sigmoid(z)
		}
		e.scores = append(e.scores, probs)
		e.labels = append(e.labels, labels[i])
	}
	return nil
}

// Reset clears accumulated samples for reuse across passes
func (e *Engine) Reset() {
	e.scores = e.scores[:0]
	e.labels = e.labels[:0]
}

// Samples returns the number of accumulated samples
func (e *Engine) Samples() int {
	return len(e.scores)
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	v := math.Exp(z)
	return v / (1 + v)
}

// ClassMetrics is the per-class breakdown. Precision, Recall, F1 and
// AUC are NaN when undefined for this evaluation set: precision with
// no positive predictions, recall and F1 with zero support, AUC when
// the class is single-sided.
type ClassMetrics struct {
	Name    string
	Support int // true positives in the evaluation set
	TP      int
	FP      int
	FN      int
	TN      int

	Precision float64
	Recall    float64
	F1        float64
	AUC       float64
}

// Summary aggregates an evaluation pass. Macro averages are unweighted
// means over the classes where the metric is defined; classes with an
// undefined value do not enter the denominator. Micro aggregates pool
// the confusion counts over all classes first.
type Summary struct {
	PerClass []ClassMetrics
	Samples  int

	MacroPrecision float64
	MacroRecall    float64
	MacroF1        float64
	MacroAUC       float64

	MicroPrecision float64
	MicroRecall    float64
	MicroF1        float64
}

// Compute runs the full breakdown over everything accumulated so far
func (e *Engine) Compute() (*Summary, error) {
	if len(e.scores) == 0 {
		return nil, fmt.Errorf("no samples accumulated")
	}

	s := &Summary{
		PerClass: make([]ClassMetrics, len(e.classNames)),
		Samples:  len(e.scores),
	}

	var microTP, microFP, microFN int
	for c := range e.classNames {
		cm := e.classMetrics(c)
		s.PerClass[c] = cm
		microTP += cm.TP
		microFP += cm.FP
		microFN += cm.FN
	}

	s.MacroPrecision = macroMean(s.PerClass, func(c ClassMetrics) float64 { return c.Precision })
	s.MacroRecall = macroMean(s.PerClass, func(c ClassMetrics) float64 { return c.Recall })
	s.MacroF1 = macroMean(s.PerClass, func(c ClassMetrics) float64 { return c.F1 })
	s.MacroAUC = macroMean(s.PerClass, func(c ClassMetrics) float64 { return c.AUC })

	s.MicroPrecision = ratio(microTP, microTP+microFP)
	s.MicroRecall = ratio(microTP, microTP+microFN)
	s.MicroF1 = harmonic(s.MicroPrecision, s.MicroRecall)

	return s, nil
}

func (e *Engine) classMetrics(c int) ClassMetrics {
	cm := ClassMetrics{Name: e.classNames[c]}

	for i := range e.scores {
		positive := e.labels[i][c] > 0.5
		predicted := e.scores[i][c] >= e.thresholds[c]
		switch {
		case predicted && positive:
			cm.TP++
		case predicted && !positive:
			cm.FP++
		case !predicted && positive:
			cm.FN++
		default:
			cm.TN++
		}
	}
	cm.Support = cm.TP + cm.FN

	cm.Precision = ratio(cm.TP, cm.TP+cm.FP)
	cm.Recall = ratio(cm.TP, cm.Support)
	cm.F1 = harmonic(cm.Precision, cm.Recall)
	cm.AUC = e.classAUC(c, cm.Support)

	return cm
}

// classAUC ranks the class scores and integrates the ROC curve.
// Returns NaN when the evaluation set is single-sided for the class.
func (e *Engine) classAUC(c, support int) float64 {
	n := len(e.scores)
	if support == 0 || support == n {
		return math.NaN()
	}

	y := make([]float64, n)
	classes := make([]bool, n)
	for i := range e.scores {
		y[i] = e.scores[i][c]
		classes[i] = e.labels[i][c] > 0.5
	}

	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return math.NaN()
	}
	return float64(num) / float64(den)
}

func harmonic(p, r float64) float64 {
	if math.IsNaN(p) || math.IsNaN(r) {
		return math.NaN()
	}
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func macroMean(perClass []ClassMetrics, pick func(ClassMetrics) float64) float64 {
	var sum float64
	var n int
	for _, cm := range perClass {
		v := pick(cm)
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Metric names accepted by Summary.Metric
const (
	MacroF1        = "macro_f1"
	MacroPrecision = "macro_precision"
	MacroRecall    = "macro_recall"
	MacroAUC       = "macro_auc"
	MicroF1        = "micro_f1"
	MicroPrecision = "micro_precision"
	MicroRecall    = "micro_recall"
)

// Metric returns an aggregate by name
func (s *Summary) Metric(name string) (float64, error) {
	switch name {
	case MacroF1:
		return s.MacroF1, nil
	case MacroPrecision:
		return s.MacroPrecision, nil
	case MacroRecall:
		return s.MacroRecall, nil
	case MacroAUC:
		return s.MacroAUC, nil
	case MicroF1:
		return s.MicroF1, nil
	case MicroPrecision:
		return s.MicroPrecision, nil
	case MicroRecall:
		return s.MicroRecall, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", name)
	}
}
