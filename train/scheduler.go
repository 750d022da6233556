package train

import (
	"fmt"
	"math"
)

// Scheduler adjusts the learning rate across epochs. Epoch is called
// once at the end of each epoch with the validation loss and returns
// the rate for the next epoch.
type Scheduler interface {
	Epoch(epoch int, valLoss float64) float64
	LR() float64
	State() SchedulerState
	LoadState(state SchedulerState)
}

// SchedulerState is the serializable snapshot of a scheduler. Best is
// nil until a finite validation loss has been observed; JSON cannot
// carry the +Inf sentinel the plateau schedule starts from.
type SchedulerState struct {
	LR       float64  `json:"lr"`
	Best     *float64 `json:"best,omitempty"`
	BadCount int      `json:"bad_count"`
}

// Scheduler kinds
const (
	SchedulerConstant = "constant"
	SchedulerStep     = "step"
	SchedulerCosine   = "cosine"
	SchedulerPlateau  = "plateau"
)

// Step decay and plateau defaults
const (
	stepDecayEvery   = 10
	stepDecayGamma   = 0.1
	plateauFactor    = 0.5
	plateauPatience  = 5
	plateauThreshold = 1e-4
)

// NewScheduler builds the configured scheduler. totalEpochs bounds
// the cosine schedule.
func NewScheduler(kind string, baseLR float64, totalEpochs int) (Scheduler, error) {
	switch kind {
	case "", SchedulerConstant:
		return &ConstantLR{lr: baseLR}, nil
	case SchedulerStep:
		return &StepLR{base: baseLR, lr: baseLR}, nil
	case SchedulerCosine:
		return &CosineLR{base: baseLR, lr: baseLR, totalEpochs: totalEpochs}, nil
	case SchedulerPlateau:
		return &PlateauLR{lr: baseLR, best: math.Inf(1)}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", kind)
	}
}

// ConstantLR keeps the base rate for the whole run
type ConstantLR struct {
	lr float64
}

func (s *ConstantLR) Epoch(int, float64) float64  { return s.lr }
func (s *ConstantLR) LR() float64                 { return s.lr }
func (s *ConstantLR) State() SchedulerState       { return SchedulerState{LR: s.lr} }
func (s *ConstantLR) LoadState(st SchedulerState) { s.lr = st.LR }

// StepLR multiplies the rate by a fixed gamma on a fixed epoch cadence
type StepLR struct {
	base float64
	lr   float64
}

func (s *StepLR) Epoch(epoch int, _ float64) float64 {
	s.lr = s.base * math.Pow(stepDecayGamma, float64((epoch+1)/stepDecayEvery))
	return s.lr
}

func (s *StepLR) LR() float64                 { return s.lr }
func (s *StepLR) State() SchedulerState       { return SchedulerState{LR: s.lr} }
func (s *StepLR) LoadState(st SchedulerState) { s.lr = st.LR }

// CosineLR anneals from the base rate to zero over the run
type CosineLR struct {
	base        float64
	lr          float64
	totalEpochs int
}

func (s *CosineLR) Epoch(epoch int, _ float64) float64 {
	if s.totalEpochs < 1 {
		return s.lr
	}
	progress := float64(epoch+1) / float64(s.totalEpochs)
	if progress > 1 {
		progress = 1
	}
	s.lr = s.base * 0.5 * (1 + math.Cos(math.Pi*progress))
	return s.lr
}

func (s *CosineLR) LR() float64                 { return s.lr }
func (s *CosineLR) State() SchedulerState       { return SchedulerState{LR: s.lr} }
func (s *CosineLR) LoadState(st SchedulerState) { s.lr = st.LR }

// PlateauLR halves the rate when validation loss stops improving for
// plateauPatience consecutive epochs
type PlateauLR struct {
	lr       float64
	best     float64
	badCount int
}

func (s *PlateauLR) Epoch(_ int, valLoss float64) float64 {
	if valLoss < s.best-plateauThreshold {
		s.best = valLoss
		s.badCount = 0
		return s.lr
	}

	s.badCount++
	if s.badCount >= plateauPatience {
		s.lr *= plateauFactor
		s.badCount = 0
	}
	return s.lr
}

func (s *PlateauLR) LR() float64 { return s.lr }

func (s *PlateauLR) State() SchedulerState {
	st := SchedulerState{LR: s.lr, BadCount: s.badCount}
	if !math.IsInf(s.best, 0) && !math.IsNaN(s.best) {
		best := s.best
		st.Best = &best
	}
	return st
}

func (s *PlateauLR) LoadState(st SchedulerState) {
	s.lr = st.LR
	s.badCount = st.BadCount
	if st.Best != nil {
		s.best = *st.Best
	} else {
		s.best = math.Inf(1)
	}
}
