package features

// FeatureTensor is a fixed-shape time-frequency representation of one
// recording: Data[bin][frame] holds log-mel energies. Shape is constant
// across a dataset for a given configuration.
type FeatureTensor struct {
	Data        [][]float64 // [Bins][Frames]
	Bins        int
	Frames      int
	ValidFrames int // frames backed by signal rather than padding
}

// NewFeatureTensor allocates a zeroed tensor of the given shape
func NewFeatureTensor(bins, frames int) *FeatureTensor {
	data := make([][]float64, bins)
	for i := range data {
		data[i] = make([]float64, frames)
	}
	return &FeatureTensor{
		Data:        data,
		Bins:        bins,
		Frames:      frames,
		ValidFrames: frames,
	}
}

// Flatten returns the tensor as a single row-major slice, the layout
// model inputs use
func (t *FeatureTensor) Flatten() []float64 {
	flat := make([]float64, 0, t.Bins*t.Frames)
	for _, row := range t.Data {
		flat = append(flat, row...)
	}
	return flat
}

// FrameMask returns a boolean mask over frames, true where the frame is
// backed by signal. Sequence-mode consumers use it for attention masking.
func (t *FeatureTensor) FrameMask() []bool {
	mask := make([]bool, t.Frames)
	for i := 0; i < t.ValidFrames && i < t.Frames; i++ {
		mask[i] = true
	}
	return mask
}

// mean returns the mean cell value, used as the fill for masking
// augmentations
func (t *FeatureTensor) mean() float64 {
	if t.Bins == 0 || t.Frames == 0 {
		return 0
	}
	sum := 0.0
	for _, row := range t.Data {
		for _, v := range row {
			sum += v
		}
	}
	return sum / float64(t.Bins*t.Frames)
}
