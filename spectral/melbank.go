package spectral

import (
	"math"
)

// MelBank builds and applies a triangular mel-scale filter bank
type MelBank struct {
	filters [][]float64
	numMels int
}

// HzToMel converts frequency in Hz to mel scale
func HzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

// MelToHz converts mel scale to frequency in Hz
func MelToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// NewMelBank creates a filter bank of numMels triangular filters for
// spectra of fftSize/2+1 bins. A highFreq of 0 means Nyquist.
func NewMelBank(numMels, fftSize, sampleRate int, lowFreq, highFreq float64) *MelBank {
	if numMels <= 0 || fftSize <= 0 {
		return nil
	}
	if highFreq <= 0 {
		highFreq = float64(sampleRate) / 2.0
	}

	lowMel := HzToMel(lowFreq)
	highMel := HzToMel(highFreq)

	// Equally spaced mel points, converted back to FFT bin indices
	melPoints := make([]float64, numMels+2)
	melStep := (highMel - lowMel) / float64(numMels+1)
	for i := range melPoints {
		melPoints[i] = lowMel + float64(i)*melStep
	}

	binPoints := make([]int, len(melPoints))
	for i, mel := range melPoints {
		hz := MelToHz(mel)
		binPoints[i] = int(math.Floor((float64(fftSize)+1.0)*hz/float64(sampleRate) + 0.5))
		binPoints[i] = min(binPoints[i], fftSize/2)
	}

	filters := make([][]float64, numMels)
	for i := range filters {
		filters[i] = make([]float64, fftSize/2+1)
	}

	for m := 1; m <= numMels; m++ {
		leftBin := binPoints[m-1]
		centerBin := binPoints[m]
		rightBin := binPoints[m+1]

		// Rising edge
		for k := leftBin; k < centerBin && k < len(filters[m-1]); k++ {
			if centerBin != leftBin {
				filters[m-1][k] = float64(k-leftBin) / float64(centerBin-leftBin)
			}
		}

		// Falling edge
		for k := centerBin; k < rightBin && k < len(filters[m-1]); k++ {
			if rightBin != centerBin {
				filters[m-1][k] = float64(rightBin-k) / float64(rightBin-centerBin)
			}
		}
	}

	return &MelBank{filters: filters, numMels: numMels}
}

// NumMels returns the filter count
func (mb *MelBank) NumMels() int {
	return mb.numMels
}

// Apply projects a power spectrum onto the mel filters
func (mb *MelBank) Apply(powerSpectrum []float64) []float64 {
	melSpectrum := make([]float64, len(mb.filters))

	for i, filter := range mb.filters {
		sum := 0.0
		for j := 0; j < len(filter) && j < len(powerSpectrum); j++ {
			sum += powerSpectrum[j] * filter[j]
		}
		melSpectrum[i] = sum
	}

	return melSpectrum
}

// dB floor keeps log of silent bins finite
const dbFloor = 1e-10

// PowerToDB converts a power value to decibels with a floor
func PowerToDB(power float64) float64 {
	if power < dbFloor {
		power = dbFloor
	}
	return 10.0 * math.Log10(power)
}
