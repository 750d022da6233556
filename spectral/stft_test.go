package spectral

import (
	"math"
	"testing"
)

func sine(freq float64, sampleRate, n int) []float64 {
	signal := make([]float64, n)
	for i := range signal {
		signal[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
	}
	return signal
}

func TestNumFrames(t *testing.T) {
	tests := []struct {
		name       string
		signalLen  int
		windowSize int
		hopSize    int
		expected   int
	}{
		{"exact window", 1024, 1024, 512, 1},
		{"one hop extra", 1536, 1024, 512, 2},
		{"reference config", 80000, 1024, 512, 155},
		{"too short", 512, 1024, 512, 0},
		{"hop equals window", 2048, 1024, 1024, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NumFrames(tt.signalLen, tt.windowSize, tt.hopSize)
			if got != tt.expected {
				t.Errorf("NumFrames(%d, %d, %d) = %d, expected %d",
					tt.signalLen, tt.windowSize, tt.hopSize, got, tt.expected)
			}
		})
	}
}

func TestSTFTShape(t *testing.T) {
	stft := NewSTFT()
	signal := sine(100, 4000, 8000)

	result, err := stft.Compute(signal, 1024, 512, 4000)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	expectedFrames := NumFrames(8000, 1024, 512)
	if result.TimeFrames != expectedFrames {
		t.Errorf("expected %d frames, got %d", expectedFrames, result.TimeFrames)
	}
	if result.FreqBins != 513 {
		t.Errorf("expected 513 frequency bins, got %d", result.FreqBins)
	}
	if len(result.Power) != expectedFrames {
		t.Errorf("power matrix has %d rows, expected %d", len(result.Power), expectedFrames)
	}
}

func TestSTFTPeakBin(t *testing.T) {
	const (
		sampleRate = 4000
		windowSize = 1024
		freq       = 500.0
	)

	stft := NewSTFT()
	signal := sine(freq, sampleRate, sampleRate*2)

	result, err := stft.Compute(signal, windowSize, 512, sampleRate)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// Energy should concentrate at the bin closest to the sine frequency
	f := float64(freq)
	expectedBin := int(f*windowSize/sampleRate + 0.5)
	for _, frame := range result.Power {
		peakBin := 0
		for bin, p := range frame {
			if p > frame[peakBin] {
				peakBin = bin
			}
		}
		if d := peakBin - expectedBin; d < -1 || d > 1 {
			t.Fatalf("peak at bin %d, expected near %d", peakBin, expectedBin)
		}
	}
}

func TestSTFTRejectsBadInput(t *testing.T) {
	stft := NewSTFT()

	if _, err := stft.Compute(nil, 1024, 512, 4000); err == nil {
		t.Error("expected error for empty signal")
	}
	if _, err := stft.Compute(sine(100, 4000, 256), 1024, 512, 4000); err == nil {
		t.Error("expected error for signal shorter than window")
	}
	if _, err := stft.Compute(sine(100, 4000, 4000), 0, 512, 4000); err == nil {
		t.Error("expected error for zero window")
	}
}
