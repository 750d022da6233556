package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/auscultate/heartsound/config"
	"github.com/auscultate/heartsound/logging"
)

// writeWAV writes a PCM16 RIFF/WAVE file with interleaved channels
func writeWAV(t *testing.T, path string, sampleRate, channels int, frames [][]float64) {
	t.Helper()

	numFrames := len(frames)
	dataSize := numFrames * channels * 2

	buf := make([]byte, 0, 44+dataSize)
	le := binary.LittleEndian

	u32 := func(v uint32) []byte { b := make([]byte, 4); le.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); le.PutUint16(b, v); return b }

	buf = append(buf, []byte("RIFF")...)
	buf = append(buf, u32(uint32(36+dataSize))...)
	buf = append(buf, []byte("WAVE")...)

	buf = append(buf, []byte("fmt ")...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(uint16(channels))...)
	buf = append(buf, u32(uint32(sampleRate))...)
	buf = append(buf, u32(uint32(sampleRate*channels*2))...)
	buf = append(buf, u16(uint16(channels*2))...)
	buf = append(buf, u16(16)...)

	buf = append(buf, []byte("data")...)
	buf = append(buf, u32(uint32(dataSize))...)
	for _, frame := range frames {
		for ch := 0; ch < channels; ch++ {
			v := int16(frame[ch] * 32767)
			buf = append(buf, u16(uint16(v))...)
		}
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("failed to write wav: %v", err)
	}
}

func monoFrames(samples []float64) [][]float64 {
	frames := make([][]float64, len(samples))
	for i, s := range samples {
		frames[i] = []float64{s}
	}
	return frames
}

func testLoader(sampleRate int, duration float64) *Loader {
	return NewLoader(config.AudioConfig{
		SampleRate: sampleRate,
		Duration:   duration,
		Channels:   1,
	}, &logging.NoOpLogger{})
}

func constant(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestLoadPadsShortInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.wav")
	writeWAV(t, path, 4000, 1, monoFrames(constant(1000, 0.5)))

	loader := testLoader(4000, 1.0) // wants 4000 samples
	rec, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(rec.Samples) != 4000 {
		t.Fatalf("expected exactly 4000 samples, got %d", len(rec.Samples))
	}
	if rec.ValidLength != 1000 {
		t.Errorf("expected valid length 1000, got %d", rec.ValidLength)
	}
	// Tail must be zero padding
	for i := 1000; i < 4000; i++ {
		if rec.Samples[i] != 0 {
			t.Fatalf("expected zero padding at %d, got %g", i, rec.Samples[i])
		}
	}
}

func TestLoadTruncatesLongInputDeterministically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "long.wav")

	// Constant first second, alternating second second, so keeping the
	// wrong half is observable
	tail := make([]float64, 4000)
	for i := range tail {
		tail[i] = 0.9
		if i%2 == 1 {
			tail[i] = -0.9
		}
	}
	samples := append(constant(4000, 0.25), tail...)
	writeWAV(t, path, 4000, 1, monoFrames(samples))

	loader := testLoader(4000, 1.0)
	rec, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(rec.Samples) != 4000 {
		t.Fatalf("expected exactly 4000 samples, got %d", len(rec.Samples))
	}
	if rec.ValidLength != 4000 {
		t.Errorf("expected valid length 4000, got %d", rec.ValidLength)
	}

	// Head crop keeps the quieter first second: after peak
	// normalization all kept samples share one level
	first := rec.Samples[0]
	for i, s := range rec.Samples {
		if math.Abs(s-first) > 1e-3 {
			t.Fatalf("sample %d = %g differs from head level %g, truncation not head-first", i, s, first)
		}
	}

	again, err := loader.Load(path)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	for i := range rec.Samples {
		if rec.Samples[i] != again.Samples[i] {
			t.Fatal("deterministic load produced different samples across calls")
		}
	}
}

func TestLoadCroppedUsesOffsets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "long.wav")

	ramp := make([]float64, 8000)
	for i := range ramp {
		ramp[i] = float64(i%100) / 200
	}
	writeWAV(t, path, 4000, 1, monoFrames(ramp))

	loader := testLoader(4000, 1.0)
	rng := rand.New(rand.NewSource(7))

	rec, err := loader.LoadCropped(path, rng)
	if err != nil {
		t.Fatalf("LoadCropped failed: %v", err)
	}
	if len(rec.Samples) != 4000 {
		t.Fatalf("expected exactly 4000 samples, got %d", len(rec.Samples))
	}
}

func TestLoadDownmixesStereo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stereo.wav")

	frames := make([][]float64, 4000)
	for i := range frames {
		frames[i] = []float64{0.8, 0.4}
	}
	writeWAV(t, path, 4000, 2, frames)

	loader := testLoader(4000, 1.0)
	rec, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Downmix averages to 0.6, then peak normalization brings it to ~1
	for i, s := range rec.Samples {
		if math.Abs(s-1.0) > 1e-2 {
			t.Fatalf("sample %d = %g, expected ~1.0 after downmix and normalization", i, s)
		}
	}
}

func TestLoadResamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hi.wav")
	writeWAV(t, path, 8000, 1, monoFrames(constant(8000, 0.5)))

	loader := testLoader(4000, 1.0)
	rec, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rec.Samples) != 4000 {
		t.Fatalf("expected 4000 samples after resampling, got %d", len(rec.Samples))
	}
	if rec.SampleRate != 4000 {
		t.Errorf("expected sample rate 4000, got %d", rec.SampleRate)
	}
}

func TestLoadPeakNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quiet.wav")
	writeWAV(t, path, 4000, 1, monoFrames(constant(4000, 0.1)))

	loader := testLoader(4000, 1.0)
	rec, err := loader.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	peak := 0.0
	for _, s := range rec.Samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if math.Abs(peak-1.0) > 1e-2 {
		t.Errorf("expected peak ~1.0 after normalization, got %g", peak)
	}
}

func TestLoadDecodeErrors(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.wav")
	if err := os.WriteFile(corrupt, []byte("not audio at all"), 0o644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	loader := testLoader(4000, 1.0)

	tests := []struct {
		name string
		path string
	}{
		{"corrupt file", corrupt},
		{"missing file", filepath.Join(dir, "missing.wav")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected DecodeError, got %T: %v", err, err)
			}
			if decodeErr.Path != tt.path {
				t.Errorf("error names path %q, expected %q", decodeErr.Path, tt.path)
			}
		})
	}
}
