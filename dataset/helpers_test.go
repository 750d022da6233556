package dataset

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/auscultate/heartsound/config"
	"github.com/auscultate/heartsound/logging"
)

// test label combinations cycled across generated samples, one stratum
// each
var testCombos = [][]int{
	{1, 0, 0, 0, 0}, // N
	{0, 1, 0, 0, 0}, // AS
	{1, 0, 1, 0, 0}, // N + MR
	{0, 0, 0, 1, 1}, // MS + MVP
}

func testAudioCfg() config.AudioConfig {
	return config.AudioConfig{SampleRate: 4000, Duration: 0.25, Channels: 1}
}

func testFeatureCfg() config.FeatureConfig {
	return config.FeatureConfig{
		WindowSize: 256,
		HopSize:    128,
		NumMelBins: 16,
		Mode:       config.ModeSequence,
	}
}

// writeTestWAV writes a PCM16 mono sine at a per-sample frequency
func writeTestWAV(t *testing.T, path string, freq float64) {
	t.Helper()

	const (
		sampleRate = 4000
		n          = 1000
	)

	dataSize := n * 2
	buf := make([]byte, 0, 44+dataSize)
	le := binary.LittleEndian
	u32 := func(v uint32) []byte { b := make([]byte, 4); le.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); le.PutUint16(b, v); return b }

	buf = append(buf, []byte("RIFF")...)
	buf = append(buf, u32(uint32(36+dataSize))...)
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, u16(1)...)
	buf = append(buf, u32(sampleRate)...)
	buf = append(buf, u32(sampleRate*2)...)
	buf = append(buf, u16(2)...)
	buf = append(buf, u16(16)...)
	buf = append(buf, []byte("data")...)
	buf = append(buf, u32(uint32(dataSize))...)
	for i := 0; i < n; i++ {
		v := int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
		b := make([]byte, 2)
		le.PutUint16(b, uint16(v))
		buf = append(buf, b...)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("failed to write wav: %v", err)
	}
}

// buildTestData writes n wav files and a metadata CSV, returning the
// metadata path and data directory
func buildTestData(t *testing.T, n int) (string, string) {
	t.Helper()
	dir := t.TempDir()

	var rows []string
	rows = append(rows, "sample_id,file,"+strings.Join(ClassNames, ","))
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%03d", i)
		file := id + ".wav"
		writeTestWAV(t, filepath.Join(dir, file), 100+float64(i)*17)

		combo := testCombos[i%len(testCombos)]
		var labels []string
		for _, v := range combo {
			labels = append(labels, fmt.Sprintf("%d", v))
		}
		rows = append(rows, id+","+file+","+strings.Join(labels, ","))
	}

	metaPath := filepath.Join(dir, "metadata.csv")
	if err := os.WriteFile(metaPath, []byte(strings.Join(rows, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write metadata: %v", err)
	}
	return metaPath, dir
}

func loadTestIndex(t *testing.T, n int) *Index {
	t.Helper()
	metaPath, dir := buildTestData(t, n)
	idx, err := LoadIndex(metaPath, dir, &logging.NoOpLogger{})
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	return idx
}
