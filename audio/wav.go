package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// wavData holds the decoded contents of a RIFF/WAVE file
type wavData struct {
	samples    []float64 // mono PCM in [-1, 1]
	sampleRate int
	channels   int
}

const (
	formatPCM       = 1
	formatIEEEFloat = 3
)

// decodeWAV parses a RIFF/WAVE byte stream and returns mono float64 PCM.
// Multi-channel input is downmixed by averaging. Supported encodings are
// PCM 16/24/32-bit and IEEE float32.
func decodeWAV(data []byte) (*wavData, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("file too short for RIFF header (%d bytes)", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		audioFormat   uint16
		channels      int
		sampleRate    int
		bitsPerSample int
		haveFmt       bool
	)

	// Walk the chunk list: fmt must precede data
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		if body+chunkSize > len(data) {
			return nil, fmt.Errorf("chunk %q overruns file", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too short (%d bytes)", chunkSize)
			}
			audioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if channels <= 0 || sampleRate <= 0 {
				return nil, fmt.Errorf("invalid fmt chunk: channels=%d rate=%d", channels, sampleRate)
			}
			samples, err := decodeSamples(data[body:body+chunkSize], audioFormat, bitsPerSample, channels)
			if err != nil {
				return nil, err
			}
			return &wavData{
				samples:    samples,
				sampleRate: sampleRate,
				channels:   channels,
			}, nil
		}

		// Chunks are word-aligned
		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	return nil, fmt.Errorf("no data chunk found")
}

// decodeSamples converts interleaved frames to mono float64
func decodeSamples(raw []byte, format uint16, bits, channels int) ([]float64, error) {
	bytesPerSample := bits / 8
	if bytesPerSample <= 0 {
		return nil, fmt.Errorf("invalid bits per sample: %d", bits)
	}
	frameSize := bytesPerSample * channels
	numFrames := len(raw) / frameSize

	read, err := sampleReader(format, bits)
	if err != nil {
		return nil, err
	}

	mono := make([]float64, numFrames)
	for i := 0; i < numFrames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			off := i*frameSize + ch*bytesPerSample
			sum += read(raw[off : off+bytesPerSample])
		}
		mono[i] = sum / float64(channels)
	}

	return mono, nil
}

// sampleReader returns a decoder for one sample of the given encoding
func sampleReader(format uint16, bits int) (func([]byte) float64, error) {
	switch {
	case format == formatPCM && bits == 16:
		return func(b []byte) float64 {
			return float64(int16(binary.LittleEndian.Uint16(b))) / 32768.0
		}, nil
	case format == formatPCM && bits == 24:
		return func(b []byte) float64 {
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			// Sign-extend
			if v&0x800000 != 0 {
				v |= ^int32(0xFFFFFF)
			}
			return float64(v) / 8388608.0
		}, nil
	case format == formatPCM && bits == 32:
		return func(b []byte) float64 {
			return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648.0
		}, nil
	case format == formatIEEEFloat && bits == 32:
		return func(b []byte) float64 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: format=%d bits=%d", format, bits)
	}
}
