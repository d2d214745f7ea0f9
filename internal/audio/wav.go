package audio

import (
	"encoding/binary"
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavHeaderSize = 44

// HasWAVHeader reports whether the payload starts with a canonical RIFF/WAVE
// header. Capture layers sometimes hand over minimal WAV containers; the
// gateways want bare PCM.
func HasWAVHeader(data []byte) bool {
	if len(data) < wavHeaderSize {
		return false
	}
	return string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// StripWAVHeader removes a minimal 44-byte WAV container if present and
// returns the raw PCM payload. Payloads without a header pass through
// untouched.
func StripWAVHeader(data []byte) []byte {
	if !HasWAVHeader(data) {
		return data
	}
	return data[wavHeaderSize:]
}

// WriteWAVFile encodes PCM16 mono samples into a WAV file, used to hand audio
// to the offline recognizer command.
func WriteWAVFile(file *os.File, pcm []byte, sampleRate int) error {
	if len(pcm)%bytesPerSample != 0 {
		return fmt.Errorf("pcm payload not sample aligned")
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	buffer := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   samples,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
