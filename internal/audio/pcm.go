package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the capture rate the recognition gateways expect.
	DefaultSampleRate = 16000
	bytesPerSample    = 2
)

// PCMDuration returns the play time of a PCM16 mono payload at the given rate.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMS computes the root-mean-square amplitude of a PCM16 little-endian payload.
// Used to tell "silent clip" apart from "server returned nothing for audible
// speech". Trailing odd bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
