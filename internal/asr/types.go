package asr

import "time"

// Audio is a fully captured utterance handed to the engine: PCM16 little-endian
// mono samples plus capture metadata. Produced by the capture/VAD layer and
// treated as read-only here.
type Audio struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
	Segments   []Segment
}

// Segment marks a speech or silence span inside an Audio clip.
type Segment struct {
	Start  time.Duration
	End    time.Duration
	Speech bool
}

// WordTiming carries per-word timestamps of a final transcription.
type WordTiming struct {
	Word  string
	Start time.Duration
	End   time.Duration
}

// Result is one completed transcription.
type Result struct {
	Text       string
	Confidence float64
	Words      []WordTiming
	Duration   time.Duration
	Offline    bool
}

// PartialResult is one increment of a streaming session. Index is strictly
// increasing within a session; the last delivered result has Final=true unless
// the session was cancelled or timed out.
type PartialResult struct {
	Text       string
	Index      int
	Final      bool
	Confidence float64
	Offline    bool
}

// HotWord biases recognition toward a domain term. Weight is clamped to >= 1.0
// by NewHotWord; 1.0 is neutral.
type HotWord struct {
	Term   string
	Weight float64
}

func NewHotWord(term string, weight float64) HotWord {
	if weight < 1.0 {
		weight = 1.0
	}
	return HotWord{Term: term, Weight: weight}
}
