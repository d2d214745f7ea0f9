package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognition output broadcast on the bus. Index orders
// partials within one session; Final marks a completed sentence.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Index      int       `json:"index"`
	Final      bool      `json:"final"`
	Offline    bool      `json:"offline,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// CancelRequest aborts a live recognition session.
type CancelRequest struct {
	SessionID string `json:"session_id"`
}

// HotWordUpdate merges user vocabulary into the recognition engine. The new
// words take effect from the next session.
type HotWordUpdate struct {
	Words []HotWord `json:"words"`
}

type HotWord struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "asr.text.partial"
	SubjectTranscriptFinal   = "asr.text.final"
	SubjectCancel            = "asr.ctrl.cancel"
	SubjectHotWords          = "asr.ctrl.hotwords"
)
