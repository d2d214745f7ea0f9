// Package nls implements the client side of the speech gateway protocol used
// by the online recognition service: a WebSocket transcriber for streaming
// audio and a REST endpoint for short clips.
package nls

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/suanli-labs/voice-core/internal/asr"
)

const (
	namespaceTranscriber = "SpeechTranscriber"

	// Client commands.
	nameStartTranscription = "StartTranscription"
	nameStopTranscription  = "StopTranscription"

	// Server events.
	nameTranscriptionStarted       = "TranscriptionStarted"
	nameTranscriptionResultChanged = "TranscriptionResultChanged"
	nameSentenceBegin              = "SentenceBegin"
	nameSentenceEnd                = "SentenceEnd"
	nameTranscriptionCompleted     = "TranscriptionCompleted"
	nameTaskFailed                 = "TaskFailed"

	// Body-level status codes shared by the REST and WebSocket surfaces.
	statusSuccess      = 20000000
	statusUnauthorized = 40000001
)

// tokenHeader carries the issued token on every gateway request.
const tokenHeader = "X-NLS-Token"

type frameHeader struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type frame struct {
	Header  frameHeader     `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// startPayload configures a streaming transcription task.
type startPayload struct {
	Format                         string    `json:"format"`
	SampleRate                     int       `json:"sample_rate"`
	EnableIntermediateResult       bool      `json:"enable_intermediate_result"`
	EnablePunctuationPrediction    bool      `json:"enable_punctuation_prediction"`
	EnableInverseTextNormalization bool      `json:"enable_inverse_text_normalization"`
	HotWords                       []hotWord `json:"hot_words,omitempty"`
}

type hotWord struct {
	Word   string  `json:"word"`
	Weight float64 `json:"weight"`
}

func hotWordsPayload(words []asr.HotWord) []hotWord {
	if len(words) == 0 {
		return nil
	}
	out := make([]hotWord, 0, len(words))
	for _, w := range words {
		out = append(out, hotWord{Word: w.Term, Weight: w.Weight})
	}
	return out
}

// resultPayload is the body of interim and sentence-end events.
type resultPayload struct {
	Index      int     `json:"index"`
	Time       int     `json:"time"`
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
