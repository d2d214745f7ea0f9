package offline

import (
	"context"
	"fmt"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/audio"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Initialize(_ context.Context) error { return nil }

func (m *mockRecognizer) Transcribe(_ context.Context, in asr.Audio) (asr.Result, error) {
	return asr.Result{
		Text:     fmt.Sprintf("[offline transcript length=%d]", len(in.PCM)),
		Duration: audio.PCMDuration(in.PCM, in.SampleRate),
		Offline:  true,
	}, nil
}
