// Package offline runs the on-device recognition backend used as fallback
// when the online gateways are unreachable or keep failing.
package offline

import (
	"context"

	"github.com/suanli-labs/voice-core/internal/asr"
)

// Recognizer is the offline backend contract. Initialize is idempotent and may
// load or download a model. Transcribe must not fail for valid PCM input;
// absence of speech yields an empty-text result.
type Recognizer interface {
	Initialize(ctx context.Context) error
	Transcribe(ctx context.Context, audio asr.Audio) (asr.Result, error)
}
