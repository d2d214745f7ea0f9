package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/audio"
)

// execRecognizer shells out to a local model CLI (whisper.cpp style): the
// audio goes in as a temp WAV file, the transcript comes back as JSON on
// stdout.
type execRecognizer struct {
	cmd       []string
	modelPath string
	language  string

	mu          sync.Mutex
	initialized bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(command, modelPath, language string) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse offline command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("offline command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: modelPath, language: language}, nil
}

// Initialize checks the model file exists. Safe to call repeatedly.
func (r *execRecognizer) Initialize(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if r.modelPath != "" {
		if _, err := os.Stat(r.modelPath); err != nil {
			return fmt.Errorf("offline model not available: %w", err)
		}
	}
	r.initialized = true
	return nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, in asr.Audio) (asr.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "voice_offline_*.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	pcm := audio.StripWAVHeader(in.PCM)
	if err := audio.WriteWAVFile(file, pcm, in.SampleRate); err != nil {
		return asr.Result{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.modelPath != "" {
		args = append(args, "--model", r.modelPath)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return asr.Result{}, fmt.Errorf("offline command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return asr.Result{}, fmt.Errorf("decode offline response: %w", err)
	}
	return asr.Result{
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Duration:   audio.PCMDuration(pcm, in.SampleRate),
		Offline:    true,
	}, nil
}
