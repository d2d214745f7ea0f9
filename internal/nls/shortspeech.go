package nls

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/audio"
	"github.com/suanli-labs/voice-core/internal/credentials"
)

// ShortSpeech is the one-shot recognition client: a single HTTP POST carrying
// the whole utterance as raw PCM, answered by a single transcript.
type ShortSpeech struct {
	creds      credentials.Provider
	httpClient *http.Client
	sampleRate int
	log        *slog.Logger
}

// ShortSpeechOption adjusts a ShortSpeech client.
type ShortSpeechOption func(*ShortSpeech)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(c *http.Client) ShortSpeechOption {
	return func(s *ShortSpeech) { s.httpClient = c }
}

// WithSampleRate sets the sample rate advertised to the gateway.
func WithSampleRate(rate int) ShortSpeechOption {
	return func(s *ShortSpeech) { s.sampleRate = rate }
}

func NewShortSpeech(creds credentials.Provider, log *slog.Logger, opts ...ShortSpeechOption) *ShortSpeech {
	s := &ShortSpeech{
		creds:      creds,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		sampleRate: audio.DefaultSampleRate,
		log:        log.With(slog.String("component", "nls-shortspeech")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type shortSpeechResponse struct {
	TaskID  string  `json:"task_id"`
	Result  string  `json:"result"`
	Status  int     `json:"status"`
	Message string  `json:"message"`
	Latency float64 `json:"latency,omitempty"`
}

// Transcribe posts one utterance and returns its transcript. Errors are tagged
// so the caller's retry policy can classify them; an unauthorized answer also
// invalidates the cached credentials so the next attempt fetches fresh ones.
func (s *ShortSpeech) Transcribe(ctx context.Context, a asr.Audio) (asr.Result, error) {
	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		return asr.Result{}, credentialError(err)
	}

	endpoint, err := url.Parse(creds.RESTEndpoint)
	if err != nil {
		return asr.Result{}, asr.WrapError(asr.KindUnknown, "parse rest endpoint", err)
	}
	q := endpoint.Query()
	q.Set("appkey", creds.AppKey)
	q.Set("format", "pcm")
	q.Set("sample_rate", strconv.Itoa(s.sampleRate))
	endpoint.RawQuery = q.Encode()

	pcm := audio.StripWAVHeader(a.PCM)
	if len(pcm) == 0 {
		return asr.Result{}, asr.NewError(asr.KindAudioFormat, "no pcm samples in utterance")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(pcm))
	if err != nil {
		return asr.Result{}, asr.WrapError(asr.KindUnknown, "build request", err)
	}
	req.Header.Set(tokenHeader, creds.Token)
	req.Header.Set("Content-Type", "application/octet-stream")

	started := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return asr.Result{}, classifyTransport(err, "post utterance", asr.KindReceiveTimeout)
	}
	defer resp.Body.Close()

	if err := s.checkHTTPStatus(resp); err != nil {
		return asr.Result{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return asr.Result{}, classifyTransport(err, "read response", asr.KindReceiveTimeout)
	}
	var parsed shortSpeechResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return asr.Result{}, asr.WrapError(asr.KindServerError, "decode response", err)
	}

	// The gateway reports application status in the body even on HTTP 200.
	switch parsed.Status {
	case statusSuccess:
	case statusUnauthorized:
		s.creds.Invalidate()
		return asr.Result{}, asr.NewError(asr.KindUnauthorized,
			fmt.Sprintf("gateway rejected token: %s", parsed.Message))
	default:
		return asr.Result{}, asr.NewError(asr.KindServerError,
			fmt.Sprintf("gateway status %d: %s", parsed.Status, parsed.Message))
	}

	s.log.Debug("one-shot transcription",
		slog.String("task_id", parsed.TaskID),
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("bytes", len(pcm)))

	return asr.Result{
		Text:     parsed.Result,
		Duration: audio.PCMDuration(pcm, s.sampleRate),
	}, nil
}

func (s *ShortSpeech) checkHTTPStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.creds.Invalidate()
		return asr.NewError(asr.KindUnauthorized, fmt.Sprintf("http %d from gateway", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return &asr.Error{
			Kind:       asr.KindRateLimited,
			Message:    "gateway rate limit",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return asr.NewError(asr.KindServerError, fmt.Sprintf("http %d from gateway", resp.StatusCode))
	default:
		return asr.NewError(asr.KindUnknown, fmt.Sprintf("http %d from gateway", resp.StatusCode))
	}
}

// parseRetryAfter reads a delay-seconds Retry-After value; zero means the
// header was absent or unusable and the caller falls back to its default.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
