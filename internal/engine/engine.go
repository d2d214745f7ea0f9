// Package engine orchestrates speech recognition across the online gateway
// and the local offline recognizer, owning retry policy, backend fallback,
// hot word state, and session fencing.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/audio"
	"github.com/suanli-labs/voice-core/internal/connectivity"
	"github.com/suanli-labs/voice-core/internal/offline"
	"github.com/suanli-labs/voice-core/internal/retry"
	"github.com/suanli-labs/voice-core/internal/textnorm"
)

// ShortRecognizer is the one-shot online backend.
type ShortRecognizer interface {
	Transcribe(ctx context.Context, a asr.Audio) (asr.Result, error)
}

// StreamSession is one streaming recognition lifecycle.
type StreamSession interface {
	Run(ctx context.Context, in <-chan []byte, emit func(asr.PartialResult)) error
}

// SessionFactory builds a streaming session carrying the fencing id, the hot
// words frozen for that session, and the liveness check.
type SessionFactory func(id int64, hot []asr.HotWord, live func(int64) bool) StreamSession

// Config bounds the orchestrator.
type Config struct {
	// OnlineTimeout caps the whole online one-shot path, retries included.
	OnlineTimeout time.Duration
	// OnlineDurationCeiling is the longest utterance the one-shot gateway
	// accepts; audio at or above it goes straight to the offline recognizer.
	OnlineDurationCeiling time.Duration
	// EmptyResultRMSThreshold is the signal energy above which an empty
	// transcript is treated as a backend anomaly rather than silence.
	EmptyResultRMSThreshold float64
	// Normalize enables local text normalization of final transcripts.
	Normalize bool
}

func (c *Config) applyDefaults() {
	if c.OnlineTimeout <= 0 {
		c.OnlineTimeout = 60 * time.Second
	}
	if c.OnlineDurationCeiling <= 0 {
		c.OnlineDurationCeiling = 60 * time.Second
	}
	if c.EmptyResultRMSThreshold <= 0 {
		c.EmptyResultRMSThreshold = 500
	}
}

// Engine coordinates recognition backends. All exported methods are safe for
// concurrent use.
type Engine struct {
	cfg      Config
	short    ShortRecognizer
	sessions SessionFactory
	offline  offline.Recognizer
	probe    connectivity.Probe
	retrier  *retry.Controller
	log      *slog.Logger

	transcriptions metric.Int64Counter
	fallbacks      metric.Int64Counter

	mu      sync.Mutex
	hotBase []asr.HotWord
	hotUser map[string]asr.HotWord
	active  *activeStream

	seq atomic.Int64
}

// activeStream tracks the live streaming lifecycle. done is closed once its
// TranscribeStream call has fully returned, transport included.
type activeStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option adjusts a new Engine.
type Option func(*Engine)

// WithOffline installs the local fallback recognizer.
func WithOffline(r offline.Recognizer) Option {
	return func(e *Engine) { e.offline = r }
}

// WithProbe installs the connectivity probe; the default assumes online.
func WithProbe(p connectivity.Probe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithHotWords seeds the base hot word set applied to every session.
func WithHotWords(words []asr.HotWord) Option {
	return func(e *Engine) { e.hotBase = append([]asr.HotWord(nil), words...) }
}

func New(cfg Config, short ShortRecognizer, sessions SessionFactory, retrier *retry.Controller, log *slog.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		short:    short,
		sessions: sessions,
		probe:    connectivity.Static(true),
		retrier:  retrier,
		log:      log.With(slog.String("component", "engine")),
		hotUser:  make(map[string]asr.HotWord),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	meter := otel.Meter("github.com/suanli-labs/voice-core/engine")
	var err error
	e.transcriptions, err = meter.Int64Counter("voice.transcriptions",
		metric.WithDescription("Completed transcription attempts by backend and outcome"))
	if err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	e.fallbacks, err = meter.Int64Counter("voice.fallbacks",
		metric.WithDescription("Online-to-offline fallback activations"))
	if err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

func (e *Engine) count(counter metric.Int64Counter, backend, outcome string) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("outcome", outcome),
		))
}

// Transcribe recognizes one complete utterance. The online gateway is tried
// first when reachable and the clip fits under the one-shot duration ceiling;
// on failure or an empty transcript the offline recognizer takes over. When
// both produce nothing, the online error wins because it names the cause the
// operator can act on.
func (e *Engine) Transcribe(ctx context.Context, a asr.Audio) (asr.Result, error) {
	var onlineErr error
	switch {
	case !e.probe.IsOnline():
		onlineErr = asr.NewError(asr.KindNoConnection, "gateway unreachable")
	case !e.onlineEligible(a):
		onlineErr = asr.NewError(asr.KindAudioFormat,
			fmt.Sprintf("utterance exceeds the %s one-shot ceiling", e.cfg.OnlineDurationCeiling))
	default:
		res, err := e.transcribeOnline(ctx, a)
		if err == nil {
			e.count(e.transcriptions, "online", "ok")
			return e.finish(res), nil
		}
		onlineErr = err
		e.count(e.transcriptions, "online", "error")
		e.log.Warn("online transcription failed", slog.String("error", err.Error()))
	}

	if e.offline == nil {
		return asr.Result{}, onlineErr
	}
	res, err := e.transcribeOffline(ctx, a)
	if err != nil {
		e.count(e.transcriptions, "offline", "error")
		return asr.Result{}, onlineErr
	}
	if res.Text == "" {
		// The fallback heard nothing either; the original failure is the
		// truth worth reporting.
		e.count(e.transcriptions, "offline", "empty")
		return asr.Result{}, onlineErr
	}
	e.count(e.transcriptions, "offline", "ok")
	if e.fallbacks != nil {
		e.fallbacks.Add(ctx, 1)
	}
	return e.finish(res), nil
}

// onlineEligible reports whether the clip fits the one-shot gateway. Callers
// that did not measure capture duration are judged by the PCM payload.
func (e *Engine) onlineEligible(a asr.Audio) bool {
	d := a.Duration
	if d == 0 {
		d = audio.PCMDuration(a.PCM, a.SampleRate)
	}
	return d < e.cfg.OnlineDurationCeiling
}

func (e *Engine) transcribeOnline(ctx context.Context, a asr.Audio) (asr.Result, error) {
	octx, cancel := context.WithTimeout(ctx, e.cfg.OnlineTimeout)
	defer cancel()
	return retry.Execute(octx, e.retrier, func() (asr.Result, error) {
		res, err := e.short.Transcribe(octx, a)
		if err != nil {
			return asr.Result{}, err
		}
		if res.Text == "" && audio.RMS(a.PCM) >= e.cfg.EmptyResultRMSThreshold {
			// Speech energy with no transcript points at a backend hiccup,
			// not silence.
			return asr.Result{}, asr.NewError(asr.KindServerError, "empty transcript despite speech energy")
		}
		return res, nil
	})
}

func (e *Engine) transcribeOffline(ctx context.Context, a asr.Audio) (asr.Result, error) {
	if err := e.offline.Initialize(ctx); err != nil {
		return asr.Result{}, err
	}
	return e.offline.Transcribe(ctx, a)
}

// TranscribeStream runs one streaming recognition over in, emitting ordered
// partial results. A closed in channel ends the utterance. Only one stream is
// live at a time; starting a new one cancels its predecessor and waits for it
// to fully tear down before the replacement session touches the gateway.
func (e *Engine) TranscribeStream(ctx context.Context, in <-chan []byte, emit func(asr.PartialResult)) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st := &activeStream{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	prev := e.active
	e.active = st
	e.mu.Unlock()

	defer func() {
		close(st.done)
		e.mu.Lock()
		if e.active == st {
			e.active = nil
		}
		e.mu.Unlock()
	}()

	if prev != nil {
		// The predecessor owns the transport until its Run returns; a new
		// session id is minted only once it is gone.
		prev.cancel()
		<-prev.done
	}

	id := e.seq.Add(1)
	e.mu.Lock()
	hot := e.snapshotHotWords()
	e.mu.Unlock()

	wrapped := emit
	if e.cfg.Normalize {
		wrapped = func(p asr.PartialResult) {
			if p.Final {
				p.Text = textnorm.Normalize(p.Text)
			}
			emit(p)
		}
	}

	if e.probe.IsOnline() {
		sess := e.sessions(id, hot, e.sessionLive)
		err := sess.Run(sctx, in, wrapped)
		if err == nil {
			e.count(e.transcriptions, "online", "ok")
		} else {
			e.count(e.transcriptions, "online", "error")
		}
		return err
	}
	return e.streamOffline(sctx, id, in, wrapped)
}

// streamOffline collects the whole utterance and answers with a single final
// result: the local recognizer has no incremental mode.
func (e *Engine) streamOffline(ctx context.Context, id int64, in <-chan []byte, emit func(asr.PartialResult)) error {
	if e.offline == nil {
		return asr.NewError(asr.KindNoConnection, "gateway unreachable and no offline recognizer")
	}
	var pcm []byte
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case chunk, ok := <-in:
			if !ok {
				if !e.sessionLive(id) {
					return context.Canceled
				}
				res, err := e.transcribeOffline(ctx, asr.Audio{PCM: pcm, SampleRate: audio.DefaultSampleRate})
				if err != nil {
					e.count(e.transcriptions, "offline", "error")
					return err
				}
				e.count(e.transcriptions, "offline", "ok")
				emit(asr.PartialResult{Text: res.Text, Index: 0, Final: true, Confidence: res.Confidence, Offline: true})
				return nil
			}
			pcm = append(pcm, audio.StripWAVHeader(chunk)...)
		}
	}
}

// sessionLive reports whether id is still the engine's newest session. Stale
// sessions use this to stop touching their transport.
func (e *Engine) sessionLive(id int64) bool {
	return e.seq.Load() == id
}

// CancelTranscription aborts the live stream, if any. It returns immediately
// without waiting for any backend acknowledgment and is safe to call when
// nothing is running.
func (e *Engine) CancelTranscription() {
	e.seq.Add(1) // fence out the previous session even if its cancel races
	e.mu.Lock()
	st := e.active
	e.mu.Unlock()
	if st != nil {
		st.cancel()
	}
}

// Streaming reports whether a stream is currently live, teardown included.
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Online reports whether the connectivity probe currently sees the gateway.
func (e *Engine) Online() bool {
	return e.probe.IsOnline()
}

// SetHotWords replaces the base hot word set. The change applies from the
// next session; a live session keeps the words it started with.
func (e *Engine) SetHotWords(words []asr.HotWord) {
	e.mu.Lock()
	e.hotBase = append([]asr.HotWord(nil), words...)
	e.mu.Unlock()
}

// AddUserHotWords merges user vocabulary on top of the base set, replacing
// entries with the same term. Applies from the next session.
func (e *Engine) AddUserHotWords(words []asr.HotWord) {
	e.mu.Lock()
	for _, w := range words {
		e.hotUser[w.Term] = asr.NewHotWord(w.Term, w.Weight)
	}
	e.mu.Unlock()
}

// snapshotHotWords merges base and user words into a stable-order copy.
// Caller holds e.mu.
func (e *Engine) snapshotHotWords() []asr.HotWord {
	merged := make(map[string]asr.HotWord, len(e.hotBase)+len(e.hotUser))
	for _, w := range e.hotBase {
		merged[w.Term] = asr.NewHotWord(w.Term, w.Weight)
	}
	for term, w := range e.hotUser {
		merged[term] = w
	}
	out := make([]asr.HotWord, 0, len(merged))
	for _, w := range merged {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

// HotWords returns the set the next session will start with.
func (e *Engine) HotWords() []asr.HotWord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotHotWords()
}

func (e *Engine) finish(res asr.Result) asr.Result {
	if e.cfg.Normalize {
		res.Text = textnorm.Normalize(res.Text)
	}
	return res
}
