package nls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/audio"
	"github.com/suanli-labs/voice-core/internal/credentials"
)

// State is the lifecycle position of a streaming session. Terminal states are
// absorbing.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingServerReady
	StateStreaming
	StateFinalizing
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingServerReady:
		return "awaiting-server-ready"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionConfig bounds one streaming session.
type SessionConfig struct {
	SampleRate       int
	SilenceTimeout   time.Duration
	OverallTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	RingCapacity     int
}

func (c *SessionConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 3 * time.Second
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = audio.DefaultRingCapacity
	}
}

// Session is one streaming transcription lifecycle against the gateway. It is
// owned by a single goroutine (the one calling Run); the fencing id lets a
// session discover it has been superseded and stop touching its transport.
type Session struct {
	id    int64
	cfg   SessionConfig
	creds credentials.Provider
	hot   []asr.HotWord
	live  func(id int64) bool
	log   *slog.Logger

	dialer *websocket.Dialer
	conn   *websocket.Conn
	ring   *audio.Ring
	state  State

	taskID    string
	nextIndex int
}

// NewSession builds a session carrying fencing id and the hot words frozen at
// start time. live reports whether id is still the engine's current session.
func NewSession(id int64, cfg SessionConfig, creds credentials.Provider, hot []asr.HotWord, live func(int64) bool, log *slog.Logger) *Session {
	cfg.applyDefaults()
	if live == nil {
		live = func(int64) bool { return true }
	}
	return &Session{
		id:    id,
		cfg:   cfg,
		creds: creds,
		hot:   hot,
		live:  live,
		log:   log.With(slog.String("component", "nls-session"), slog.Int64("session_id", id)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		ring:  audio.NewRing(cfg.RingCapacity),
		state: StateIdle,
	}
}

// State returns the last state set by the owning goroutine. Safe to read from
// the owner; other goroutines must treat it as advisory.
func (s *Session) State() State { return s.state }

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Debug("session state", slog.String("from", s.state.String()), slog.String("to", next.String()))
	s.state = next
}

type serverEvent struct {
	frame frame
	err   error
}

// Run drives the session to a terminal state: it connects, streams audio from
// in (a closed channel means end of input), and emits ordered partial results.
// The returned error is nil on completion, context.Canceled on cancellation,
// and a tagged *asr.Error otherwise. Run never retries; retry policy belongs
// to the caller.
func (s *Session) Run(ctx context.Context, in <-chan []byte, emit func(asr.PartialResult)) error {
	if s.state != StateIdle {
		return asr.NewError(asr.KindUnknown, "session reused")
	}

	s.setState(StateConnecting)
	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		s.setState(StateFailed)
		return credentialError(err)
	}

	header := http.Header{}
	header.Set(tokenHeader, creds.Token)
	conn, _, err := s.dialer.DialContext(ctx, creds.StreamingEndpoint, header)
	if err != nil {
		s.setState(StateFailed)
		return classifyTransport(err, "connect streaming endpoint", asr.KindConnectionTimeout)
	}
	s.conn = conn
	defer conn.Close()

	s.taskID = newID()
	start := frame{
		Header: frameHeader{
			MessageID: newID(),
			TaskID:    s.taskID,
			Namespace: namespaceTranscriber,
			Name:      nameStartTranscription,
			AppKey:    creds.AppKey,
		},
	}
	payload, _ := json.Marshal(startPayload{
		Format:                         "pcm",
		SampleRate:                     s.cfg.SampleRate,
		EnableIntermediateResult:       true,
		EnablePunctuationPrediction:    true,
		EnableInverseTextNormalization: false, // numerals are normalized locally
		HotWords:                       hotWordsPayload(s.hot),
	})
	start.Payload = payload
	if err := s.writeJSON(start); err != nil {
		s.setState(StateFailed)
		return err
	}

	events := make(chan serverEvent, 16)
	go s.readLoop(events)

	s.setState(StateAwaitingServerReady)
	runErr := s.loop(ctx, in, events, emit)

	// Reap the reader before returning: it may be parked mid-send on a burst
	// of late frames. Closing the transport fails its next read and the drain
	// runs until it closes the channel.
	s.conn.Close()
	for range events {
	}
	return runErr
}

func (s *Session) loop(ctx context.Context, in <-chan []byte, events <-chan serverEvent, emit func(asr.PartialResult)) error {
	silence := time.NewTimer(s.cfg.SilenceTimeout)
	defer silence.Stop()
	overall := time.NewTimer(s.cfg.OverallTimeout)
	defer overall.Stop()

	resetSilence := func() {
		if !silence.Stop() {
			select {
			case <-silence.C:
			default:
			}
		}
		silence.Reset(s.cfg.SilenceTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			// Fast cancellation: close the transport without waiting for the
			// completion acknowledgment.
			s.setState(StateCancelled)
			s.conn.Close()
			return context.Canceled

		case chunk, ok := <-in:
			if !ok {
				in = nil
				if s.state == StateAwaitingServerReady {
					// Keep buffering semantics: the stop command goes out only
					// after the flush that server-ready triggers.
					continue
				}
				if err := s.sendStop(); err != nil {
					s.setState(StateFailed)
					return err
				}
				s.setState(StateFinalizing)
				continue
			}
			resetSilence()
			chunk = audio.StripWAVHeader(chunk)
			switch s.state {
			case StateAwaitingServerReady:
				s.ring.Write(chunk)
			case StateStreaming:
				if !s.live(s.id) {
					s.setState(StateCancelled)
					s.conn.Close()
					return context.Canceled
				}
				if err := s.writeBinary(chunk); err != nil {
					s.setState(StateFailed)
					return err
				}
			}

		case ev, ok := <-events:
			if !ok {
				// The reader never closes the channel without sending its
				// error first, so this is unreachable in practice.
				s.setState(StateFailed)
				return asr.NewError(asr.KindReceiveTimeout, "gateway stream closed")
			}
			if ev.err != nil {
				if s.state == StateCancelled {
					return context.Canceled
				}
				s.setState(StateFailed)
				return classifyTransport(ev.err, "read gateway event", asr.KindReceiveTimeout)
			}
			done, err := s.handleEvent(ev.frame, emit, resetSilence, in == nil)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					s.setState(StateCancelled)
				} else {
					s.setState(StateFailed)
				}
				return err
			}
			if done {
				s.setState(StateCompleted)
				return nil
			}

		case <-silence.C:
			if s.state == StateFinalizing {
				// End of input already sent; only the overall timer bounds the
				// wait for the completion acknowledgment.
				continue
			}
			s.setState(StateFailed)
			s.conn.Close()
			return asr.NewError(asr.KindRecognitionTimeout,
				fmt.Sprintf("no audio or result for %s", s.cfg.SilenceTimeout))

		case <-overall.C:
			s.setState(StateFailed)
			s.conn.Close()
			return asr.NewError(asr.KindRecognitionTimeout,
				fmt.Sprintf("session exceeded %s", s.cfg.OverallTimeout))
		}
	}
}

// handleEvent dispatches one server frame. It returns done=true when the
// gateway declared the transcription complete.
func (s *Session) handleEvent(f frame, emit func(asr.PartialResult), resetSilence func(), inputClosed bool) (bool, error) {
	switch f.Header.Name {
	case nameTranscriptionStarted:
		if err := s.flushRing(); err != nil {
			return false, err
		}
		s.setState(StateStreaming)
		if inputClosed {
			// Input ended while we were still waiting for server-ready.
			if err := s.sendStop(); err != nil {
				return false, err
			}
			s.setState(StateFinalizing)
		}
		return false, nil

	case nameTranscriptionResultChanged:
		resetSilence()
		s.emitResult(f, emit, false)
		return false, nil

	case nameSentenceBegin:
		resetSilence()
		return false, nil

	case nameSentenceEnd:
		// An utterance boundary finalizes one sentence but the session keeps
		// listening for the next one.
		resetSilence()
		s.emitResult(f, emit, true)
		return false, nil

	case nameTranscriptionCompleted:
		return true, nil

	case nameTaskFailed:
		return false, taskFailedError(f.Header)

	default:
		s.log.Debug("ignoring gateway event", slog.String("name", f.Header.Name))
		return false, nil
	}
}

func (s *Session) emitResult(f frame, emit func(asr.PartialResult), final bool) {
	var payload resultPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			s.log.Warn("malformed result payload", slog.String("error", err.Error()))
			return
		}
	}
	emit(asr.PartialResult{
		Text:       payload.Result,
		Index:      s.nextIndex,
		Final:      final,
		Confidence: payload.Confidence,
	})
	s.nextIndex++
}

// flushRing drains audio buffered before server-ready, oldest first, then the
// session switches to direct forwarding.
func (s *Session) flushRing() error {
	const flushChunk = 3200 // 100 ms at 16 kHz PCM16
	for !s.ring.IsEmpty() {
		if !s.live(s.id) {
			// A superseding session owns the microphone now; stale buffered
			// audio must not leak into the gateway.
			s.conn.Close()
			return context.Canceled
		}
		if err := s.writeBinary(s.ring.Read(flushChunk)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendStop() error {
	return s.writeJSON(frame{
		Header: frameHeader{
			MessageID: newID(),
			TaskID:    s.taskID,
			Namespace: namespaceTranscriber,
			Name:      nameStopTranscription,
		},
	})
}

func (s *Session) writeJSON(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return asr.WrapError(asr.KindUnknown, "encode command", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return classifyTransport(err, "send command", asr.KindSendTimeout)
	}
	return nil
}

func (s *Session) writeBinary(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return classifyTransport(err, "send audio", asr.KindSendTimeout)
	}
	return nil
}

func (s *Session) readLoop(events chan<- serverEvent) {
	defer close(events)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			events <- serverEvent{err: err}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("malformed gateway frame", slog.String("error", err.Error()))
			continue
		}
		events <- serverEvent{frame: f}
	}
}

func taskFailedError(h frameHeader) *asr.Error {
	msg := fmt.Sprintf("task failed: status=%d %s", h.Status, h.StatusText)
	if h.Status == statusUnauthorized {
		return asr.NewError(asr.KindUnauthorized, msg)
	}
	return asr.NewError(asr.KindServerError, msg)
}

// classifyTransport tags a transport failure: timeouts take the phase-specific
// kind, everything else counts as a retryable connection-level failure.
func classifyTransport(err error, msg string, timeoutKind asr.Kind) *asr.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return asr.WrapError(timeoutKind, msg, err)
	}
	return asr.WrapError(asr.KindConnectionTimeout, msg, err)
}

// credentialError keeps an already-tagged error and wraps the rest.
func credentialError(err error) error {
	var aerr *asr.Error
	if errors.As(err, &aerr) {
		return aerr
	}
	return asr.WrapError(asr.KindTokenFailed, "acquire credentials", err)
}
