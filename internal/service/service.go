// Package service bridges the message bus to the recognition engine: audio
// frames in, transcripts out.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/bus"
	"github.com/suanli-labs/voice-core/internal/config"
	"github.com/suanli-labs/voice-core/internal/engine"
	"github.com/suanli-labs/voice-core/internal/eventstore"
	"github.com/suanli-labs/voice-core/internal/protocol"
)

type Service struct {
	cfg    config.ServiceConfig
	bus    *bus.Client
	engine *engine.Engine
	store  *eventstore.Store
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *sessionStream
	ready   bool
}

// sessionStream is the live per-session pipe into the engine. Only one exists
// at a time; a frame for a different session supersedes it.
type sessionStream struct {
	id     string
	in     chan []byte
	cancel context.CancelFunc
	closed bool
}

func NewService(parent context.Context, cfg config.ServiceConfig, busClient *bus.Client, eng *engine.Engine, store *eventstore.Store) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		engine: eng,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subscriptions := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectAudioFramePrefix + ".>", s.handleFrame},
		{protocol.SubjectCancel, s.handleCancel},
		{protocol.SubjectHotWords, s.handleHotWords},
	}
	for _, sub := range subscriptions {
		ns, err := s.bus.Conn().Subscribe(sub.subject, sub.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		s.subs = append(s.subs, ns)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.bus.Logger().Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		// Fall back to the subject suffix for senders that only address by
		// subject.
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	stream := s.current
	if stream == nil || stream.id != frame.SessionID || stream.closed {
		stream = s.startStreamLocked(frame.SessionID)
	}
	if len(frame.PCM) > 0 && !stream.closed {
		select {
		case stream.in <- frame.PCM:
		default:
			s.bus.Logger().Warn("audio frame dropped, session pipe full",
				slog.String("session_id", frame.SessionID),
				slog.Int("sequence", frame.Sequence))
		}
	}
	if frame.Final && !stream.closed {
		stream.closed = true
		close(stream.in)
	}
	s.mu.Unlock()
}

// startStreamLocked supersedes any live stream and begins a new one. Caller
// holds s.mu.
func (s *Service) startStreamLocked(sessionID string) *sessionStream {
	if s.current != nil {
		s.current.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	stream := &sessionStream{
		id:     sessionID,
		in:     make(chan []byte, 64),
		cancel: cancel,
	}
	s.current = stream
	backend := backendName(!s.engine.Online())
	if s.store != nil {
		if err := s.store.AppendSession(s.ctx, sessionID, backend); err != nil {
			s.bus.Logger().Warn("failed to record session", slogError(err))
		}
	}
	s.record(eventstore.Event{SessionID: sessionID, Type: eventstore.TypeSessionStarted, Backend: backend})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runStream(ctx, stream)
	}()
	return stream
}

func (s *Service) runStream(ctx context.Context, stream *sessionStream) {
	err := s.engine.TranscribeStream(ctx, stream.in, func(p asr.PartialResult) {
		s.publishTranscript(stream.id, p)
		switch {
		case p.Final:
			if p.Offline {
				s.record(eventstore.Event{
					SessionID: stream.id,
					Type:      eventstore.TypeFallback,
					Backend:   backendName(p.Offline),
				})
			}
			s.record(eventstore.Event{
				SessionID:  stream.id,
				Type:       eventstore.TypeFinal,
				Backend:    backendName(p.Offline),
				Text:       p.Text,
				Confidence: p.Confidence,
			})
		case p.Text != "":
			s.record(eventstore.Event{
				SessionID:  stream.id,
				Type:       eventstore.TypePartial,
				Backend:    backendName(p.Offline),
				Text:       p.Text,
				Confidence: p.Confidence,
			})
		}
	})

	s.mu.Lock()
	if s.current == stream {
		s.current = nil
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.record(eventstore.Event{SessionID: stream.id, Type: eventstore.TypeCancelled})
	default:
		s.bus.Logger().Warn("recognition stream failed",
			slog.String("session_id", stream.id), slogError(err))
		s.record(eventstore.Event{SessionID: stream.id, Type: eventstore.TypeFailed, Detail: err.Error()})
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Logger().Warn("failed to decode cancel request", slogError(err))
		return
	}

	s.mu.Lock()
	stream := s.current
	if stream != nil && (req.SessionID == "" || req.SessionID == stream.id) {
		s.current = nil
	} else {
		stream = nil
	}
	s.mu.Unlock()

	if stream == nil {
		return
	}
	s.engine.CancelTranscription()
	stream.cancel()
}

func (s *Service) handleHotWords(msg *nats.Msg) {
	var update protocol.HotWordUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		s.bus.Logger().Warn("failed to decode hot word update", slogError(err))
		return
	}
	words := make([]asr.HotWord, 0, len(update.Words))
	for _, w := range update.Words {
		if strings.TrimSpace(w.Term) == "" {
			continue
		}
		words = append(words, asr.NewHotWord(w.Term, w.Weight))
	}
	if len(words) == 0 {
		return
	}
	s.engine.AddUserHotWords(words)
	s.bus.Logger().Info("hot words merged", slog.Int("count", len(words)))
}

func (s *Service) publishTranscript(sessionID string, p asr.PartialResult) {
	if p.Text == "" {
		return
	}
	if !p.Final && !s.cfg.PublishInterim {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if p.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       p.Text,
		Index:      p.Index,
		Final:      p.Final,
		Offline:    p.Offline,
		Timestamp:  time.Now().UTC(),
		Confidence: p.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.bus.Logger().Warn("failed to publish transcript", slogError(err))
	}
}

func backendName(offline bool) string {
	if offline {
		return "offline"
	}
	return "online"
}

func (s *Service) record(evt eventstore.Event) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendEvent(s.ctx, evt); err != nil {
		s.bus.Logger().Warn("failed to record recognition event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
