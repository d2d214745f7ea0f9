package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/bus"
	"github.com/suanli-labs/voice-core/internal/config"
	"github.com/suanli-labs/voice-core/internal/connectivity"
	"github.com/suanli-labs/voice-core/internal/engine"
	"github.com/suanli-labs/voice-core/internal/eventstore"
	"github.com/suanli-labs/voice-core/internal/protocol"
	"github.com/suanli-labs/voice-core/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, testLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// echoFactory builds stream sessions that collect the utterance and answer
// with one interim and one final result.
func echoFactory(finalText string) engine.SessionFactory {
	return func(id int64, hot []asr.HotWord, live func(int64) bool) engine.StreamSession {
		return echoSession{finalText: finalText}
	}
}

type echoSession struct {
	finalText string
}

func (s echoSession) Run(ctx context.Context, in <-chan []byte, emit func(asr.PartialResult)) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case _, ok := <-in:
			if !ok {
				emit(asr.PartialResult{Text: s.finalText[:len(s.finalText)/2], Index: 0})
				emit(asr.PartialResult{Text: s.finalText, Index: 1, Final: true})
				return nil
			}
		}
	}
}

func newEngine(t *testing.T, factory engine.SessionFactory) *engine.Engine {
	t.Helper()
	retrier := retry.NewController(retry.Config{InitialInterval: time.Millisecond, MaxAttempts: 2}, testLogger())
	return engine.New(engine.Config{}, nil, factory, retrier, testLogger())
}

func publishFrame(t *testing.T, client *bus.Client, frame protocol.AudioFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	subject := protocol.SubjectAudioFramePrefix + "." + frame.SessionID
	if err := client.Conn().Publish(subject, data); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func TestServicePublishesTranscripts(t *testing.T) {
	client := startBus(t)
	eng := newEngine(t, echoFactory("打车十二块三"))

	svc := NewService(context.Background(), config.ServiceConfig{Enabled: true, PublishInterim: true}, client, eng, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	finals, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}
	partials, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptPartial)
	if err != nil {
		t.Fatalf("subscribe partials: %v", err)
	}

	publishFrame(t, client, protocol.AudioFrame{SessionID: "s1", Sequence: 0, PCM: []byte{1, 2}})
	publishFrame(t, client, protocol.AudioFrame{SessionID: "s1", Sequence: 1, Final: true})

	msg, err := finals.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("await final transcript: %v", err)
	}
	var final protocol.Transcript
	if err := json.Unmarshal(msg.Data, &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.SessionID != "s1" || !final.Final || final.Text != "打车十二块三" {
		t.Errorf("final transcript = %+v", final)
	}
	if final.Index != 1 {
		t.Errorf("final index = %d, want 1", final.Index)
	}

	pmsg, err := partials.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("await interim transcript: %v", err)
	}
	var interim protocol.Transcript
	if err := json.Unmarshal(pmsg.Data, &interim); err != nil {
		t.Fatalf("decode interim: %v", err)
	}
	if interim.Final || interim.Index != 0 {
		t.Errorf("interim transcript = %+v", interim)
	}
}

func TestServiceSuppressesInterim(t *testing.T) {
	client := startBus(t)
	eng := newEngine(t, echoFactory("买菜五十"))

	svc := NewService(context.Background(), config.ServiceConfig{Enabled: true, PublishInterim: false}, client, eng, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	finals, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}
	partials, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptPartial)
	if err != nil {
		t.Fatalf("subscribe partials: %v", err)
	}

	publishFrame(t, client, protocol.AudioFrame{SessionID: "s2", PCM: []byte{1}})
	publishFrame(t, client, protocol.AudioFrame{SessionID: "s2", Final: true})

	if _, err := finals.NextMsg(5 * time.Second); err != nil {
		t.Fatalf("await final transcript: %v", err)
	}
	if msg, err := partials.NextMsg(200 * time.Millisecond); err == nil {
		t.Errorf("unexpected interim transcript: %s", msg.Data)
	}
}

func TestServiceCancelAbortsSession(t *testing.T) {
	client := startBus(t)

	cancelled := make(chan struct{})
	factory := func(id int64, hot []asr.HotWord, live func(int64) bool) engine.StreamSession {
		return cancelProbe{done: cancelled}
	}
	eng := newEngine(t, factory)

	svc := NewService(context.Background(), config.ServiceConfig{Enabled: true}, client, eng, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	publishFrame(t, client, protocol.AudioFrame{SessionID: "s3", PCM: []byte{1}})

	data, _ := json.Marshal(protocol.CancelRequest{SessionID: "s3"})
	if err := client.Conn().Publish(protocol.SubjectCancel, data); err != nil {
		t.Fatalf("publish cancel: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel request did not reach the session")
	}
}

type cancelProbe struct {
	done chan struct{}
}

func (p cancelProbe) Run(ctx context.Context, in <-chan []byte, emit func(asr.PartialResult)) error {
	<-ctx.Done()
	close(p.done)
	return context.Canceled
}

func TestServiceMergesHotWords(t *testing.T) {
	client := startBus(t)
	eng := newEngine(t, echoFactory("x"))

	svc := NewService(context.Background(), config.ServiceConfig{Enabled: true}, client, eng, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	data, _ := json.Marshal(protocol.HotWordUpdate{Words: []protocol.HotWord{
		{Term: "拿铁", Weight: 3},
		{Term: "  ", Weight: 2}, // blank terms are dropped
	}})
	if err := client.Conn().Publish(protocol.SubjectHotWords, data); err != nil {
		t.Fatalf("publish hot words: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		words := eng.HotWords()
		if len(words) == 1 && words[0].Term == "拿铁" && words[0].Weight == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("hot words never merged, have %v", words)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
	}, testLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// awaitEvents polls the timeline until want event types have all been
// recorded for the session.
func awaitEvents(t *testing.T, store *eventstore.Store, sessionID string, want ...string) []eventstore.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		events, err := store.ListSessionEvents(context.Background(), sessionID, 50)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		seen := make(map[string]bool, len(events))
		for _, e := range events {
			seen[e.Type] = true
		}
		missing := false
		for _, w := range want {
			if !seen[w] {
				missing = true
			}
		}
		if !missing {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeline for %s never recorded %v, have %v", sessionID, want, events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceRecordsTimeline(t *testing.T) {
	client := startBus(t)
	store := openStore(t)
	eng := newEngine(t, echoFactory("午饭三十五元"))

	svc := NewService(context.Background(), config.ServiceConfig{Enabled: true, PublishInterim: true}, client, eng, store)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	publishFrame(t, client, protocol.AudioFrame{SessionID: "s5", PCM: []byte{1, 2}})
	publishFrame(t, client, protocol.AudioFrame{SessionID: "s5", Final: true})

	events := awaitEvents(t, store, "s5",
		eventstore.TypeSessionStarted, eventstore.TypePartial, eventstore.TypeFinal)
	for _, e := range events {
		if e.Type == eventstore.TypeFallback {
			t.Errorf("fallback recorded for an online session: %+v", e)
		}
		if e.Type == eventstore.TypeFinal && (e.Backend != "online" || e.Text != "午饭三十五元") {
			t.Errorf("final event = %+v", e)
		}
		if e.Type == eventstore.TypeSessionStarted && e.Backend != "online" {
			t.Errorf("session start backend = %q", e.Backend)
		}
	}
}

type offlineStub struct {
	text string
}

func (o offlineStub) Initialize(ctx context.Context) error { return nil }

func (o offlineStub) Transcribe(ctx context.Context, a asr.Audio) (asr.Result, error) {
	return asr.Result{Text: o.text, Offline: true}, nil
}

func TestServiceRecordsOfflineFallback(t *testing.T) {
	client := startBus(t)
	store := openStore(t)
	retrier := retry.NewController(retry.Config{InitialInterval: time.Millisecond, MaxAttempts: 2}, testLogger())
	eng := engine.New(engine.Config{}, nil, nil, retrier, testLogger(),
		engine.WithOffline(offlineStub{text: "晚饭三十块"}),
		engine.WithProbe(connectivity.Static(false)))

	svc := NewService(context.Background(), config.ServiceConfig{Enabled: true}, client, eng, store)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	finals, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}

	publishFrame(t, client, protocol.AudioFrame{SessionID: "s6", PCM: []byte{1, 2}})
	publishFrame(t, client, protocol.AudioFrame{SessionID: "s6", Final: true})

	msg, err := finals.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("await final transcript: %v", err)
	}
	var final protocol.Transcript
	if err := json.Unmarshal(msg.Data, &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if !final.Offline || final.Text != "晚饭三十块" {
		t.Errorf("final transcript = %+v, want the offline backend marked", final)
	}

	events := awaitEvents(t, store, "s6",
		eventstore.TypeSessionStarted, eventstore.TypeFallback, eventstore.TypeFinal)
	for _, e := range events {
		switch e.Type {
		case eventstore.TypeSessionStarted, eventstore.TypeFallback, eventstore.TypeFinal:
			if e.Backend != "offline" {
				t.Errorf("%s backend = %q, want offline", e.Type, e.Backend)
			}
		}
	}
}
